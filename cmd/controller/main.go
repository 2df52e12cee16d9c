package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reh3376/ignition-tools-sub003/internal/config"
	"github.com/reh3376/ignition-tools-sub003/internal/journal"
	"github.com/reh3376/ignition-tools-sub003/internal/runtime"
)

// #region main

func main() {
	cfgPath := flag.String("config", envOr("CONTROL_CONFIG", "control.toml"), "path to control.toml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Runtime.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var store *journal.Store
	if cfg.Runtime.JournalPath != "" {
		store, err = journal.Open(cfg.Runtime.JournalPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	rt, err := runtime.New(runtime.Deps{
		Config:  cfg,
		Sink:    stdoutSink{},
		Journal: store,
		Log:     log.Sugar(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build runtime: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	fmt.Printf("Process controller ready. Controlling %q toward setpoint %v.\n",
		cfg.Runtime.ControlledParameter, cfg.Runtime.Setpoint)
	fmt.Println("Feed measurements as '<parameter> <value>'; 'help' lists commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := dispatch(rt, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	stop()
	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "runtime: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region commands

func dispatch(rt *runtime.Runtime, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Println("  <parameter> <value>     ingest a measurement")
		fmt.Println("  setpoint <value>        change the tracking target")
		fmt.Println("  ack <alarm-id> <user>   acknowledge an alarm")
		fmt.Println("  clear <alarm-id> [force]")
		fmt.Println("  suppress <alarm-id> <user>")
		fmt.Println("  reset                   release safety latches")
		fmt.Println("  status                  print both loop snapshots")
		fmt.Println("  quit")
		return nil
	case "setpoint":
		if len(fields) != 2 {
			return fmt.Errorf("usage: setpoint <value>")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return err
		}
		rt.SetSetpoint(v)
		return nil
	case "ack":
		if len(fields) != 3 {
			return fmt.Errorf("usage: ack <alarm-id> <user>")
		}
		_, err := rt.AcknowledgeAlarm(fields[1], fields[2])
		return err
	case "clear":
		if len(fields) < 2 {
			return fmt.Errorf("usage: clear <alarm-id> [force]")
		}
		force := len(fields) == 3 && fields[2] == "force"
		_, err := rt.ClearAlarm(fields[1], force)
		return err
	case "suppress":
		if len(fields) != 3 {
			return fmt.Errorf("usage: suppress <alarm-id> <user>")
		}
		_, err := rt.SuppressAlarm(fields[1], fields[2])
		return err
	case "reset":
		rt.Reset()
		return nil
	case "status":
		printStatus(rt)
		return nil
	}

	// Default: a measurement line.
	if len(fields) != 2 {
		return fmt.Errorf("unrecognized input %q", line)
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("bad value %q: %v", fields[1], err)
	}
	return rt.Ingest(fields[0], v)
}

func printStatus(rt *runtime.Runtime) {
	cs := rt.ControllerStatus()
	ss := rt.SafetyStatus()
	fmt.Printf("controller: phase=%s last_control=%.4f computations=%d failures=%d mean=%v\n",
		cs.Phase, cs.LastControl, cs.Computations, cs.Failures, cs.MeanComputeTime)
	if cs.LastError != "" {
		fmt.Printf("  last error: %s\n", cs.LastError)
	}
	fmt.Printf("safety: state=%s emergency=%v shutdown=%v live_alarms=%d forced=%v\n",
		ss.State, ss.EmergencyActive, ss.Shutdown, ss.LiveAlarms, rt.Forced())
	for _, inst := range rt.Registry().Snapshot() {
		fmt.Printf("  alarm %s key=%s priority=%s state=%s escalation=%d\n",
			inst.ID, inst.Key, inst.Priority, inst.State, inst.EscalationLevel)
	}
}

// #endregion commands

// #region sink

// stdoutSink prints every applied control action; a real deployment wires
// the actuator bus here instead.
type stdoutSink struct{}

func (stdoutSink) ApplyControl(v float64) {
	fmt.Printf("control %.6f\n", v)
}

// #endregion sink

// #region helpers

func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
