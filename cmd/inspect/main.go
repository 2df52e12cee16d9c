package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/reh3376/ignition-tools-sub003/internal/journal"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to journal.db")
	last := flag.Int("last", 20, "show N most recent rows")
	mode := flag.String("mode", "decisions", "decisions | alarms | notices")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/journal.db [--mode decisions|alarms|notices] [--last N] [--json]")
		os.Exit(2)
	}

	store, err := journal.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "decisions":
		err = runDecisions(store, *last, *jsonOut)
	case "alarms":
		err = runAlarms(store, *last, *jsonOut)
	case "notices":
		err = runNotices(store, *last, *jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region decisions

func runDecisions(store *journal.Store, n int, jsonOut bool) error {
	rows, err := store.RecentControlDecisions(n)
	if err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	fmt.Printf("%-8s %-10s %-10s %-10s %-8s %-10s %s\n",
		"tick", "setpoint", "output", "control", "fallback", "error", "at")
	for _, d := range rows {
		fb := ""
		if d.Fallback {
			fb = "yes"
		}
		fmt.Printf("%-8d %-10.4f %-10.4f %-10.4f %-8s %-10s %s\n",
			d.Tick, d.Setpoint, d.Output, d.Control, fb, d.ErrorKind,
			d.At.Format("15:04:05.000"))
	}
	return nil
}

// #endregion decisions

// #region alarms

func runAlarms(store *journal.Store, n int, jsonOut bool) error {
	rows, err := store.RecentAlarmEvents(n)
	if err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	fmt.Printf("%-14s %-12s %-10s %-12s %-10s %s\n",
		"kind", "key", "priority", "state", "value", "at")
	for _, r := range rows {
		fmt.Printf("%-14s %-12s %-10s %-12s %-10.3f %s\n",
			r.Kind, r.Key, r.Priority, r.State, r.Value,
			r.CreatedAt.Format("15:04:05.000"))
	}
	return nil
}

// #endregion alarms

// #region notices

func runNotices(store *journal.Store, n int, jsonOut bool) error {
	rows, err := store.RecentEmergencyNotices(n)
	if err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	fmt.Printf("%-12s %-20s %s\n", "last_resort", "at", "reason")
	for _, en := range rows {
		lr := ""
		if en.LastResort {
			lr = "yes"
		}
		fmt.Printf("%-12s %-20s %s\n", lr, en.At.Format("2006-01-02 15:04:05"), en.Reason)
	}
	return nil
}

// #endregion notices
