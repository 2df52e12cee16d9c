package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/reh3376/ignition-tools-sub003/internal/config"
	"github.com/reh3376/ignition-tools-sub003/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	cfgPath := flag.String("config", "control.toml", "path to control.toml")
	jsonOut := flag.Bool("json", false, "output summary as JSON")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--config control.toml] [--json]")
		os.Exit(2)
	}

	fixture, err := replay.LoadFixture(*fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	sum, err := replay.Run(fixture, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaryJSON(fixture.Name, sum)); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("fixture:        %s\n", fixture.Name)
	fmt.Printf("ticks:          %d (%d fallbacks)\n", sum.Ticks, sum.Fallbacks)
	fmt.Printf("alarms raised:  %d\n", sum.AlarmsRaised)
	fmt.Printf("max state:      %s\n", sum.MaxState)
	fmt.Printf("final control:  %.6f\n", sum.FinalControl)
	for i, c := range sum.Controls {
		fmt.Printf("  tick %2d  control %.6f\n", i+1, c)
	}
}

// #endregion main

// #region json

type jsonSummary struct {
	Fixture      string    `json:"fixture"`
	Ticks        int       `json:"ticks"`
	Fallbacks    int       `json:"fallbacks"`
	AlarmsRaised int       `json:"alarms_raised"`
	MaxState     string    `json:"max_state"`
	FinalControl float64   `json:"final_control"`
	Controls     []float64 `json:"controls"`
}

func summaryJSON(name string, sum replay.Summary) jsonSummary {
	return jsonSummary{
		Fixture:      name,
		Ticks:        sum.Ticks,
		Fallbacks:    sum.Fallbacks,
		AlarmsRaised: sum.AlarmsRaised,
		MaxState:     sum.MaxState.String(),
		FinalControl: sum.FinalControl,
		Controls:     sum.Controls,
	}
}

// #endregion json
