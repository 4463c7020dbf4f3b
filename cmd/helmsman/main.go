package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/danshapiro/helmsman/internal/controlplane/engine"
	"github.com/danshapiro/helmsman/internal/controlplane/plan"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		validatePlan(os.Args[2:])
	case "config":
		configCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  helmsman validate --plan <file.yaml|file.json> [--config <helmsman.yaml>]")
	fmt.Fprintln(os.Stderr, "  helmsman config check --config <helmsman.yaml>")
}

func validatePlan(args []string) {
	var planPath string
	var configPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(1)
			}
			planPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if planPath == "" {
		usage()
		os.Exit(1)
	}
	if configPath != "" {
		if _, err := engine.LoadConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
	}

	p, err := plan.Load(planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan error: %v\n", err)
		os.Exit(1)
	}

	// Offline validation has no registered capabilities, so any
	// well-formed name passes; registry checks happen at session start.
	known := func(name string) bool {
		return engine.ValidateCapabilityName(name) == nil
	}
	diags := plan.Validate(p, known)
	errors := 0
	for _, d := range diags {
		fmt.Fprintf(os.Stderr, "%s: %s: %s", d.Severity, d.Rule, d.Message)
		if d.StepKey != "" {
			fmt.Fprintf(os.Stderr, " (step %s)", d.StepKey)
		}
		fmt.Fprintln(os.Stderr)
		if d.Severity == plan.SeverityError {
			errors++
		}
	}
	if errors > 0 {
		fmt.Fprintf(os.Stderr, "invalid: %d error(s), %d step(s)\n", errors, p.Len())
		os.Exit(1)
	}
	fmt.Printf("ok: %d step(s), terminal capability %q\n", p.Len(), lastCapability(p))
}

func lastCapability(p *plan.ExecutionPlan) string {
	step, ok := p.LastStep()
	if !ok {
		return ""
	}
	return step.Capability
}

func configCmd(args []string) {
	if len(args) < 1 || args[0] != "check" {
		usage()
		os.Exit(1)
	}
	args = args[1:]

	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	summary := cfg.Summary()
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("ok: %s\n", configPath)
	for _, k := range keys {
		fmt.Printf("  %s: %v\n", k, summary[k])
	}
}
