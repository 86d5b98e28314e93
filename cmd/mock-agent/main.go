// Package main implements a mock agent binary that speaks the claude-code
// stream-json protocol over stdin/stdout. Turns are scripted by YAML scenarios,
// which makes it a stand-in backend for local runs and end-to-end tests.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
)

type options struct {
	Model     string
	Resume    string
	Scenarios string
	Delay     time.Duration
}

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}

	opts := parseOptions(os.Args)
	scenarios, err := loadScenarios(opts.Scenarios)
	if err != nil {
		log.Error("failed to load scenarios", zap.Error(err))
		os.Exit(1)
	}
	if scenarios.Delay > 0 {
		opts.Delay = scenarios.Delay
	}

	if err := newAgent(os.Stdout, opts, scenarios, log).run(context.Background(), os.Stdin); err != nil {
		log.Error("scanner error", zap.Error(err))
		os.Exit(1)
	}
}

// parseOptions picks the flags the mock understands out of a CLI command
// line. Everything else the server passes is ignored.
func parseOptions(args []string) options {
	model := flagValue(args, "--model")
	if model == "" {
		model = "mock-default"
	}
	return options{
		Model:     model,
		Resume:    flagValue(args, "--resume"),
		Scenarios: flagValue(args, "--scenarios"),
		Delay:     delayFor(model),
	}
}

// flagValue extracts the value of name given as "name value" or "name=value".
func flagValue(args []string, name string) string {
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if arg == name {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}

// delayFor returns the pause between streamed chunks for a model name.
func delayFor(model string) time.Duration {
	switch model {
	case "mock-fast":
		return 0
	case "mock-slow":
		return 200 * time.Millisecond
	default:
		return 20 * time.Millisecond
	}
}
