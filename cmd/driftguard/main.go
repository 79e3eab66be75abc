package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/driftguard/driftguard/internal/agent"
)

// version is set via -ldflags at build time. GoReleaser fills this automatically.
var version = "dev"

const usage = `driftguard - data quality monitoring agent

Usage:
  driftguard <command> [flags]

Commands:
  init           write an example config file
  validate       check the config file, optionally probe connections
  render-config  print the resolved config with secrets masked
  check          run one check cycle and exit
  run            run as a long-lived daemon
  status         show the latest state of every source
  history        show recent snapshots for a source
  explain        recompute and explain the latest decision for a source
  test-webhook   send a signed info payload to webhook targets
  purge          apply the retention policy now
  migrate        apply schema migrations and print the version

Exit codes for check: 0 all OK, 1 operational error, 2 warning or anomaly.

Run "driftguard <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	}
	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Println("driftguard " + version)
		return
	}

	cmd, args := os.Args[1], os.Args[2:]

	var code int
	switch cmd {
	case "init":
		code = cmdInit(args)
	case "validate":
		code = cmdValidate(args)
	case "render-config":
		code = cmdRenderConfig(args)
	case "check":
		code = cmdCheck(args)
	case "run":
		code = cmdRun(args)
	case "status":
		code = cmdStatus(args)
	case "history":
		code = cmdHistory(args)
	case "explain":
		code = cmdExplain(args)
	case "test-webhook":
		code = cmdTestWebhook(args)
	case "purge":
		code = cmdPurge(args)
	case "migrate":
		code = cmdMigrate(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 1
	}
	os.Exit(code)
}

// setupLogging configures the process-wide slog default from agent config.
func setupLogging(cfg *agent.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.Agent.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Agent.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
