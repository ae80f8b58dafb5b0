package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "arm-guards":
		return runArmGuards(args[2:], stdout, stderr)
	case "drain":
		return runDrain(args[2:], stdout, stderr)
	case "backfill":
		return runBackfill(args[2:], stdout, stderr)
	case "rollout-gate":
		return runRolloutGate(args[2:], stdout, stderr)
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = io.WriteString(w, `Usage: fincore <command>

Commands:
  arm-guards     install and verify the storage transition triggers
  drain          run the outbox delivery loop (use -once for a single pass)
  backfill       repair outbox rows missing aggregate correlation
  stats          print outbox backlog stats
  rollout-gate   evaluate a metrics snapshot, exit 0 on GO, 1 on STOP
  help           show this message
`)
}

// newLogger builds the process logger at the configured level, writing to
// stderr so stdout stays parseable.
func newLogger(level string, stderr io.Writer) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: l}))
}
