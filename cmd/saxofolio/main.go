// Command saxofolio mirrors a Saxo Bank account into Ghostfolio.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
)

const version = "0.1.0"

// exitInterrupted is returned when a command is stopped by SIGINT or SIGTERM.
const exitInterrupted subcommands.ExitStatus = 130

var (
	configPath = flag.String("config", envOr("SAXOFOLIO_CONFIG", "saxofolio.yaml"), "path to the optional YAML configuration file")
	envFile    = flag.String("env-file", ".env", "dotenv file with credentials and stored broker tokens")
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&versionCmd{}, "")

	commander.Register(&syncCmd{}, "sync")
	commander.Register(&deleteActivitiesCmd{}, "sync")
	commander.Register(&listActivitiesCmd{}, "sync")

	commander.Register(&loginCmd{}, "broker")
	commander.Register(&accountsCmd{}, "broker")

	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	if ctx.Err() != nil && status != subcommands.ExitSuccess {
		status = exitInterrupted
	}
	cancel()
	os.Exit(int(status))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
