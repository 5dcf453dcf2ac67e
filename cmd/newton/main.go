// newton is the command-line interface for the newton event sourcing and
// saga library.
//
// Usage:
//
//	newton <command> [flags]
//
// Commands:
//
//	init        Create a newton.yaml
//	migrate     Create the stream and saga tables
//	stream      List streams and replay their events
//	saga        List sagas, show their state and interests
//	demo        Run the order fulfillment saga
//	version     Show version information
//
// Examples:
//
//	newton init shop --driver postgres
//	newton migrate
//	newton demo --orders 5 --stock 6
//	newton saga list --type OrderFulfillment
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-newton/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
