// Command ledger runs the spread paper-trading ledger: an HTTP API over
// user portfolios plus one-shot maintenance commands.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	commander.Register(&serveCmd{}, "server")
	commander.Register(&reconcileCmd{}, "broker")
	commander.Register(&positionsCmd{}, "broker")
	commander.Register(&summaryCmd{}, "portfolio")
	commander.Register(&wipeCmd{}, "portfolio")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
