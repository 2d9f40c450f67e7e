package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type wipeCmd struct {
	user string
	yes  bool
}

func (*wipeCmd) Name() string     { return "wipe" }
func (*wipeCmd) Synopsis() string { return "delete every trade a user owns" }
func (*wipeCmd) Usage() string {
	return `ledger [-config <file>] wipe -u <user> -yes

  Deletes the user's portfolio document and any shared-store rows owned by
  the same id. This cannot be undone.
`
}

func (c *wipeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User id")
	f.BoolVar(&c.yes, "yes", false, "Confirm the deletion")
}

func (c *wipeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -u is required")
		return subcommands.ExitUsageError
	}
	if !c.yes {
		fmt.Fprintf(os.Stderr, "Refusing to wipe %s without -yes\n", c.user)
		return subcommands.ExitUsageError
	}
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.close()

	if err := a.service.Wipe(ctx, c.user); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("Wiped portfolio of %s\n", c.user)
	return subcommands.ExitSuccess
}
