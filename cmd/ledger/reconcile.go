package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
)

type reconcileCmd struct {
	asJSON bool
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "sync filled broker spreads into the shared ledger" }
func (*reconcileCmd) Usage() string {
	return `ledger [-config <file>] reconcile [-json]

  Reads broker order history, pairs entries with exits and stores every
  completed round trip as a closed trade. Running it again is harmless.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.asJSON, "json", false, "Print the run summary as JSON")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.close()

	summary, err := a.service.RunReconciliation(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	if c.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
	} else {
		printReconcile(os.Stdout, summary)
	}
	if !summary.BrokerAvailable {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printReconcile(w io.Writer, s *reconcile.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Broker available\t%t\n", s.BrokerAvailable)
	fmt.Fprintf(tw, "Orders\t%d\n", s.TotalOrders)
	fmt.Fprintf(tw, "Eligible\t%d\n", s.EligibleOrders)
	fmt.Fprintf(tw, "Entries\t%d\n", s.EntriesFound)
	fmt.Fprintf(tw, "Exits\t%d\n", s.ExitsFound)
	fmt.Fprintf(tw, "Synced\t%d\n", s.Synced)
	fmt.Fprintf(tw, "Skipped\t%d\n", s.Skipped)
	_ = tw.Flush()
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
