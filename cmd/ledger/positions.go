package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
)

type positionsCmd struct{}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "display live broker positions grouped into spreads" }
func (*positionsCmd) Usage() string {
	return `ledger [-config <file>] positions

  Displays the broker's open option positions, pairing short and long legs
  into credit spreads. Legs that cannot be paired are listed separately.
`
}

func (*positionsCmd) SetFlags(*flag.FlagSet) {}

func (*positionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.close()

	view, ok := a.service.LivePositions(ctx)
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: broker positions unavailable")
		return subcommands.ExitFailure
	}
	printPositions(os.Stdout, view)
	return subcommands.ExitSuccess
}

func printPositions(w io.Writer, v reconcile.PositionView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tSTRATEGY\tEXPIRATION\tSTRIKES\tQTY\tCREDIT\tUNREALIZED")
	for _, s := range v.Spreads {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f/%.2f\t%d\t%.2f\t%s\n",
			s.Ticker, s.Strategy, s.Expiration, s.ShortStrike, s.LongStrike, s.Contracts, s.Credit, usd(s.UnrealizedPL))
	}
	for _, l := range v.NakedLegs {
		fmt.Fprintf(tw, "%s\tnaked %s\t%s\t%.2f\t%g\t-\t%s\n",
			l.Ticker, l.OptionType, l.Expiration, l.Strike, l.Qty, usd(l.UnrealizedPL))
	}
	_ = tw.Flush()
	for _, sym := range v.Ignored {
		fmt.Fprintf(w, "ignored: %s\n", sym)
	}
}
