package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/google/subcommands"

	"github.com/eddiefleurent/spread_ledger/internal/portfolio"
)

type summaryCmd struct {
	user string
}

func (*summaryCmd) Name() string     { return "summary" }
func (*summaryCmd) Synopsis() string { return "display a user's portfolio statistics" }
func (*summaryCmd) Usage() string {
	return `ledger [-config <file>] summary -u <user>

  Displays trade counts, win rate, realized and unrealized P&L and the
  current paper balance of a user, including reconciled broker trades.
`
}

func (c *summaryCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User id")
}

func (c *summaryCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -u is required")
		return subcommands.ExitUsageError
	}
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.close()

	summary, err := a.service.PortfolioSummary(ctx, c.user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	printSummary(os.Stdout, c.user, summary)
	return subcommands.ExitSuccess
}

// usd formats an amount in dollars, e.g. -$1,250.00.
func usd(amount float64) string {
	return money.NewFromFloat(amount, money.USD).Display()
}

func printSummary(w io.Writer, user string, s *portfolio.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "User\t%s\n", user)
	fmt.Fprintf(tw, "Trades\t%d (%d open, %d closed)\n", s.TotalTrades, s.OpenTrades, s.ClosedTrades)
	fmt.Fprintf(tw, "Wins / losses\t%d / %d\n", s.Wins, s.Losses)
	fmt.Fprintf(tw, "Win rate\t%.1f%%\n", s.WinRate*100)
	fmt.Fprintf(tw, "Average win\t%s\n", usd(s.AverageWin))
	fmt.Fprintf(tw, "Average loss\t%s\n", usd(s.AverageLoss))
	if s.ProfitFactorUnbounded {
		fmt.Fprintf(tw, "Profit factor\tunbounded\n")
	} else {
		fmt.Fprintf(tw, "Profit factor\t%.2f\n", s.ProfitFactor)
	}
	fmt.Fprintf(tw, "Realized P&L\t%s\n", usd(s.RealizedPnL))
	fmt.Fprintf(tw, "Unrealized P&L\t%s\n", usd(s.UnrealizedPnL))
	fmt.Fprintf(tw, "Open risk\t%s\n", usd(s.TotalOpenRisk))
	fmt.Fprintf(tw, "Starting balance\t%s\n", usd(s.StartingBalance))
	fmt.Fprintf(tw, "Current balance\t%s\n", usd(s.CurrentBalance))
	_ = tw.Flush()
}
