package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/occ"
)

// Kind says whether an order opens or closes a spread.
type Kind int

const (
	Entry Kind = iota + 1
	Exit
)

func (k Kind) String() string {
	switch k {
	case Entry:
		return "entry"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

var (
	// ErrNotEligible marks orders that are not filled two-leg orders.
	ErrNotEligible = errors.New("order is not a filled two-leg order")
	// ErrUnparseableLeg marks orders with a leg symbol the codec rejects.
	ErrUnparseableLeg = errors.New("unparseable leg symbol")
	// ErrMixedTypes marks orders that combine a put and a call.
	ErrMixedTypes = errors.New("legs mix puts and calls")
)

// Classification is the decoded shape of a two-leg order.
type Classification struct {
	Kind     Kind
	Key      string
	Strategy models.Strategy
	// Short and Long are the sold and bought legs. For exits they follow the
	// order's own sides, which are reversed from the entry.
	Short occ.Symbol
	Long  occ.Symbol
}

// Eligible reports whether o is a filled order with exactly two legs.
func Eligible(o broker.Order) bool {
	return o.Status == broker.StatusFilled && len(o.Legs) == 2
}

// Classify decodes both legs of o and decides whether it is a spread entry
// or exit. A put entry sells the higher strike and buys the lower; a call
// entry sells the lower strike and buys the higher. Every other shape of a
// same-type pair is an exit.
func Classify(o broker.Order) (Classification, error) {
	if !Eligible(o) {
		return Classification{}, ErrNotEligible
	}

	syms := make([]occ.Symbol, 2)
	for i, leg := range o.Legs {
		sym, ok := occ.Parse(leg.Symbol)
		if !ok {
			return Classification{}, fmt.Errorf("%w %q", ErrUnparseableLeg, leg.Symbol)
		}
		syms[i] = sym
	}
	if syms[0].OptionType != syms[1].OptionType {
		return Classification{}, ErrMixedTypes
	}

	c := Classification{Kind: Exit, Key: legKey(syms[0], syms[1])}

	sell, buy := -1, -1
	for i, leg := range o.Legs {
		switch strings.ToLower(leg.Side) {
		case broker.SideSell, "sell_to_open", "sell_to_close":
			sell = i
		case broker.SideBuy, "buy_to_open", "buy_to_close":
			buy = i
		}
	}
	if sell < 0 || buy < 0 || sell == buy {
		return c, nil
	}
	c.Short, c.Long = syms[sell], syms[buy]

	switch {
	case c.Short.IsPut() && c.Short.Strike > c.Long.Strike:
		c.Kind, c.Strategy = Entry, models.StrategyBullPutSpread
	case !c.Short.IsPut() && c.Short.Strike < c.Long.Strike:
		c.Kind, c.Strategy = Entry, models.StrategyBearCallSpread
	}
	return c, nil
}

// legKey identifies the contract pair independent of side or leg order, so
// an entry and the order that closes it share a key.
func legKey(a, b occ.Symbol) string {
	keys := []string{occ.Format(a), occ.Format(b)}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
