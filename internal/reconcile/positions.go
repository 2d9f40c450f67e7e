package reconcile

import (
	"math"
	"sort"

	"github.com/eddiefleurent/spread_ledger/internal/broker"
	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/occ"
	"github.com/eddiefleurent/spread_ledger/internal/util"
)

// SpreadPosition is a live credit spread assembled from two broker legs.
type SpreadPosition struct {
	Ticker       string          `json:"ticker"`
	Strategy     models.Strategy `json:"strategy_type"`
	Expiration   string          `json:"expiration"`
	ShortSymbol  string          `json:"short_symbol"`
	LongSymbol   string          `json:"long_symbol"`
	ShortStrike  float64         `json:"short_strike"`
	LongStrike   float64         `json:"long_strike"`
	SpreadWidth  float64         `json:"spread_width"`
	Contracts    int             `json:"contracts"`
	Credit       float64         `json:"credit"`
	UnrealizedPL float64         `json:"unrealized_pl"`
}

// LegPosition is a held option leg that could not be paired.
type LegPosition struct {
	Symbol       string  `json:"symbol"`
	Ticker       string  `json:"ticker"`
	Expiration   string  `json:"expiration"`
	OptionType   string  `json:"option_type"`
	Strike       float64 `json:"strike"`
	Qty          float64 `json:"qty"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// PositionView groups live broker positions for display.
type PositionView struct {
	Spreads   []SpreadPosition `json:"spreads"`
	NakedLegs []LegPosition    `json:"naked_legs"`
	// Ignored lists symbols that are not parseable option contracts.
	Ignored []string `json:"ignored"`
}

type heldLeg struct {
	pos       broker.Position
	sym       occ.Symbol
	remaining float64 // absolute contracts not yet paired
}

// PairPositions groups option legs that share an underlying, expiration and
// type into credit spreads. Each short leg is paired with the nearest
// protective long: the highest lower strike for puts, the lowest higher
// strike for calls. Whatever is left over is reported as naked legs.
func PairPositions(positions []broker.Position) PositionView {
	view := PositionView{Spreads: []SpreadPosition{}, NakedLegs: []LegPosition{}, Ignored: []string{}}

	type groupKey struct {
		ticker, exp string
		typ         occ.OptionType
	}
	groups := make(map[groupKey]*struct{ shorts, longs []*heldLeg })
	var order []groupKey

	for _, p := range positions {
		sym, ok := occ.Parse(p.Symbol)
		qty := p.Qty.Float64()
		if !ok || qty == 0 || !util.IsFinite(qty) {
			view.Ignored = append(view.Ignored, p.Symbol)
			continue
		}
		k := groupKey{sym.Ticker, sym.ExpirationDate, sym.OptionType}
		g, exists := groups[k]
		if !exists {
			g = &struct{ shorts, longs []*heldLeg }{}
			groups[k] = g
			order = append(order, k)
		}
		leg := &heldLeg{pos: p, sym: sym, remaining: math.Abs(qty)}
		if qty < 0 {
			g.shorts = append(g.shorts, leg)
		} else {
			g.longs = append(g.longs, leg)
		}
	}

	for _, k := range order {
		g := groups[k]
		sort.Slice(g.shorts, func(i, j int) bool { return g.shorts[i].sym.Strike < g.shorts[j].sym.Strike })

		for _, short := range g.shorts {
			for short.remaining > 0 {
				long := nearestProtection(short, g.longs)
				if long == nil {
					break
				}
				n := math.Min(short.remaining, long.remaining)
				view.Spreads = append(view.Spreads, spreadFrom(short, long, n))
				short.remaining -= n
				long.remaining -= n
			}
		}

		for _, legs := range [][]*heldLeg{g.shorts, g.longs} {
			for _, leg := range legs {
				if leg.remaining > 0 {
					view.NakedLegs = append(view.NakedLegs, nakedFrom(leg))
				}
			}
		}
	}
	return view
}

func nearestProtection(short *heldLeg, longs []*heldLeg) *heldLeg {
	var best *heldLeg
	for _, l := range longs {
		if l.remaining <= 0 {
			continue
		}
		if short.sym.IsPut() {
			if l.sym.Strike < short.sym.Strike && (best == nil || l.sym.Strike > best.sym.Strike) {
				best = l
			}
		} else if l.sym.Strike > short.sym.Strike && (best == nil || l.sym.Strike < best.sym.Strike) {
			best = l
		}
	}
	return best
}

// share scales a leg's unrealized P&L to the n contracts taken from it.
func share(leg *heldLeg, n float64) float64 {
	total := math.Abs(leg.pos.Qty.Float64())
	if total == 0 {
		return 0
	}
	return leg.pos.UnrealizedPL.Float64() * n / total
}

func spreadFrom(short, long *heldLeg, n float64) SpreadPosition {
	strategy := models.StrategyBearCallSpread
	if short.sym.IsPut() {
		strategy = models.StrategyBullPutSpread
	}
	credit := math.Abs(short.pos.AvgEntryPrice.Float64()) - math.Abs(long.pos.AvgEntryPrice.Float64())
	return SpreadPosition{
		Ticker:       short.sym.Ticker,
		Strategy:     strategy,
		Expiration:   short.sym.ExpirationDate,
		ShortSymbol:  occ.Format(short.sym),
		LongSymbol:   occ.Format(long.sym),
		ShortStrike:  short.sym.Strike,
		LongStrike:   long.sym.Strike,
		SpreadWidth:  math.Abs(short.sym.Strike - long.sym.Strike),
		Contracts:    int(math.Round(n)),
		Credit:       util.RoundCents(credit),
		UnrealizedPL: util.RoundCents(share(short, n) + share(long, n)),
	}
}

func nakedFrom(leg *heldLeg) LegPosition {
	qty := leg.remaining
	if leg.pos.Qty.Float64() < 0 {
		qty = -qty
	}
	return LegPosition{
		Symbol:       occ.Format(leg.sym),
		Ticker:       leg.sym.Ticker,
		Expiration:   leg.sym.ExpirationDate,
		OptionType:   string(leg.sym.OptionType),
		Strike:       leg.sym.Strike,
		Qty:          qty,
		UnrealizedPL: util.RoundCents(share(leg, leg.remaining)),
	}
}
