// Package broker reads order history and open positions from the broker.
// The broker's own order engine is opaque: this package only fetches and
// decodes, and Feed turns every failure into "unavailable" so callers can
// fall back to ledger data.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Order statuses and leg sides used by reconciliation.
const (
	StatusFilled  = "filled"
	SideBuy       = "buy"
	SideSell      = "sell"
	ClassMultiLeg = "mleg"
)

// Source is the broker collaborator.
type Source interface {
	// Orders returns closed orders submitted after since, oldest first.
	Orders(ctx context.Context, since time.Time) ([]Order, error)
	// Positions returns currently held positions.
	Positions(ctx context.Context) ([]Position, error)
}

// Number decodes JSON numbers that the broker may send as strings.
type Number float64

// UnmarshalJSON accepts 1.5, "1.5", "" and null.
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Float64 returns n as a float64.
func (n Number) Float64() float64 { return float64(n) }

// Leg is one side of a multi-leg order.
type Leg struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
}

// Order is a broker order as reported in order history.
type Order struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	OrderClass     string     `json:"order_class"`
	Qty            Number     `json:"qty"`
	FilledQty      Number     `json:"filled_qty"`
	FilledAvgPrice Number     `json:"filled_avg_price"` // signed net price; negative is a credit
	SubmittedAt    *time.Time `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
	Legs           []Leg      `json:"legs"`
}

// Quantity is the filled quantity, falling back to the ordered quantity.
func (o Order) Quantity() float64 {
	if o.FilledQty > 0 {
		return o.FilledQty.Float64()
	}
	return o.Qty.Float64()
}

// FillTime is the fill timestamp, falling back to submission time.
func (o Order) FillTime() time.Time {
	if o.FilledAt != nil {
		return *o.FilledAt
	}
	if o.SubmittedAt != nil {
		return *o.SubmittedAt
	}
	return time.Time{}
}

// Position is one held instrument. Short option positions have negative
// quantity.
type Position struct {
	Symbol        string `json:"symbol"`
	AssetClass    string `json:"asset_class"`
	Qty           Number `json:"qty"`
	AvgEntryPrice Number `json:"avg_entry_price"`
	CurrentPrice  Number `json:"current_price"`
	UnrealizedPL  Number `json:"unrealized_pl"`
}

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}
