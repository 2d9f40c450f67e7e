// Package occ parses and formats standardized (OCC/OSI) option symbols.
//
// Format: [O:]TICKER YYMMDD [P|C] ########, where the trailing eight digits
// are the strike multiplied by 1000. Padding whitespace between the fields
// is accepted and stripped before matching.
package occ

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// OptionType is the contract type encoded in a symbol.
type OptionType string

const (
	// Put is a put contract.
	Put OptionType = "P"
	// Call is a call contract.
	Call OptionType = "C"
)

// dateLayout is the expanded expiration layout.
const dateLayout = "2006-01-02"

// strikeScale converts the eight-digit strike field to a price.
const strikeScale = 1000

var symbolPattern = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([PC])(\d{8})$`)

// Symbol is a decoded option symbol.
type Symbol struct {
	Ticker         string     `json:"ticker"`
	ExpirationDate string     `json:"expiration"` // YYYY-MM-DD
	OptionType     OptionType `json:"option_type"`
	Strike         float64    `json:"strike"`
}

// Parse decodes raw into a Symbol. The second return is false for any
// input that does not conform; callers treat that as "skip this instrument".
func Parse(raw string) (Symbol, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "O:")
	s = strings.Join(strings.Fields(s), "")

	m := symbolPattern.FindStringSubmatch(s)
	if m == nil {
		return Symbol{}, false
	}

	yymmdd := m[2]
	expiration := fmt.Sprintf("20%s-%s-%s", yymmdd[0:2], yymmdd[2:4], yymmdd[4:6])
	if _, err := time.Parse(dateLayout, expiration); err != nil {
		return Symbol{}, false
	}

	strikeInt, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return Symbol{}, false
	}

	return Symbol{
		Ticker:         m[1],
		ExpirationDate: expiration,
		OptionType:     OptionType(m[3]),
		Strike:         float64(strikeInt) / strikeScale,
	}, true
}

// Format encodes s back into the compact symbol form (no prefix, no padding).
func Format(s Symbol) string {
	exp, err := time.Parse(dateLayout, s.ExpirationDate)
	if err != nil {
		return ""
	}
	strike := int64(math.Round(s.Strike * strikeScale))
	return fmt.Sprintf("%s%s%s%08d", s.Ticker, exp.Format("060102"), s.OptionType, strike)
}

// String implements fmt.Stringer.
func (s Symbol) String() string {
	return Format(s)
}

// Expiration returns the expiration date at UTC midnight.
func (s Symbol) Expiration() time.Time {
	t, err := time.Parse(dateLayout, s.ExpirationDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsPut reports whether the symbol is a put.
func (s Symbol) IsPut() bool {
	return s.OptionType == Put
}
