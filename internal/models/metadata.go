package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Source tags where a trade came from.
type Source string

const (
	SourceUser   Source = "user"   // Opened through the paper-trading API
	SourceBroker Source = "broker" // Reconciled from broker order history
)

// Valid returns true if the Source is one of the defined constants.
func (s Source) Valid() bool {
	return s == SourceUser || s == SourceBroker
}

// UserMetadata carries the scoring inputs captured when a user opens a trade.
type UserMetadata struct {
	EntryPrice float64 `json:"entry_price,omitempty"` // Underlying price at entry
	DTEAtEntry int     `json:"dte,omitempty"`
	PoP        float64 `json:"pop,omitempty"`
	Score      float64 `json:"score,omitempty"`
	IVRank     float64 `json:"iv_rank,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

// BrokerMetadata links a reconciled trade back to its broker orders.
type BrokerMetadata struct {
	EntryOrderID   string  `json:"entry_order_id"`
	ExitOrderID    string  `json:"exit_order_id"`
	EntryFillPrice float64 `json:"entry_fill_price"`
	ExitFillPrice  float64 `json:"exit_fill_price"`
}

// Metadata is a tagged union over the known metadata shapes. At most one
// variant is set; on the wire it is the flat object of that variant.
type Metadata struct {
	User   *UserMetadata
	Broker *BrokerMetadata
}

// UserMeta wraps m as a user metadata union.
func UserMeta(m UserMetadata) Metadata {
	return Metadata{User: &m}
}

// BrokerMeta wraps m as a broker metadata union.
func BrokerMeta(m BrokerMetadata) Metadata {
	return Metadata{Broker: &m}
}

// IsZero reports whether no variant is set.
func (m Metadata) IsZero() bool {
	return m.User == nil && m.Broker == nil
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := Metadata{}
	if m.User != nil {
		u := *m.User
		out.User = &u
	}
	if m.Broker != nil {
		b := *m.Broker
		out.Broker = &b
	}
	return out
}

// MarshalJSON writes the active variant as a flat object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	switch {
	case m.Broker != nil:
		return json.Marshal(m.Broker)
	case m.User != nil:
		return json.Marshal(m.User)
	default:
		return []byte("{}"), nil
	}
}

// DecodeMetadata decodes a flat metadata blob into the variant that belongs
// to source. Empty and null blobs decode to the zero union.
func DecodeMetadata(source Source, raw []byte) (Metadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return Metadata{}, nil
	}

	switch source {
	case SourceBroker:
		var b BrokerMetadata
		if err := json.Unmarshal(raw, &b); err != nil {
			return Metadata{}, fmt.Errorf("decoding broker metadata: %w", err)
		}
		return BrokerMeta(b), nil
	default:
		var u UserMetadata
		if err := json.Unmarshal(raw, &u); err != nil {
			return Metadata{}, fmt.Errorf("decoding user metadata: %w", err)
		}
		return UserMeta(u), nil
	}
}
