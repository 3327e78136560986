// Package model defines the core domain types shared across the
// reputation market engine. All monetary amounts and vote counts are
// exact int64 base units — never float64 for money.
package model

import "time"

// Side identifies one of the two position types tracked per market.
type Side string

const (
	SideTrust    Side = "TRUST"
	SideDistrust Side = "DISTRUST"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideTrust || s == SideDistrust
}

// Market is the per-subject ledger: outstanding position counts on each
// side, the fixed base price the two unit prices must sum to, and the
// funds held in custody for the market. A market exists iff both counts
// are nonzero; selling is blocked from reducing either side below 1.
type Market struct {
	Subject           uint64    `json:"subject" db:"subject"`
	TrustVotes        int64     `json:"trust_votes" db:"trust_votes"`
	DistrustVotes     int64     `json:"distrust_votes" db:"distrust_votes"`
	BasePrice         int64     `json:"base_price" db:"base_price"`
	CustodiedFunds    int64     `json:"custodied_funds" db:"custodied_funds"`
	ConfigIndex       int       `json:"config_index" db:"config_index"`
	Creator           string    `json:"creator" db:"creator"`
	DonationRecipient string    `json:"donation_recipient" db:"donation_recipient"`
	Graduated         bool      `json:"graduated" db:"graduated"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Votes returns the outstanding count for one side.
func (m *Market) Votes(side Side) int64 {
	if side == SideTrust {
		return m.TrustVotes
	}
	return m.DistrustVotes
}

// SetVotes replaces the outstanding count for one side.
func (m *Market) SetVotes(side Side, votes int64) {
	if side == SideTrust {
		m.TrustVotes = votes
	} else {
		m.DistrustVotes = votes
	}
}

// Holding is one account's position in one market. Records persist at
// zero; they are never deleted.
type Holding struct {
	Account       string `json:"account" db:"account"`
	Subject       uint64 `json:"subject" db:"subject"`
	TrustVotes    int64  `json:"trust_votes" db:"trust_votes"`
	DistrustVotes int64  `json:"distrust_votes" db:"distrust_votes"`
}

// Votes returns the held count for one side.
func (h *Holding) Votes(side Side) int64 {
	if side == SideTrust {
		return h.TrustVotes
	}
	return h.DistrustVotes
}

// AddVotes adjusts the held count for one side by delta (which may be
// negative on sells).
func (h *Holding) AddVotes(side Side, delta int64) {
	if side == SideTrust {
		h.TrustVotes += delta
	} else {
		h.DistrustVotes += delta
	}
}

// ConfigTier is a market-creation preset. Tiers form an ordered list;
// index 0 is the default. Removal swaps with the last element, so
// indices are not stable across removals.
type ConfigTier struct {
	InitialLiquidity int64 `json:"initial_liquidity" db:"initial_liquidity"`
	InitialVotes     int64 `json:"initial_votes" db:"initial_votes"`
	BasePrice        int64 `json:"base_price" db:"base_price"`
}

// TradeEvent is an immutable record of one executed trade.
// Once created, these are never modified or deleted.
type TradeEvent struct {
	ID        string    `json:"id" db:"id"`
	Account   string    `json:"account" db:"account"`
	Subject   uint64    `json:"subject" db:"subject"`
	Side      Side      `json:"side" db:"side"`
	IsBuy     bool      `json:"is_buy" db:"is_buy"`
	Votes     int64     `json:"votes" db:"votes"`
	Funds     int64     `json:"funds" db:"funds"`       // spent incl. fees (buy) or net proceeds (sell)
	Fee       int64     `json:"fee" db:"fee"`           // protocol fee
	Donation  int64     `json:"donation" db:"donation"` // zero on sells
	MinPrice  int64     `json:"min_price" db:"min_price"`
	MaxPrice  int64     `json:"max_price" db:"max_price"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// MarketUpdate is emitted after every state-changing trade. It carries
// both the absolute new counts/prices and signed deltas versus the
// previous emitted snapshot (equivalently, the pre-trade state, since
// every trade emits one).
type MarketUpdate struct {
	Subject            uint64 `json:"subject"`
	TrustVotes         int64  `json:"trust_votes"`
	DistrustVotes      int64  `json:"distrust_votes"`
	TrustPrice         int64  `json:"trust_price"`
	DistrustPrice      int64  `json:"distrust_price"`
	DeltaTrustVotes    int64  `json:"delta_trust_votes"`
	DeltaDistrustVotes int64  `json:"delta_distrust_votes"`
	DeltaTrustPrice    int64  `json:"delta_trust_price"`
	DeltaDistrustPrice int64  `json:"delta_distrust_price"`
	CustodiedFunds     int64  `json:"custodied_funds"`
}
