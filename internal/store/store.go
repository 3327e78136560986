// Package store defines the persistence interface for the reputation
// market engine. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/trustmesh/reputation-market/internal/model"
)

var (
	// ErrMarketNotFound is returned when a subject has no market.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrMarketExists is returned when creating a market that already exists.
	ErrMarketExists = errors.New("store: market already exists")

	// ErrInvalidTierIndex is returned for an out-of-range config tier index.
	ErrInvalidTierIndex = errors.New("store: invalid config tier index")
)

// TradeCommit carries every mutation of one trade transition. A store
// applies the whole commit atomically or not at all.
type TradeCommit struct {
	Market         *model.Market  // post-trade ledger state
	Holding        *model.Holding // post-trade holding state
	NewParticipant bool           // first position for this account in this market
	EscrowCredit   string         // donation recipient; empty when Donation is 0
	Donation       int64
	Event          *model.TradeEvent
}

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	// --- Market ledger ---

	// CreateMarket persists a new market. Fails with ErrMarketExists
	// when the subject already has one.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by subject profile id.
	GetMarket(ctx context.Context, subject uint64) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarket replaces a market's mutable fields (graduation, custody).
	UpdateMarket(ctx context.Context, m *model.Market) error

	// ApplyTrade atomically commits every mutation of one trade:
	// market counts/custody, holding, participation, donation escrow,
	// and the immutable trade event.
	ApplyTrade(ctx context.Context, commit *TradeCommit) error

	// RevertTrade undoes a previously applied commit when the trade's
	// settlement transfers fail. Market and Holding carry the pre-trade
	// state to restore; NewParticipant removes the registration,
	// Donation/EscrowCredit debit the credited escrow, and Event names
	// the trade event to delete.
	RevertTrade(ctx context.Context, commit *TradeCommit) error

	// --- Holdings ---

	// GetHolding returns an account's position in a market. Accounts
	// that never traded get a zero-valued record, not an error.
	GetHolding(ctx context.Context, account string, subject uint64) (*model.Holding, error)

	// --- Participation ---

	// IsParticipant reports whether an account ever bought into a market.
	IsParticipant(ctx context.Context, subject uint64, account string) (bool, error)

	// ParticipantCount returns how many accounts ever bought into a market.
	ParticipantCount(ctx context.Context, subject uint64) (int64, error)

	// Participants returns the append-only participant list for a market.
	Participants(ctx context.Context, subject uint64) ([]string, error)

	// --- Donation escrow ---

	// EscrowBalance returns an account's claimable donation balance.
	EscrowBalance(ctx context.Context, account string) (int64, error)

	// SetEscrowBalance replaces an account's escrow balance.
	SetEscrowBalance(ctx context.Context, account string, balance int64) error

	// MoveEscrow atomically moves the full balance from one account to
	// another and returns the amount moved.
	MoveEscrow(ctx context.Context, from, to string) (int64, error)

	// --- Configuration tiers ---

	// ConfigTiers returns the ordered tier list; index 0 is the default.
	ConfigTiers(ctx context.Context) ([]model.ConfigTier, error)

	// AppendConfigTier adds a tier at the end of the list.
	AppendConfigTier(ctx context.Context, tier model.ConfigTier) error

	// RemoveConfigTier removes a tier by swapping it with the last
	// element; indices are not stable across removals.
	RemoveConfigTier(ctx context.Context, index int) error

	// --- Trade events ---

	// TradeEventsBySubject returns all trades for a market, oldest first.
	TradeEventsBySubject(ctx context.Context, subject uint64) ([]model.TradeEvent, error)

	// TradeEventsByAccount returns all trades for an account, oldest first.
	TradeEventsByAccount(ctx context.Context, account string) ([]model.TradeEvent, error)

	// --- Creation allow-list ---
	//
	// Only the per-subject rows persist here. The enforcement toggle
	// and the fee schedule are engine process state, reconfigured via
	// the admin endpoints after a restart.

	// CreationAllowed reports whether a subject is allow-listed for
	// market creation.
	CreationAllowed(ctx context.Context, subject uint64) (bool, error)

	// SetCreationAllowed allow-lists (or de-lists) a subject.
	SetCreationAllowed(ctx context.Context, subject uint64, allowed bool) error
}
