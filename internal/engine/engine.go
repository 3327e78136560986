// Package engine implements the reputation market state machine: market
// creation, bonding-curve trades, fee distribution, donation escrow,
// and the graduation lifecycle.
//
// Every entry point executes as one fully serialized, atomic state
// transition: it commits every mutation (ledger, holding, escrow,
// participation, event) or none of them. A single mutex serializes
// execution (single-instance); for horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustmesh/reputation-market/internal/auth"
	"github.com/trustmesh/reputation-market/internal/curve"
	"github.com/trustmesh/reputation-market/internal/fees"
	"github.com/trustmesh/reputation-market/internal/identity"
	"github.com/trustmesh/reputation-market/internal/model"
	"github.com/trustmesh/reputation-market/internal/payout"
	"github.com/trustmesh/reputation-market/internal/store"
)

var (
	// ErrInvalidAmount is returned for zero or negative funds/vote inputs.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrInvalidSide is returned for a side other than TRUST/DISTRUST.
	ErrInvalidSide = errors.New("engine: invalid side")

	// ErrMarketInactive is returned for trades against a graduated market.
	ErrMarketInactive = errors.New("engine: market is graduated and inactive")

	// ErrInsufficientLiquidity is returned when seed liquidity is below
	// the configuration tier's requirement.
	ErrInsufficientLiquidity = errors.New("engine: seed liquidity below tier requirement")

	// ErrInsufficientOwnedVotes is returned when a seller holds fewer
	// votes than they are trying to sell.
	ErrInsufficientOwnedVotes = errors.New("engine: caller owns fewer votes than requested")

	// ErrInsufficientFunds is returned when a claim or sweep targets a
	// zero balance.
	ErrInsufficientFunds = errors.New("engine: no funds available")

	// ErrNotAuthority is returned when a caller other than the
	// graduation authority calls graduate or withdraw.
	ErrNotAuthority = errors.New("engine: caller is not the graduation authority")

	// ErrNotGraduated is returned when withdrawing from a market that is
	// still active.
	ErrNotGraduated = errors.New("engine: market has not graduated")

	// ErrCreationNotAllowed is returned when allow-list enforcement is on
	// and the subject is not allow-listed.
	ErrCreationNotAllowed = errors.New("engine: market creation not allowed for subject")

	// ErrNotDonationRecipient is returned when someone other than the
	// market's current recipient tries to reassign donations.
	ErrNotDonationRecipient = errors.New("engine: caller is not the donation recipient")

	// ErrRecipientProfileMismatch is returned when a new donation
	// recipient does not resolve to the market's subject.
	ErrRecipientProfileMismatch = errors.New("engine: new recipient belongs to a different profile")

	// ErrRecipientBalanceNotZero refuses a reassignment that would merge
	// the new recipient's existing escrow with the moved balance.
	ErrRecipientBalanceNotZero = errors.New("engine: new recipient already has an escrow balance")
)

// Config wires the engine's collaborators.
type Config struct {
	Store      store.Store
	Registry   identity.Registry
	Guard      auth.Guard
	Transferor payout.Transferor

	// Authority is the single address permitted to graduate markets and
	// sweep their custodied funds.
	Authority string

	// OnUpdate, when non-nil, receives a MarketUpdate after every
	// state-changing trade.
	OnUpdate func(model.MarketUpdate)
}

// Engine executes market transitions against the store.
type Engine struct {
	store      store.Store
	registry   identity.Registry
	guard      auth.Guard
	transferor payout.Transferor
	authority  string
	onUpdate   func(model.MarketUpdate)

	// fees and allowListEnabled are process state: operators reconfigure
	// them through the admin entry points after a restart. The
	// per-subject allow-list rows themselves persist in the store.
	mu               sync.Mutex
	fees             fees.Schedule
	allowListEnabled bool
}

// New creates an engine.
func New(cfg Config) *Engine {
	return &Engine{
		store:      cfg.Store,
		registry:   cfg.Registry,
		guard:      cfg.Guard,
		transferor: cfg.Transferor,
		authority:  cfg.Authority,
		onUpdate:   cfg.OnUpdate,
	}
}

// Fees returns a copy of the current fee schedule.
func (e *Engine) Fees() fees.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

// --- Receipts ---

// BuyReceipt describes an executed (or previewed) buy.
type BuyReceipt struct {
	Subject     uint64     `json:"subject"`
	Side        model.Side `json:"side"`
	Votes       int64      `json:"votes"`
	FundsIn     int64      `json:"funds_in"`
	FundsSpent  int64      `json:"funds_spent"` // per-unit prices consumed plus fees
	Refund      int64      `json:"refund"`
	ProtocolFee int64      `json:"protocol_fee"`
	Donation    int64      `json:"donation"`
	MinPrice    int64      `json:"min_price"`
	MaxPrice    int64      `json:"max_price"`
	EventID     string     `json:"event_id,omitempty"` // empty on previews
}

// SellReceipt describes an executed (or previewed) sell.
type SellReceipt struct {
	Subject       uint64     `json:"subject"`
	Side          model.Side `json:"side"`
	Votes         int64      `json:"votes"`
	GrossProceeds int64      `json:"gross_proceeds"`
	ProtocolFee   int64      `json:"protocol_fee"`
	Proceeds      int64      `json:"proceeds"` // net of exit fee
	MinPrice      int64      `json:"min_price"`
	MaxPrice      int64      `json:"max_price"`
	EventID       string     `json:"event_id,omitempty"`
}

// --- Market creation ---

// CreateMarket opens a market for the caller's profile using a
// configuration tier. Seed liquidity at or above the tier's requirement
// is mandatory; any surplus is refunded to the caller.
func (e *Engine) CreateMarket(ctx context.Context, caller string, tierIndex int, seedLiquidity int64) (*model.Market, error) {
	if e.guard.Paused() {
		return nil, auth.ErrPaused
	}
	if seedLiquidity <= 0 {
		return nil, fmt.Errorf("%w: seed liquidity %d", ErrInvalidAmount, seedLiquidity)
	}

	subject, err := e.registry.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.allowListEnabled {
		allowed, err := e.store.CreationAllowed(ctx, subject)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: subject %d", ErrCreationNotAllowed, subject)
		}
	}

	tiers, err := e.store.ConfigTiers(ctx)
	if err != nil {
		return nil, err
	}
	if tierIndex < 0 || tierIndex >= len(tiers) {
		return nil, fmt.Errorf("%w: %d", store.ErrInvalidTierIndex, tierIndex)
	}
	tier := tiers[tierIndex]

	if seedLiquidity < tier.InitialLiquidity {
		return nil, fmt.Errorf("%w: sent %d, tier requires %d",
			ErrInsufficientLiquidity, seedLiquidity, tier.InitialLiquidity)
	}

	// The duplicate check must precede the surplus refund: a rejected
	// creation may not leave any transfer applied.
	if _, err := e.store.GetMarket(ctx, subject); err == nil {
		return nil, fmt.Errorf("%w: subject %d", store.ErrMarketExists, subject)
	} else if !errors.Is(err, store.ErrMarketNotFound) {
		return nil, err
	}

	// Refund surplus before committing; under the transition lock a
	// failed transfer rejects the whole call with nothing applied.
	if surplus := seedLiquidity - tier.InitialLiquidity; surplus > 0 {
		if err := e.transferor.Transfer(ctx, caller, surplus); err != nil {
			return nil, fmt.Errorf("refund surplus %d to %s: %w", surplus, caller, err)
		}
	}

	market := &model.Market{
		Subject:           subject,
		TrustVotes:        tier.InitialVotes,
		DistrustVotes:     tier.InitialVotes,
		BasePrice:         tier.BasePrice,
		CustodiedFunds:    tier.InitialLiquidity,
		ConfigIndex:       tierIndex,
		Creator:           caller,
		DonationRecipient: caller,
		CreatedAt:         time.Now().UTC(),
	}

	if err := e.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	slog.Info("market created",
		"subject", subject,
		"creator", caller,
		"tier", tierIndex,
		"base_price", tier.BasePrice,
		"initial_votes", tier.InitialVotes,
	)
	return market, nil
}

// --- Buying ---

// Buy purchases votes on one side of a market. The entry protocol fee
// and donation are a forward fraction of the gross fundsIn; whatever
// the curve walk does not consume is refunded.
func (e *Engine) Buy(ctx context.Context, caller string, subject uint64, side model.Side, fundsIn, expectedVotes, slippageBp int64) (*BuyReceipt, error) {
	if e.guard.Paused() {
		return nil, auth.ErrPaused
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if fundsIn <= 0 {
		return nil, fmt.Errorf("%w: funds %d", ErrInvalidAmount, fundsIn)
	}
	if expectedVotes < 0 {
		return nil, fmt.Errorf("%w: expected votes %d", ErrInvalidAmount, expectedVotes)
	}
	if slippageBp < 0 || slippageBp > curve.BasisPointScale {
		return nil, fmt.Errorf("%w: slippage %d bp", ErrInvalidAmount, slippageBp)
	}
	if _, err := e.registry.Resolve(ctx, caller); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.activeMarket(ctx, subject)
	if err != nil {
		return nil, err
	}

	protocolFee, donation, available := e.fees.EntrySplit(fundsIn)

	res, err := curve.SimulateBuy(m, side, available)
	if err != nil {
		return nil, err
	}
	if err := curve.CheckSlippage(res.Votes, expectedVotes, slippageBp); err != nil {
		return nil, fmt.Errorf("%w: expected %d, filled %d (tolerance %d bp)",
			err, expectedVotes, res.Votes, slippageBp)
	}

	fundsSpent := res.Funds + protocolFee + donation
	refund := fundsIn - fundsSpent

	holding, err := e.store.GetHolding(ctx, caller, subject)
	if err != nil {
		return nil, err
	}
	prevHolding := *holding
	holding.AddVotes(side, res.Votes)

	isParticipant, err := e.store.IsParticipant(ctx, subject, caller)
	if err != nil {
		return nil, err
	}

	prev := *m
	m.TrustVotes = res.TrustVotes
	m.DistrustVotes = res.DistrustVotes
	m.CustodiedFunds += res.Funds

	event := &model.TradeEvent{
		ID:        uuid.New().String(),
		Account:   caller,
		Subject:   subject,
		Side:      side,
		IsBuy:     true,
		Votes:     res.Votes,
		Funds:     fundsSpent,
		Fee:       protocolFee,
		Donation:  donation,
		MinPrice:  res.MinPrice,
		MaxPrice:  res.MaxPrice,
		Timestamp: time.Now().UTC(),
	}

	commit := &store.TradeCommit{
		Market:         m,
		Holding:        holding,
		NewParticipant: !isParticipant,
		EscrowCredit:   m.DonationRecipient,
		Donation:       donation,
		Event:          event,
	}
	if err := e.store.ApplyTrade(ctx, commit); err != nil {
		return nil, err
	}

	// Outbound transfers are the transition's last step; if one fails
	// the commit is reverted so nothing is partially applied.
	if err := e.settle(ctx, protocolFee, caller, refund); err != nil {
		e.revertTrade(ctx, commit, &prev, &prevHolding)
		return nil, err
	}

	e.emitUpdate(&prev, m)
	slog.Info("votes bought",
		"event_id", event.ID,
		"account", caller,
		"subject", subject,
		"side", side,
		"votes", res.Votes,
		"funds_spent", fundsSpent,
		"fee", protocolFee,
		"donation", donation,
	)

	return &BuyReceipt{
		Subject:     subject,
		Side:        side,
		Votes:       res.Votes,
		FundsIn:     fundsIn,
		FundsSpent:  fundsSpent,
		Refund:      refund,
		ProtocolFee: protocolFee,
		Donation:    donation,
		MinPrice:    res.MinPrice,
		MaxPrice:    res.MaxPrice,
		EventID:     event.ID,
	}, nil
}

// PreviewBuy simulates a buy without mutating any state.
func (e *Engine) PreviewBuy(ctx context.Context, subject uint64, side model.Side, fundsIn int64) (*BuyReceipt, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if fundsIn <= 0 {
		return nil, fmt.Errorf("%w: funds %d", ErrInvalidAmount, fundsIn)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.activeMarket(ctx, subject)
	if err != nil {
		return nil, err
	}

	protocolFee, donation, available := e.fees.EntrySplit(fundsIn)
	res, err := curve.SimulateBuy(m, side, available)
	if err != nil {
		return nil, err
	}

	fundsSpent := res.Funds + protocolFee + donation
	return &BuyReceipt{
		Subject:     subject,
		Side:        side,
		Votes:       res.Votes,
		FundsIn:     fundsIn,
		FundsSpent:  fundsSpent,
		Refund:      fundsIn - fundsSpent,
		ProtocolFee: protocolFee,
		Donation:    donation,
		MinPrice:    res.MinPrice,
		MaxPrice:    res.MaxPrice,
	}, nil
}

// --- Selling ---

// Sell liquidates votes the caller holds. Proceeds accumulate at the
// post-decrement price per unit; the exit fee is deducted from the
// gross proceeds.
func (e *Engine) Sell(ctx context.Context, caller string, subject uint64, side model.Side, votes int64) (*SellReceipt, error) {
	if e.guard.Paused() {
		return nil, auth.ErrPaused
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if votes <= 0 {
		return nil, fmt.Errorf("%w: votes %d", ErrInvalidAmount, votes)
	}
	if _, err := e.registry.Resolve(ctx, caller); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.activeMarket(ctx, subject)
	if err != nil {
		return nil, err
	}

	holding, err := e.store.GetHolding(ctx, caller, subject)
	if err != nil {
		return nil, err
	}
	if holding.Votes(side) < votes {
		return nil, fmt.Errorf("%w: own %d, selling %d",
			ErrInsufficientOwnedVotes, holding.Votes(side), votes)
	}

	res, err := curve.SimulateSell(m, side, votes)
	if err != nil {
		return nil, err
	}

	exitFee := e.fees.ExitFee(res.Funds)
	proceeds := res.Funds - exitFee

	prevHolding := *holding
	holding.AddVotes(side, -votes)

	prev := *m
	m.TrustVotes = res.TrustVotes
	m.DistrustVotes = res.DistrustVotes
	m.CustodiedFunds -= res.Funds

	event := &model.TradeEvent{
		ID:        uuid.New().String(),
		Account:   caller,
		Subject:   subject,
		Side:      side,
		IsBuy:     false,
		Votes:     votes,
		Funds:     proceeds,
		Fee:       exitFee,
		MinPrice:  res.MinPrice,
		MaxPrice:  res.MaxPrice,
		Timestamp: time.Now().UTC(),
	}

	commit := &store.TradeCommit{
		Market:  m,
		Holding: holding,
		Event:   event,
	}
	if err := e.store.ApplyTrade(ctx, commit); err != nil {
		return nil, err
	}

	if err := e.settle(ctx, exitFee, caller, proceeds); err != nil {
		e.revertTrade(ctx, commit, &prev, &prevHolding)
		return nil, err
	}

	e.emitUpdate(&prev, m)
	slog.Info("votes sold",
		"event_id", event.ID,
		"account", caller,
		"subject", subject,
		"side", side,
		"votes", votes,
		"proceeds", proceeds,
		"fee", exitFee,
	)

	return &SellReceipt{
		Subject:       subject,
		Side:          side,
		Votes:         votes,
		GrossProceeds: res.Funds,
		ProtocolFee:   exitFee,
		Proceeds:      proceeds,
		MinPrice:      res.MinPrice,
		MaxPrice:      res.MaxPrice,
		EventID:       event.ID,
	}, nil
}

// PreviewSell simulates a sell without mutating any state. The caller's
// holding is not checked — previews answer "what would n votes fetch",
// not "can I sell them".
func (e *Engine) PreviewSell(ctx context.Context, subject uint64, side model.Side, votes int64) (*SellReceipt, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if votes <= 0 {
		return nil, fmt.Errorf("%w: votes %d", ErrInvalidAmount, votes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.activeMarket(ctx, subject)
	if err != nil {
		return nil, err
	}

	res, err := curve.SimulateSell(m, side, votes)
	if err != nil {
		return nil, err
	}

	exitFee := e.fees.ExitFee(res.Funds)
	return &SellReceipt{
		Subject:       subject,
		Side:          side,
		Votes:         votes,
		GrossProceeds: res.Funds,
		ProtocolFee:   exitFee,
		Proceeds:      res.Funds - exitFee,
		MinPrice:      res.MinPrice,
		MaxPrice:      res.MaxPrice,
	}, nil
}

// --- Graduation lifecycle ---

// Graduate permanently disables trading on a market. Authority only;
// one-way.
func (e *Engine) Graduate(ctx context.Context, caller string, subject uint64) error {
	if caller != e.authority {
		return ErrNotAuthority
	}
	if e.guard.Paused() {
		return auth.ErrPaused
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, subject)
	if err != nil {
		return err
	}
	if m.Graduated {
		return fmt.Errorf("%w: subject %d", ErrMarketInactive, subject)
	}

	m.Graduated = true
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return err
	}

	slog.Info("market graduated", "subject", subject, "custodied_funds", m.CustodiedFunds)
	return nil
}

// WithdrawGraduatedFunds sweeps a graduated market's full custodied
// balance to the graduation authority. Permitted exactly once: the
// balance is zeroed before the transfer, and a failed transfer restores
// it so the transition leaves no partial state.
func (e *Engine) WithdrawGraduatedFunds(ctx context.Context, caller string, subject uint64) (int64, error) {
	if caller != e.authority {
		return 0, ErrNotAuthority
	}
	if e.guard.Paused() {
		return 0, auth.ErrPaused
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, subject)
	if err != nil {
		return 0, err
	}
	if !m.Graduated {
		return 0, fmt.Errorf("%w: subject %d", ErrNotGraduated, subject)
	}
	if m.CustodiedFunds == 0 {
		return 0, fmt.Errorf("%w: subject %d already swept", ErrInsufficientFunds, subject)
	}

	amount := m.CustodiedFunds
	m.CustodiedFunds = 0
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return 0, err
	}

	if err := e.transferor.Transfer(ctx, caller, amount); err != nil {
		m.CustodiedFunds = amount
		if restoreErr := e.store.UpdateMarket(ctx, m); restoreErr != nil {
			slog.Error("sweep rollback failed", "subject", subject, "err", restoreErr)
		}
		return 0, fmt.Errorf("sweep transfer: %w", err)
	}

	slog.Info("graduated funds withdrawn", "subject", subject, "amount", amount)
	return amount, nil
}

// --- Donation escrow ---

// ClaimDonations pays out the caller's full escrow balance. The balance
// is zeroed before the transfer; a failed transfer restores it.
func (e *Engine) ClaimDonations(ctx context.Context, caller string) (int64, error) {
	if e.guard.Paused() {
		return 0, auth.ErrPaused
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	balance, err := e.store.EscrowBalance(ctx, caller)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, fmt.Errorf("%w: no donations for %s", ErrInsufficientFunds, caller)
	}

	if err := e.store.SetEscrowBalance(ctx, caller, 0); err != nil {
		return 0, err
	}
	if err := e.transferor.Transfer(ctx, caller, balance); err != nil {
		if restoreErr := e.store.SetEscrowBalance(ctx, caller, balance); restoreErr != nil {
			slog.Error("escrow rollback failed", "account", caller, "err", restoreErr)
		}
		return 0, fmt.Errorf("donation transfer: %w", err)
	}

	slog.Info("donations claimed", "account", caller, "amount", balance)
	return balance, nil
}

// ReassignDonationRecipient redirects a market's future donations to a
// new account and moves any unclaimed balance with them. The new
// account must resolve to the market's subject and must not already
// hold an escrow balance — merging two unrelated balances silently is
// refused.
func (e *Engine) ReassignDonationRecipient(ctx context.Context, caller string, subject uint64, newRecipient string) error {
	if e.guard.Paused() {
		return auth.ErrPaused
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, subject)
	if err != nil {
		return err
	}
	if caller != m.DonationRecipient {
		return fmt.Errorf("%w: recipient is %s", ErrNotDonationRecipient, m.DonationRecipient)
	}

	profile, err := e.registry.Resolve(ctx, newRecipient)
	if err != nil {
		return err
	}
	if profile != subject {
		return fmt.Errorf("%w: resolves to %d, market subject is %d",
			ErrRecipientProfileMismatch, profile, subject)
	}

	existing, err := e.store.EscrowBalance(ctx, newRecipient)
	if err != nil {
		return err
	}
	if existing != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrRecipientBalanceNotZero, newRecipient, existing)
	}

	moved, err := e.store.MoveEscrow(ctx, caller, newRecipient)
	if err != nil {
		return err
	}

	m.DonationRecipient = newRecipient
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return err
	}

	slog.Info("donation recipient reassigned",
		"subject", subject, "from", caller, "to", newRecipient, "moved", moved)
	return nil
}

// --- Admin configuration ---

// AddConfigTier appends a market-creation preset. Admin only.
func (e *Engine) AddConfigTier(ctx context.Context, caller string, tier model.ConfigTier) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}
	if tier.InitialLiquidity <= 0 || tier.InitialVotes < 1 || tier.BasePrice < 1 {
		return fmt.Errorf("%w: tier %+v", ErrInvalidAmount, tier)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.AppendConfigTier(ctx, tier)
}

// RemoveConfigTier removes a preset by index (swap-with-last; indices
// are not stable across removals). Admin only.
func (e *Engine) RemoveConfigTier(ctx context.Context, caller string, index int) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.RemoveConfigTier(ctx, index)
}

// SetEntryFees updates the entry protocol-fee and donation rates.
// Admin only; requires a configured protocol address for nonzero rates.
func (e *Engine) SetEntryFees(_ context.Context, caller string, entryBp, donationBp int64) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees.SetEntry(entryBp, donationBp)
}

// SetExitFees updates the exit protocol-fee rate. Admin only.
func (e *Engine) SetExitFees(_ context.Context, caller string, exitBp int64) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees.SetExit(exitBp)
}

// SetProtocolFeeAddress configures the protocol fee recipient. Admin only.
func (e *Engine) SetProtocolFeeAddress(_ context.Context, caller, address string) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}
	if address == "" {
		return fmt.Errorf("%w: empty protocol address", ErrInvalidAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees.ProtocolAddress = address
	return nil
}

// SetAllowListEnforcement toggles the market-creation allow-list. Admin only.
func (e *Engine) SetAllowListEnforcement(_ context.Context, caller string, enabled bool) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowListEnabled = enabled
	return nil
}

// SetMarketCreationAllowed allow-lists (or de-lists) a subject. Admin only.
func (e *Engine) SetMarketCreationAllowed(ctx context.Context, caller string, subject uint64, allowed bool) error {
	if !e.guard.IsAdmin(caller) {
		return auth.ErrNotAdmin
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.SetCreationAllowed(ctx, subject, allowed)
}

// --- Reads ---

// GetMarket returns a market by subject.
func (e *Engine) GetMarket(ctx context.Context, subject uint64) (*model.Market, error) {
	return e.store.GetMarket(ctx, subject)
}

// ListMarkets returns all markets.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// GetHolding returns an account's position in a market.
func (e *Engine) GetHolding(ctx context.Context, account string, subject uint64) (*model.Holding, error) {
	return e.store.GetHolding(ctx, account, subject)
}

// GetPrice returns the current unit price for one side of a market.
func (e *Engine) GetPrice(ctx context.Context, subject uint64, side model.Side) (int64, error) {
	if !side.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	m, err := e.store.GetMarket(ctx, subject)
	if err != nil {
		return 0, err
	}
	return curve.Price(m.TrustVotes, m.DistrustVotes, m.BasePrice, side)
}

// ParticipantCount returns how many accounts ever bought into a market.
func (e *Engine) ParticipantCount(ctx context.Context, subject uint64) (int64, error) {
	return e.store.ParticipantCount(ctx, subject)
}

// TradeEvents returns a market's trade history, oldest first.
func (e *Engine) TradeEvents(ctx context.Context, subject uint64) ([]model.TradeEvent, error) {
	return e.store.TradeEventsBySubject(ctx, subject)
}

// ConfigTiers returns the market-creation presets.
func (e *Engine) ConfigTiers(ctx context.Context) ([]model.ConfigTier, error) {
	return e.store.ConfigTiers(ctx)
}

// --- Internals ---

// activeMarket loads a market and rejects graduated ones.
func (e *Engine) activeMarket(ctx context.Context, subject uint64) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, subject)
	if err != nil {
		return nil, err
	}
	if m.Graduated {
		return nil, fmt.Errorf("%w: subject %d", ErrMarketInactive, subject)
	}
	return m, nil
}

// settle issues a trade's outbound transfers: the protocol fee, then the
// caller-facing payout (refund on buys, proceeds on sells).
func (e *Engine) settle(ctx context.Context, protocolFee int64, caller string, amount int64) error {
	if protocolFee > 0 {
		if err := e.transferor.Transfer(ctx, e.fees.ProtocolAddress, protocolFee); err != nil {
			return fmt.Errorf("protocol fee transfer: %w", err)
		}
	}
	if amount > 0 {
		if err := e.transferor.Transfer(ctx, caller, amount); err != nil {
			return fmt.Errorf("payout transfer: %w", err)
		}
	}
	return nil
}

// revertTrade undoes a committed trade after a failed settlement,
// restoring the pre-trade market and holding and removing the commit's
// participant registration, escrow credit, and trade event.
func (e *Engine) revertTrade(ctx context.Context, c *store.TradeCommit, prevMarket *model.Market, prevHolding *model.Holding) {
	revert := &store.TradeCommit{
		Market:         prevMarket,
		Holding:        prevHolding,
		NewParticipant: c.NewParticipant,
		EscrowCredit:   c.EscrowCredit,
		Donation:       c.Donation,
		Event:          c.Event,
	}
	if err := e.store.RevertTrade(ctx, revert); err != nil {
		slog.Error("trade rollback failed",
			"event_id", c.Event.ID,
			"subject", c.Market.Subject,
			"error", err,
		)
	}
}

// emitUpdate publishes the post-trade snapshot with deltas versus the
// pre-trade state (the previous emitted snapshot, since every trade emits).
func (e *Engine) emitUpdate(prev, next *model.Market) {
	if e.onUpdate == nil {
		return
	}

	prevTrust, _ := curve.Price(prev.TrustVotes, prev.DistrustVotes, prev.BasePrice, model.SideTrust)
	prevDistrust, _ := curve.Price(prev.TrustVotes, prev.DistrustVotes, prev.BasePrice, model.SideDistrust)
	nextTrust, _ := curve.Price(next.TrustVotes, next.DistrustVotes, next.BasePrice, model.SideTrust)
	nextDistrust, _ := curve.Price(next.TrustVotes, next.DistrustVotes, next.BasePrice, model.SideDistrust)

	e.onUpdate(model.MarketUpdate{
		Subject:            next.Subject,
		TrustVotes:         next.TrustVotes,
		DistrustVotes:      next.DistrustVotes,
		TrustPrice:         nextTrust,
		DistrustPrice:      nextDistrust,
		DeltaTrustVotes:    next.TrustVotes - prev.TrustVotes,
		DeltaDistrustVotes: next.DistrustVotes - prev.DistrustVotes,
		DeltaTrustPrice:    nextTrust - prevTrust,
		DeltaDistrustPrice: nextDistrust - prevDistrust,
		CustodiedFunds:     next.CustodiedFunds,
	})
}
