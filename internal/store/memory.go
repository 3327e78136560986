package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustmesh/reputation-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	markets      map[uint64]*model.Market
	holdings     map[string]*model.Holding // key: account|subject
	participants map[uint64][]string       // append-only order
	memberSet    map[uint64]map[string]bool
	escrow       map[string]int64
	tiers        []model.ConfigTier
	events       []model.TradeEvent
	allowed      map[uint64]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:      make(map[uint64]*model.Market),
		holdings:     make(map[string]*model.Holding),
		participants: make(map[uint64][]string),
		memberSet:    make(map[uint64]map[string]bool),
		escrow:       make(map[string]int64),
		allowed:      make(map[uint64]bool),
	}
}

func holdingKey(account string, subject uint64) string {
	return fmt.Sprintf("%s|%d", account, subject)
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.Subject]; exists {
		return fmt.Errorf("%w: subject %d", ErrMarketExists, m.Subject)
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.Subject] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, subject uint64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[subject]
	if !ok {
		return nil, fmt.Errorf("%w: subject %d", ErrMarketNotFound, subject)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Subject]; !ok {
		return fmt.Errorf("%w: subject %d", ErrMarketNotFound, m.Subject)
	}
	cp := *m
	s.markets[m.Subject] = &cp
	return nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, c *TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[c.Market.Subject]; !ok {
		return fmt.Errorf("%w: subject %d", ErrMarketNotFound, c.Market.Subject)
	}

	mCopy := *c.Market
	s.markets[c.Market.Subject] = &mCopy

	hCopy := *c.Holding
	s.holdings[holdingKey(c.Holding.Account, c.Holding.Subject)] = &hCopy

	if c.NewParticipant {
		subject := c.Market.Subject
		if s.memberSet[subject] == nil {
			s.memberSet[subject] = make(map[string]bool)
		}
		if !s.memberSet[subject][c.Holding.Account] {
			s.memberSet[subject][c.Holding.Account] = true
			s.participants[subject] = append(s.participants[subject], c.Holding.Account)
		}
	}

	if c.Donation > 0 && c.EscrowCredit != "" {
		s.escrow[c.EscrowCredit] += c.Donation
	}

	s.events = append(s.events, *c.Event)
	return nil
}

func (s *MemoryStore) RevertTrade(_ context.Context, c *TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[c.Market.Subject]; !ok {
		return fmt.Errorf("%w: subject %d", ErrMarketNotFound, c.Market.Subject)
	}

	mCopy := *c.Market
	s.markets[c.Market.Subject] = &mCopy

	hCopy := *c.Holding
	s.holdings[holdingKey(c.Holding.Account, c.Holding.Subject)] = &hCopy

	if c.NewParticipant {
		subject := c.Market.Subject
		if s.memberSet[subject][c.Holding.Account] {
			delete(s.memberSet[subject], c.Holding.Account)
			list := s.participants[subject]
			for i, account := range list {
				if account == c.Holding.Account {
					s.participants[subject] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}

	if c.Donation > 0 && c.EscrowCredit != "" {
		s.escrow[c.EscrowCredit] -= c.Donation
	}

	for i := range s.events {
		if s.events[i].ID == c.Event.ID {
			s.events = append(s.events[:i], s.events[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) GetHolding(_ context.Context, account string, subject uint64) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.holdings[holdingKey(account, subject)]; ok {
		cp := *h
		return &cp, nil
	}
	return &model.Holding{Account: account, Subject: subject}, nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, subject uint64, account string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memberSet[subject][account], nil
}

func (s *MemoryStore) ParticipantCount(_ context.Context, subject uint64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.participants[subject])), nil
}

func (s *MemoryStore) Participants(_ context.Context, subject uint64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.participants[subject]))
	copy(out, s.participants[subject])
	return out, nil
}

func (s *MemoryStore) EscrowBalance(_ context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.escrow[account], nil
}

func (s *MemoryStore) SetEscrowBalance(_ context.Context, account string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrow[account] = balance
	return nil
}

func (s *MemoryStore) MoveEscrow(_ context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := s.escrow[from]
	s.escrow[from] = 0
	s.escrow[to] += moved
	return moved, nil
}

func (s *MemoryStore) ConfigTiers(_ context.Context) ([]model.ConfigTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]model.ConfigTier, len(s.tiers))
	copy(tiers, s.tiers)
	return tiers, nil
}

func (s *MemoryStore) AppendConfigTier(_ context.Context, tier model.ConfigTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = append(s.tiers, tier)
	return nil
}

func (s *MemoryStore) RemoveConfigTier(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.tiers) {
		return fmt.Errorf("%w: %d", ErrInvalidTierIndex, index)
	}
	last := len(s.tiers) - 1
	s.tiers[index] = s.tiers[last]
	s.tiers = s.tiers[:last]
	return nil
}

func (s *MemoryStore) TradeEventsBySubject(_ context.Context, subject uint64) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.events {
		if e.Subject == subject {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradeEventsByAccount(_ context.Context, account string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.events {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreationAllowed(_ context.Context, subject uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowed[subject], nil
}

func (s *MemoryStore) SetCreationAllowed(_ context.Context, subject uint64, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[subject] = allowed
	return nil
}
