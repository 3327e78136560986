package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustmesh/reputation-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for the hot reads: market and holding lookups.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.Subject))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, c *TradeCommit) error {
	if err := s.primary.ApplyTrade(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(c.Market.Subject),
		holdingCacheKey(c.Holding.Account, c.Holding.Subject))
	return nil
}

func (s *CachedStore) RevertTrade(ctx context.Context, c *TradeCommit) error {
	if err := s.primary.RevertTrade(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(c.Market.Subject),
		holdingCacheKey(c.Holding.Account, c.Holding.Subject))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, subject uint64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(subject)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, subject)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetHolding(ctx context.Context, account string, subject uint64) (*model.Holding, error) {
	key := holdingCacheKey(account, subject)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var h model.Holding
		if json.Unmarshal(data, &h) == nil {
			return &h, nil
		}
	}

	h, err := s.primary.GetHolding(ctx, account, subject)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(h); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return h, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) IsParticipant(ctx context.Context, subject uint64, account string) (bool, error) {
	return s.primary.IsParticipant(ctx, subject, account)
}

func (s *CachedStore) ParticipantCount(ctx context.Context, subject uint64) (int64, error) {
	return s.primary.ParticipantCount(ctx, subject)
}

func (s *CachedStore) Participants(ctx context.Context, subject uint64) ([]string, error) {
	return s.primary.Participants(ctx, subject)
}

func (s *CachedStore) EscrowBalance(ctx context.Context, account string) (int64, error) {
	return s.primary.EscrowBalance(ctx, account)
}

func (s *CachedStore) SetEscrowBalance(ctx context.Context, account string, balance int64) error {
	return s.primary.SetEscrowBalance(ctx, account, balance)
}

func (s *CachedStore) MoveEscrow(ctx context.Context, from, to string) (int64, error) {
	return s.primary.MoveEscrow(ctx, from, to)
}

func (s *CachedStore) ConfigTiers(ctx context.Context) ([]model.ConfigTier, error) {
	return s.primary.ConfigTiers(ctx)
}

func (s *CachedStore) AppendConfigTier(ctx context.Context, tier model.ConfigTier) error {
	return s.primary.AppendConfigTier(ctx, tier)
}

func (s *CachedStore) RemoveConfigTier(ctx context.Context, index int) error {
	return s.primary.RemoveConfigTier(ctx, index)
}

func (s *CachedStore) TradeEventsBySubject(ctx context.Context, subject uint64) ([]model.TradeEvent, error) {
	return s.primary.TradeEventsBySubject(ctx, subject)
}

func (s *CachedStore) TradeEventsByAccount(ctx context.Context, account string) ([]model.TradeEvent, error) {
	return s.primary.TradeEventsByAccount(ctx, account)
}

func (s *CachedStore) CreationAllowed(ctx context.Context, subject uint64) (bool, error) {
	return s.primary.CreationAllowed(ctx, subject)
}

func (s *CachedStore) SetCreationAllowed(ctx context.Context, subject uint64, allowed bool) error {
	return s.primary.SetCreationAllowed(ctx, subject, allowed)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.Subject), data, s.ttl)
	}
}

func marketKey(subject uint64) string { return fmt.Sprintf("market:%d", subject) }

func holdingCacheKey(account string, subject uint64) string {
	return fmt.Sprintf("holding:%s:%d", account, subject)
}
