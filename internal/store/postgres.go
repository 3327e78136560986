package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trustmesh/reputation-market/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All amounts are BIGINT base units. Trade commits run inside a
// transaction so a transition is applied fully or not at all.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `subject, trust_votes, distrust_votes, base_price,
       custodied_funds, config_index, creator, donation_recipient,
       graduated, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.Subject, &m.TrustVotes, &m.DistrustVotes, &m.BasePrice,
		&m.CustodiedFunds, &m.ConfigIndex, &m.Creator, &m.DonationRecipient,
		&m.Graduated, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO markets (`+marketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (subject) DO NOTHING`,
		m.Subject, m.TrustVotes, m.DistrustVotes, m.BasePrice,
		m.CustodiedFunds, m.ConfigIndex, m.Creator, m.DonationRecipient,
		m.Graduated, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: subject %d", ErrMarketExists, m.Subject)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, subject uint64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE subject = $1`, subject))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: subject %d", ErrMarketNotFound, subject)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", subject, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET trust_votes = $2, distrust_votes = $3, custodied_funds = $4,
		     donation_recipient = $5, graduated = $6
		 WHERE subject = $1`,
		m.Subject, m.TrustVotes, m.DistrustVotes, m.CustodiedFunds,
		m.DonationRecipient, m.Graduated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: subject %d", ErrMarketNotFound, m.Subject)
	}
	return nil
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, c *TradeCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE markets
		 SET trust_votes = $2, distrust_votes = $3, custodied_funds = $4
		 WHERE subject = $1`,
		c.Market.Subject, c.Market.TrustVotes, c.Market.DistrustVotes,
		c.Market.CustodiedFunds,
	)
	if err != nil {
		return fmt.Errorf("apply trade market update: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO holdings (account, subject, trust_votes, distrust_votes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account, subject)
		 DO UPDATE SET trust_votes = $3, distrust_votes = $4`,
		c.Holding.Account, c.Holding.Subject,
		c.Holding.TrustVotes, c.Holding.DistrustVotes,
	)
	if err != nil {
		return fmt.Errorf("apply trade holding upsert: %w", err)
	}

	if c.NewParticipant {
		_, err = tx.Exec(ctx,
			`INSERT INTO market_participants (subject, account, joined_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (subject, account) DO NOTHING`,
			c.Market.Subject, c.Holding.Account, c.Event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("apply trade participant insert: %w", err)
		}
	}

	if c.Donation > 0 && c.EscrowCredit != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO donation_escrow (account, balance)
			 VALUES ($1, $2)
			 ON CONFLICT (account) DO UPDATE
			 SET balance = donation_escrow.balance + $2`,
			c.EscrowCredit, c.Donation,
		)
		if err != nil {
			return fmt.Errorf("apply trade escrow credit: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO trade_events (id, account, subject, side, is_buy, votes,
		                           funds, fee, donation, min_price, max_price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.Event.ID, c.Event.Account, c.Event.Subject, string(c.Event.Side),
		c.Event.IsBuy, c.Event.Votes, c.Event.Funds, c.Event.Fee,
		c.Event.Donation, c.Event.MinPrice, c.Event.MaxPrice, c.Event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("apply trade event insert: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RevertTrade(ctx context.Context, c *TradeCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE markets
		 SET trust_votes = $2, distrust_votes = $3, custodied_funds = $4
		 WHERE subject = $1`,
		c.Market.Subject, c.Market.TrustVotes, c.Market.DistrustVotes,
		c.Market.CustodiedFunds,
	)
	if err != nil {
		return fmt.Errorf("revert trade market update: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO holdings (account, subject, trust_votes, distrust_votes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account, subject)
		 DO UPDATE SET trust_votes = $3, distrust_votes = $4`,
		c.Holding.Account, c.Holding.Subject,
		c.Holding.TrustVotes, c.Holding.DistrustVotes,
	)
	if err != nil {
		return fmt.Errorf("revert trade holding upsert: %w", err)
	}

	if c.NewParticipant {
		_, err = tx.Exec(ctx,
			`DELETE FROM market_participants WHERE subject = $1 AND account = $2`,
			c.Market.Subject, c.Holding.Account,
		)
		if err != nil {
			return fmt.Errorf("revert trade participant delete: %w", err)
		}
	}

	if c.Donation > 0 && c.EscrowCredit != "" {
		_, err = tx.Exec(ctx,
			`UPDATE donation_escrow SET balance = balance - $2 WHERE account = $1`,
			c.EscrowCredit, c.Donation,
		)
		if err != nil {
			return fmt.Errorf("revert trade escrow debit: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM trade_events WHERE id = $1`, c.Event.ID); err != nil {
		return fmt.Errorf("revert trade event delete: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetHolding(ctx context.Context, account string, subject uint64) (*model.Holding, error) {
	h := &model.Holding{Account: account, Subject: subject}
	err := s.pool.QueryRow(ctx,
		`SELECT trust_votes, distrust_votes FROM holdings
		 WHERE account = $1 AND subject = $2`, account, subject).
		Scan(&h.TrustVotes, &h.DistrustVotes)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, nil // never traded: zero record
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%d: %w", account, subject, err)
	}
	return h, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, subject uint64, account string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_participants
		                WHERE subject = $1 AND account = $2)`,
		subject, account).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ParticipantCount(ctx context.Context, subject uint64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM market_participants WHERE subject = $1`,
		subject).Scan(&count)
	return count, err
}

func (s *PostgresStore) Participants(ctx context.Context, subject uint64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account FROM market_participants
		 WHERE subject = $1 ORDER BY joined_at`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) EscrowBalance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT balance FROM donation_escrow WHERE account = $1), 0)`,
		account).Scan(&balance)
	return balance, err
}

func (s *PostgresStore) SetEscrowBalance(ctx context.Context, account string, balance int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO donation_escrow (account, balance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = $2`,
		account, balance,
	)
	return err
}

func (s *PostgresStore) MoveEscrow(ctx context.Context, from, to string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// RETURNING reports the post-update row, so snapshot the old balance
	// via a locked self-join.
	var moved int64
	err = tx.QueryRow(ctx,
		`UPDATE donation_escrow dst SET balance = 0
		 FROM (SELECT account, balance FROM donation_escrow
		       WHERE account = $1 FOR UPDATE) old
		 WHERE dst.account = old.account
		 RETURNING old.balance`,
		from).Scan(&moved)
	if errors.Is(err, pgx.ErrNoRows) {
		moved = 0
	} else if err != nil {
		return 0, fmt.Errorf("move escrow from %s: %w", from, err)
	}

	if moved > 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO donation_escrow (account, balance) VALUES ($1, $2)
			 ON CONFLICT (account) DO UPDATE
			 SET balance = donation_escrow.balance + $2`,
			to, moved,
		)
		if err != nil {
			return 0, fmt.Errorf("move escrow to %s: %w", to, err)
		}
	}

	return moved, tx.Commit(ctx)
}

func (s *PostgresStore) ConfigTiers(ctx context.Context) ([]model.ConfigTier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT initial_liquidity, initial_votes, base_price
		 FROM config_tiers ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []model.ConfigTier
	for rows.Next() {
		var t model.ConfigTier
		if err := rows.Scan(&t.InitialLiquidity, &t.InitialVotes, &t.BasePrice); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

func (s *PostgresStore) AppendConfigTier(ctx context.Context, tier model.ConfigTier) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config_tiers (position, initial_liquidity, initial_votes, base_price)
		 VALUES ((SELECT COALESCE(MAX(position), -1) + 1 FROM config_tiers), $1, $2, $3)`,
		tier.InitialLiquidity, tier.InitialVotes, tier.BasePrice,
	)
	return err
}

func (s *PostgresStore) RemoveConfigTier(ctx context.Context, index int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var last int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), -1) FROM config_tiers`).Scan(&last)
	if err != nil {
		return err
	}
	if index < 0 || index > last {
		return fmt.Errorf("%w: %d", ErrInvalidTierIndex, index)
	}

	// Swap-with-last: copy the last tier into the removed slot, drop the tail.
	if index != last {
		_, err = tx.Exec(ctx,
			`UPDATE config_tiers dst
			 SET initial_liquidity = src.initial_liquidity,
			     initial_votes = src.initial_votes,
			     base_price = src.base_price
			 FROM config_tiers src
			 WHERE dst.position = $1 AND src.position = $2`,
			index, last,
		)
		if err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM config_tiers WHERE position = $1`, last); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) TradeEventsBySubject(ctx context.Context, subject uint64) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, subject, side, is_buy, votes, funds, fee,
		        donation, min_price, max_price, timestamp
		 FROM trade_events WHERE subject = $1 ORDER BY timestamp`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *PostgresStore) TradeEventsByAccount(ctx context.Context, account string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, subject, side, is_buy, votes, funds, fee,
		        donation, min_price, max_price, timestamp
		 FROM trade_events WHERE account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func scanTradeEvents(rows pgx.Rows) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var side string
		if err := rows.Scan(&e.ID, &e.Account, &e.Subject, &side, &e.IsBuy,
			&e.Votes, &e.Funds, &e.Fee, &e.Donation,
			&e.MinPrice, &e.MaxPrice, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) CreationAllowed(ctx context.Context, subject uint64) (bool, error) {
	var allowed bool
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT allowed FROM creation_allowlist WHERE subject = $1), FALSE)`,
		subject).Scan(&allowed)
	return allowed, err
}

func (s *PostgresStore) SetCreationAllowed(ctx context.Context, subject uint64, allowed bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO creation_allowlist (subject, allowed) VALUES ($1, $2)
		 ON CONFLICT (subject) DO UPDATE SET allowed = $2`,
		subject, allowed,
	)
	return err
}
