package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices and costs are stored as NUMERIC for exact decimal precision and
// scanned through text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the tables and indexes if they do not exist and seeds
// the default position limit.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT UNIQUE NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			display_name TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			claimed_by_user_id TEXT REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS markets (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'OPEN',
			settlement_value NUMERIC,
			created_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			market_id TEXT NOT NULL REFERENCES markets(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			side TEXT NOT NULL,
			price NUMERIC NOT NULL,
			quantity BIGINT NOT NULL,
			remaining_quantity BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			market_id TEXT NOT NULL REFERENCES markets(id),
			buy_order_id TEXT NOT NULL REFERENCES orders(id),
			sell_order_id TEXT NOT NULL REFERENCES orders(id),
			buyer_id TEXT NOT NULL REFERENCES users(id),
			seller_id TEXT NOT NULL REFERENCES users(id),
			price NUMERIC NOT NULL,
			quantity BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			market_id TEXT NOT NULL REFERENCES markets(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			net_quantity BIGINT NOT NULL DEFAULT 0,
			total_cost NUMERIC NOT NULL DEFAULT 0,
			PRIMARY KEY (market_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_market_status ON orders(market_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id)`,
		fmt.Sprintf(`INSERT INTO config (key, value) VALUES ('position_limit', '%d')
			ON CONFLICT (key) DO NOTHING`, DefaultPositionLimit),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Question, m.Description, m.Status, m.CreatedAt,
	)
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var settlement *string

	err := row.Scan(&m.ID, &m.Question, &m.Description, &m.Status,
		&settlement, &m.CreatedAt, &m.SettledAt)
	if err != nil {
		return nil, err
	}
	if settlement != nil {
		v, err := decimal.NewFromString(*settlement)
		if err != nil {
			return nil, fmt.Errorf("parse settlement value: %w", err)
		}
		m.SettlementValue = &v
	}
	return &m, nil
}

const marketColumns = `id, question, COALESCE(description, ''), status,
	settlement_value::TEXT, created_at, settled_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
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

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	return err
}

func (s *PostgresStore) SettleMarket(ctx context.Context, id string, value decimal.Decimal, settledAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = 'SETTLED', settlement_value = $2::NUMERIC, settled_at = $3
		 WHERE id = $1`,
		id, value.String(), settledAt,
	)
	return err
}

// --- Orders ---

const orderColumns = `id, market_id, user_id, side, price::TEXT, quantity,
	remaining_quantity, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price string

	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &price,
		&o.Quantity, &o.RemainingQuantity, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, market_id, user_id, side, price, quantity,
		                     remaining_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
		o.ID, o.MarketID, o.UserID, o.Side, o.Price.String(),
		o.Quantity, o.RemainingQuantity, o.Status, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) OpenOrders(ctx context.Context, marketID string, side model.OrderSide, excludeUserID string) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE market_id = $1 AND status = 'OPEN' AND side = $2`
	args := []any{marketID, side}

	if excludeUserID != "" {
		query += ` AND user_id != $3`
		args = append(args, excludeUserID)
	}

	// Best price first, ties broken by arrival time.
	if side == model.Bid {
		query += ` ORDER BY price DESC, created_at ASC`
	} else {
		query += ` ORDER BY price ASC, created_at ASC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrderQuantity(ctx context.Context, id string, remaining int64) error {
	status := model.OrderOpen
	if remaining <= 0 {
		status = model.OrderFilled
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET remaining_quantity = $2, status = $3 WHERE id = $1`,
		id, remaining, status,
	)
	return err
}

func (s *PostgresStore) CancelOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'CANCELLED' WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) CancelOpenOrders(ctx context.Context, marketID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'CANCELLED'
		 WHERE market_id = $1 AND status = 'OPEN'`, marketID)
	return err
}

func (s *PostgresStore) OpenOrderExposure(ctx context.Context, marketID, userID string) (int64, int64, error) {
	var bids, offers int64
	err := s.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(remaining_quantity) FILTER (WHERE side = 'BID'), 0),
			COALESCE(SUM(remaining_quantity) FILTER (WHERE side = 'OFFER'), 0)
		 FROM orders
		 WHERE market_id = $1 AND user_id = $2 AND status = 'OPEN'`,
		marketID, userID).Scan(&bids, &offers)
	if err != nil {
		return 0, 0, fmt.Errorf("open order exposure: %w", err)
	}
	return bids, offers, nil
}

// --- Trades ---

const tradeColumns = `id, market_id, buy_order_id, sell_order_id,
	buyer_id, seller_id, price::TEXT, quantity, created_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var price string

	err := row.Scan(&t.ID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID,
		&t.BuyerID, &t.SellerID, &price, &t.Quantity, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse trade price: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, market_id, buy_order_id, sell_order_id,
		                     buyer_id, seller_id, price, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)`,
		t.ID, t.MarketID, t.BuyOrderID, t.SellOrderID,
		t.BuyerID, t.SellerID, t.Price.String(), t.Quantity, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) queryTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) RecentTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE market_id = $1 ORDER BY created_at DESC LIMIT $2`,
		marketID, limit)
}

func (s *PostgresStore) MarketTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE market_id = $1 ORDER BY created_at ASC`,
		marketID)
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	var p model.Position
	var cost string

	err := s.pool.QueryRow(ctx,
		`SELECT market_id, user_id, net_quantity, total_cost::TEXT
		 FROM positions WHERE market_id = $1 AND user_id = $2`,
		marketID, userID).
		Scan(&p.MarketID, &p.UserID, &p.NetQuantity, &cost)
	if errors.Is(err, pgx.ErrNoRows) {
		// No activity yet: zero position, not an absence.
		return &model.Position{
			MarketID:  marketID,
			UserID:    userID,
			TotalCost: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	p.TotalCost, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("parse total cost: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, marketID, userID string, qtyDelta int64, costDelta decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (market_id, user_id, net_quantity, total_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (market_id, user_id) DO UPDATE
		 SET net_quantity = positions.net_quantity + $3,
		     total_cost = positions.total_cost + $4::NUMERIC`,
		marketID, userID, qtyDelta, costDelta.String(),
	)
	return err
}

func (s *PostgresStore) MarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, user_id, net_quantity, total_cost::TEXT
		 FROM positions WHERE market_id = $1 ORDER BY user_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var cost string
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.NetQuantity, &cost); err != nil {
			return nil, err
		}
		p.TotalCost, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse total cost: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, is_admin, created_at)
		 VALUES ($1, $2, $3, $4)`,
		u.ID, u.DisplayName, u.IsAdmin, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, is_admin, created_at, last_activity
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.IsAdmin, &u.CreatedAt, &u.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, displayName string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, is_admin, created_at, last_activity
		 FROM users WHERE display_name = $1`, displayName).
		Scan(&u.ID, &u.DisplayName, &u.IsAdmin, &u.CreatedAt, &u.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", displayName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", displayName, err)
	}
	return &u, nil
}

func (s *PostgresStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_activity = $2 WHERE id = $1`, id, at)
	return err
}

// --- Participants ---

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, display_name, created_at)
		 VALUES ($1, $2, $3)`,
		p.ID, p.DisplayName, p.CreatedAt,
	)
	return err
}

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	var p model.Participant
	var claimedBy *string

	if err := row.Scan(&p.ID, &p.DisplayName, &p.CreatedAt, &claimedBy); err != nil {
		return nil, err
	}
	if claimedBy != nil {
		p.ClaimedByUserID = *claimedBy
	}
	return &p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT id, display_name, created_at, claimed_by_user_id
		 FROM participants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, created_at, claimed_by_user_id
		 FROM participants ORDER BY display_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) ClaimParticipant(ctx context.Context, id, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE participants SET claimed_by_user_id = $2 WHERE id = $1`,
		id, userID)
	return err
}

func (s *PostgresStore) ReleaseParticipant(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE participants SET claimed_by_user_id = NULL WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeleteParticipant(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM participants
		 WHERE id = $1 AND claimed_by_user_id IS NULL`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Config ---

func (s *PostgresStore) PositionLimit(ctx context.Context) (int64, error) {
	var limit int64
	err := s.pool.QueryRow(ctx,
		`SELECT value::BIGINT FROM config WHERE key = 'position_limit'`).
		Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPositionLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get position limit: %w", err)
	}
	return limit, nil
}

func (s *PostgresStore) SetPositionLimit(ctx context.Context, limit int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ('position_limit', $1)
		 ON CONFLICT (key) DO UPDATE SET value = $1`,
		fmt.Sprintf("%d", limit),
	)
	return err
}
