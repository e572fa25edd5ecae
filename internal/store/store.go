// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/model"
)

// ErrNotFound is returned when a requested row does not exist. Positions are
// the exception: a missing position reads as the zero position.
var ErrNotFound = errors.New("store: not found")

// DefaultPositionLimit applies until the admin configures one.
const DefaultPositionLimit int64 = 20

// Store is the ledger-store contract the matching and settlement core runs
// against. PostgreSQL is the source of truth; Redis provides a read-through
// cache layer. The store does not serialize matching; callers hold the
// per-market lock across every multi-write operation.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketStatus transitions a market's status (OPEN → CLOSED).
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	// SettleMarket marks a market SETTLED with the frozen settlement value.
	SettleMarket(ctx context.Context, id string, value decimal.Decimal, settledAt time.Time) error

	// --- Orders ---

	// CreateOrder persists a new order row.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// OpenOrders returns OPEN orders for one side of a market, sorted best
	// price first (highest bid / lowest offer) then earliest created_at.
	// excludeUserID, when non-empty, drops that user's orders.
	OpenOrders(ctx context.Context, marketID string, side model.OrderSide, excludeUserID string) ([]model.Order, error)

	// UpdateOrderQuantity sets an order's remaining quantity, deriving
	// status FILLED at zero.
	UpdateOrderQuantity(ctx context.Context, id string, remaining int64) error

	// CancelOrder marks an order CANCELLED.
	CancelOrder(ctx context.Context, id string) error

	// CancelOpenOrders marks every OPEN order in a market CANCELLED.
	CancelOpenOrders(ctx context.Context, marketID string) error

	// OpenOrderExposure sums remaining quantity over a user's OPEN orders,
	// grouped by side.
	OpenOrderExposure(ctx context.Context, marketID, userID string) (bids, offers int64, err error)

	// --- Trades ---

	// CreateTrade appends an immutable trade record.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// RecentTrades returns up to limit trades for a market, newest first.
	RecentTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error)

	// MarketTrades returns all trades for a market, oldest first.
	MarketTrades(ctx context.Context, marketID string) ([]model.Trade, error)

	// --- Positions ---

	// GetPosition returns a user's position in a market; a pair with no
	// activity yields the zero position, never ErrNotFound.
	GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error)

	// UpdatePosition applies a signed quantity/cost delta, creating the
	// position row on first trade.
	UpdatePosition(ctx context.Context, marketID, userID string, qtyDelta int64, costDelta decimal.Decimal) error

	// MarketPositions returns every position in a market.
	MarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Users ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByName retrieves a user by display name.
	GetUserByName(ctx context.Context, displayName string) (*model.User, error)

	// TouchUser records user activity at the given time.
	TouchUser(ctx context.Context, id string, at time.Time) error

	// --- Participants ---

	// CreateParticipant registers a display name; fails on duplicates.
	CreateParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// ListParticipants returns all participants sorted by display name.
	ListParticipants(ctx context.Context) ([]model.Participant, error)

	// ClaimParticipant binds a participant to a user.
	ClaimParticipant(ctx context.Context, id, userID string) error

	// ReleaseParticipant clears a participant's claim.
	ReleaseParticipant(ctx context.Context, id string) error

	// DeleteParticipant removes an unclaimed participant. Returns false if
	// it does not exist or has been claimed.
	DeleteParticipant(ctx context.Context, id string) (bool, error)

	// --- Config ---

	// PositionLimit returns the global per-user position limit.
	PositionLimit(ctx context.Context) (int64, error)

	// SetPositionLimit updates the global position limit.
	SetPositionLimit(ctx context.Context, limit int64) error
}
