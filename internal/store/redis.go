package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot display paths: markets, users and per-user positions.
// Writes go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary. Order book and trade reads always hit
// the primary so matching never sees stale data.
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

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) SettleMarket(ctx context.Context, id string, value decimal.Decimal, settledAt time.Time) error {
	if err := s.primary.SettleMarket(ctx, id, value, settledAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Orders (never cached: matching reads must be current) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) OpenOrders(ctx context.Context, marketID string, side model.OrderSide, excludeUserID string) ([]model.Order, error) {
	return s.primary.OpenOrders(ctx, marketID, side, excludeUserID)
}

func (s *CachedStore) UpdateOrderQuantity(ctx context.Context, id string, remaining int64) error {
	return s.primary.UpdateOrderQuantity(ctx, id, remaining)
}

func (s *CachedStore) CancelOrder(ctx context.Context, id string) error {
	return s.primary.CancelOrder(ctx, id)
}

func (s *CachedStore) CancelOpenOrders(ctx context.Context, marketID string) error {
	return s.primary.CancelOpenOrders(ctx, marketID)
}

func (s *CachedStore) OpenOrderExposure(ctx context.Context, marketID, userID string) (int64, int64, error) {
	return s.primary.OpenOrderExposure(ctx, marketID, userID)
}

// --- Trades ---

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.CreateTrade(ctx, t)
}

func (s *CachedStore) RecentTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	return s.primary.RecentTrades(ctx, marketID, limit)
}

func (s *CachedStore) MarketTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.MarketTrades(ctx, marketID)
}

// --- Positions ---

func (s *CachedStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(marketID, userID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss.
	p, err := s.primary.GetPosition(ctx, marketID, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(marketID, userID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, marketID, userID string, qtyDelta int64, costDelta decimal.Decimal) error {
	if err := s.primary.UpdatePosition(ctx, marketID, userID, qtyDelta, costDelta); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(marketID, userID))
	return nil
}

func (s *CachedStore) MarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	// Settlement reads every position; always go to the primary.
	return s.primary.MarketPositions(ctx, marketID)
}

// --- Users ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss.
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) GetUserByName(ctx context.Context, displayName string) (*model.User, error) {
	return s.primary.GetUserByName(ctx, displayName)
}

func (s *CachedStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	if err := s.primary.TouchUser(ctx, id, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(id))
	return nil
}

// --- Participants (low volume, passthrough) ---

func (s *CachedStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	return s.primary.CreateParticipant(ctx, p)
}

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return s.primary.GetParticipant(ctx, id)
}

func (s *CachedStore) ListParticipants(ctx context.Context) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx)
}

func (s *CachedStore) ClaimParticipant(ctx context.Context, id, userID string) error {
	return s.primary.ClaimParticipant(ctx, id, userID)
}

func (s *CachedStore) ReleaseParticipant(ctx context.Context, id string) error {
	return s.primary.ReleaseParticipant(ctx, id)
}

func (s *CachedStore) DeleteParticipant(ctx context.Context, id string) (bool, error) {
	return s.primary.DeleteParticipant(ctx, id)
}

// --- Config ---

func (s *CachedStore) PositionLimit(ctx context.Context) (int64, error) {
	return s.primary.PositionLimit(ctx)
}

func (s *CachedStore) SetPositionLimit(ctx context.Context, limit int64) error {
	return s.primary.SetPositionLimit(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }

func positionKey(marketID, userID string) string {
	return fmt.Sprintf("position:%s:%s", marketID, userID)
}
