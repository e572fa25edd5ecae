package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	markets       map[string]*model.Market
	orders        map[string]*model.Order
	trades        []model.Trade
	positions     map[string]*model.Position // marketID+"|"+userID
	users         map[string]*model.User
	participants  map[string]*model.Participant
	positionLimit int64
}

// NewMemoryStore creates a new in-memory store with the default position
// limit.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:       make(map[string]*model.Market),
		orders:        make(map[string]*model.Order),
		positions:     make(map[string]*model.Position),
		users:         make(map[string]*model.User),
		participants:  make(map[string]*model.Participant),
		positionLimit: DefaultPositionLimit,
	}
}

func posKey(marketID, userID string) string { return marketID + "|" + userID }

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
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
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) SettleMarket(_ context.Context, id string, value decimal.Decimal, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	v := value
	at := settledAt
	m.Status = model.MarketSettled
	m.SettlementValue = &v
	m.SettledAt = &at
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, marketID string, side model.OrderSide, excludeUserID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.MarketID != marketID || o.Status != model.OrderOpen || o.Side != side {
			continue
		}
		if excludeUserID != "" && o.UserID == excludeUserID {
			continue
		}
		orders = append(orders, *o)
	}

	// Best price first, then time priority. Bids rank high to low, offers
	// low to high.
	sort.Slice(orders, func(i, j int) bool {
		cmp := orders[i].Price.Cmp(orders[j].Price)
		if cmp != 0 {
			if side == model.Bid {
				return cmp > 0
			}
			return cmp < 0
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) UpdateOrderQuantity(_ context.Context, id string, remaining int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.RemainingQuantity = remaining
	if remaining <= 0 {
		o.Status = model.OrderFilled
	}
	return nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Status = model.OrderCancelled
	return nil
}

func (s *MemoryStore) CancelOpenOrders(_ context.Context, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.MarketID == marketID && o.Status == model.OrderOpen {
			o.Status = model.OrderCancelled
		}
	}
	return nil
}

func (s *MemoryStore) OpenOrderExposure(_ context.Context, marketID, userID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bids, offers int64
	for _, o := range s.orders {
		if o.MarketID != marketID || o.UserID != userID || o.Status != model.OrderOpen {
			continue
		}
		if o.Side == model.Bid {
			bids += o.RemainingQuantity
		} else {
			offers += o.RemainingQuantity
		}
	}
	return bids, offers, nil
}

// --- Trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, marketID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	// s.trades is append-only in execution order; walk backwards for
	// newest first.
	for i := len(s.trades) - 1; i >= 0 && len(trades) < limit; i-- {
		if s.trades[i].MarketID == marketID {
			trades = append(trades, s.trades[i])
		}
	}
	return trades, nil
}

func (s *MemoryStore) MarketTrades(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, marketID, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.positions[posKey(marketID, userID)]; ok {
		cp := *p
		return &cp, nil
	}
	// No activity yet: zero position, not an absence.
	return &model.Position{
		MarketID:    marketID,
		UserID:      userID,
		NetQuantity: 0,
		TotalCost:   decimal.Zero,
	}, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, marketID, userID string, qtyDelta int64, costDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey(marketID, userID)
	p, ok := s.positions[key]
	if !ok {
		p = &model.Position{
			MarketID:  marketID,
			UserID:    userID,
			TotalCost: decimal.Zero,
		}
		s.positions[key] = p
	}
	p.NetQuantity += qtyDelta
	p.TotalCost = p.TotalCost.Add(costDelta)
	return nil
}

func (s *MemoryStore) MarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UserID < positions[j].UserID
	})
	return positions, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.DisplayName == u.DisplayName {
			return fmt.Errorf("display name %q already exists", u.DisplayName)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByName(_ context.Context, displayName string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.DisplayName == displayName {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", displayName, ErrNotFound)
}

func (s *MemoryStore) TouchUser(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	t := at
	u.LastActivity = &t
	return nil
}

// --- Participants ---

func (s *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.participants {
		if existing.DisplayName == p.DisplayName {
			return fmt.Errorf("participant name %q already exists", p.DisplayName)
		}
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants := make([]model.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].DisplayName < participants[j].DisplayName
	})
	return participants, nil
}

func (s *MemoryStore) ClaimParticipant(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	p.ClaimedByUserID = userID
	return nil
}

func (s *MemoryStore) ReleaseParticipant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	p.ClaimedByUserID = ""
	return nil
}

func (s *MemoryStore) DeleteParticipant(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok || p.ClaimedByUserID != "" {
		return false, nil
	}
	delete(s.participants, id)
	return true, nil
}

// --- Config ---

func (s *MemoryStore) PositionLimit(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionLimit, nil
}

func (s *MemoryStore) SetPositionLimit(_ context.Context, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionLimit = limit
	return nil
}
