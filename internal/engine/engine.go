// Package engine implements the order-matching core: admission and risk
// checks, the price-time-priority match loop, and order cancellation.
//
// Every mutating operation on a market runs under that market's lock (see
// MarketLocks); the admission checks, the match loop, trade creation, and
// both position updates of one PlaceOrder call form a single serialized unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/model"
	"github.com/morning-markets/exchange/internal/risk"
	"github.com/morning-markets/exchange/internal/store"
)

// Fatal preconditions. These abort the call with no partial mutation and are
// distinct from business rejections, which come back as MatchResult.Rejected.
var (
	ErrMarketNotFound = errors.New("engine: market not found")
	ErrMarketNotOpen  = errors.New("engine: market is not open for trading")
	ErrOrderNotFound  = errors.New("engine: order not found")
	ErrOrderNotOpen   = errors.New("engine: order is not open")
	ErrNotOrderOwner  = errors.New("engine: order belongs to another user")
	ErrSelfAggress    = errors.New("engine: cannot aggress your own order")
)

// TradePublisher receives each executed trade. Publishing is best effort and
// happens outside the atomic trade/position/order write unit; implementations
// must never block matching.
type TradePublisher interface {
	PublishTrade(ctx context.Context, t model.Trade)
}

// Engine matches incoming limit orders against the resting book held in the
// store.
type Engine struct {
	store store.Store
	locks *MarketLocks
	feed  TradePublisher // optional

	// lastEvent tracks the most recent order/trade timestamp per market so
	// created_at is strictly increasing across the whole event log: time
	// priority stays deterministic and trade ordering is unambiguous even
	// when the clock does not advance between events.
	timeMu    sync.Mutex
	lastEvent map[string]time.Time
}

// New creates an engine over the given store. locks is shared with the
// settlement service so settle and matching exclude each other per market.
// feed may be nil.
func New(st store.Store, locks *MarketLocks, feed TradePublisher) *Engine {
	return &Engine{
		store:     st,
		locks:     locks,
		feed:      feed,
		lastEvent: make(map[string]time.Time),
	}
}

// Locks returns the per-market lock registry the engine serializes on.
func (e *Engine) Locks() *MarketLocks { return e.locks }

// PlaceOrder admits a limit order, matches it against eligible resting
// counter-orders in price-time priority, and rests any remainder.
//
// Business rejections (position limit, spoofing) return a MatchResult with
// Rejected set and no book mutation. A market that is not OPEN is a fatal
// precondition and returns ErrMarketNotOpen.
func (e *Engine) PlaceOrder(ctx context.Context, marketID, userID string, side model.OrderSide, price decimal.Decimal, quantity int64) (*model.MatchResult, error) {
	e.locks.Lock(marketID)
	defer e.locks.Unlock(marketID)

	return e.placeOrderLocked(ctx, marketID, userID, side, price, quantity)
}

// placeOrderLocked is PlaceOrder with the market lock already held. Aggress
// reuses it so the target read and the placement share one critical section.
func (e *Engine) placeOrderLocked(ctx context.Context, marketID, userID string, side model.OrderSide, price decimal.Decimal, quantity int64) (*model.MatchResult, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("engine: invalid side %q", side)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("engine: price must be positive, got %s", price)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("engine: quantity must be positive, got %d", quantity)
	}

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("get market: %w", err)
	}
	if market.Status != model.MarketOpen {
		return nil, ErrMarketNotOpen
	}

	limit, err := e.store.PositionLimit(ctx)
	if err != nil {
		return nil, fmt.Errorf("get position limit: %w", err)
	}
	position, err := e.store.GetPosition(ctx, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	bidExposure, offerExposure, err := e.store.OpenOrderExposure(ctx, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("get exposure: %w", err)
	}

	// Admission order: position limit first, then spoofing. Either
	// rejection returns before anything is written.
	if ok, reason := risk.CheckPositionLimit(side, quantity, position.NetQuantity, bidExposure, offerExposure, limit); !ok {
		return rejected(reason), nil
	}

	opposite, err := e.store.OpenOrders(ctx, marketID, side.Opposite(), "")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	var ownResting []model.Order
	for _, o := range opposite {
		if o.UserID == userID {
			ownResting = append(ownResting, o)
		}
	}
	if ok, reason := risk.CheckSpoofing(side, price, ownResting); !ok {
		return rejected(reason), nil
	}

	// Eligible counter-orders: opposite side, other owners, price-crossing,
	// already sorted best price first then earliest created_at.
	var eligible []model.Order
	for _, o := range opposite {
		if o.UserID == userID {
			continue
		}
		if side == model.Bid && o.Price.GreaterThan(price) {
			continue
		}
		if side == model.Offer && o.Price.LessThan(price) {
			continue
		}
		eligible = append(eligible, o)
	}

	incoming := &model.Order{
		ID:                uuid.New().String(),
		MarketID:          marketID,
		UserID:            userID,
		Side:              side,
		Price:             price,
		Quantity:          quantity,
		RemainingQuantity: quantity,
		Status:            model.OrderOpen,
		CreatedAt:         e.nextEventTime(marketID),
	}
	if err := e.store.CreateOrder(ctx, incoming); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	remaining := quantity
	currentPos := position.NetQuantity
	var trades []model.Trade

	for i := range eligible {
		if remaining <= 0 {
			break
		}
		counter := &eligible[i]

		fillQty := min(remaining, counter.RemainingQuantity)
		// Mid-match the incoming side is capped against its real
		// resulting position, not the admission-time exposure estimate.
		fillQty = risk.CapFill(side, fillQty, currentPos, limit)
		if fillQty <= 0 {
			break
		}

		// Trades execute at the maker's price: price improvement for
		// the aggressor.
		fillPrice := counter.Price

		var buyerID, sellerID, buyOrderID, sellOrderID string
		if side == model.Bid {
			buyerID, sellerID = userID, counter.UserID
			buyOrderID, sellOrderID = incoming.ID, counter.ID
		} else {
			buyerID, sellerID = counter.UserID, userID
			buyOrderID, sellOrderID = counter.ID, incoming.ID
		}

		trade := model.Trade{
			ID:          uuid.New().String(),
			MarketID:    marketID,
			BuyOrderID:  buyOrderID,
			SellOrderID: sellOrderID,
			BuyerID:     buyerID,
			SellerID:    sellerID,
			Price:       fillPrice,
			Quantity:    fillQty,
			CreatedAt:   e.nextEventTime(marketID),
		}
		if err := e.store.CreateTrade(ctx, &trade); err != nil {
			return nil, fmt.Errorf("create trade: %w", err)
		}

		cost := fillPrice.Mul(decimal.NewFromInt(fillQty))
		if err := e.store.UpdatePosition(ctx, marketID, buyerID, fillQty, cost); err != nil {
			return nil, fmt.Errorf("update buyer position: %w", err)
		}
		if err := e.store.UpdatePosition(ctx, marketID, sellerID, -fillQty, cost.Neg()); err != nil {
			return nil, fmt.Errorf("update seller position: %w", err)
		}
		if err := e.store.UpdateOrderQuantity(ctx, counter.ID, counter.RemainingQuantity-fillQty); err != nil {
			return nil, fmt.Errorf("update counter order: %w", err)
		}

		trades = append(trades, trade)
		remaining -= fillQty
		if side == model.Bid {
			currentPos += fillQty
		} else {
			currentPos -= fillQty
		}
	}

	if err := e.store.UpdateOrderQuantity(ctx, incoming.ID, remaining); err != nil {
		return nil, fmt.Errorf("update incoming order: %w", err)
	}
	incoming.RemainingQuantity = remaining

	result := &model.MatchResult{
		Trades:      trades,
		FullyFilled: remaining == 0,
	}
	if remaining > 0 {
		result.Order = incoming
	} else {
		incoming.Status = model.OrderFilled
	}

	slog.Info("order placed",
		"order_id", incoming.ID,
		"market", marketID,
		"user", userID,
		"side", side,
		"price", price.String(),
		"quantity", quantity,
		"fills", len(trades),
		"remaining", remaining,
	)

	for _, t := range trades {
		if e.feed != nil {
			e.feed.PublishTrade(ctx, t)
		}
	}

	return result, nil
}

// CancelOrder marks an OPEN order CANCELLED. Returns false without error if
// the order does not exist or is already filled/cancelled (idempotent);
// returns ErrNotOrderOwner if the requester does not own it.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (bool, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get order: %w", err)
	}

	e.locks.Lock(order.MarketID)
	defer e.locks.Unlock(order.MarketID)

	// Re-read under the lock; a concurrent fill may have closed it.
	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("get order: %w", err)
	}
	if order.UserID != userID {
		return false, ErrNotOrderOwner
	}
	if order.Status != model.OrderOpen {
		return false, nil
	}

	if err := e.store.CancelOrder(ctx, orderID); err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	slog.Info("order cancelled", "order_id", orderID, "market", order.MarketID, "user", userID)
	return true, nil
}

// Aggress trades directly against a target resting order: it derives the
// crossing side and price from the target (hit an OFFER with a BID at the
// offer's price, lift a BID with an OFFER at the bid's price), caps the
// requested quantity at the target's remaining quantity, and places the
// order. With fillAndKill set, any unfilled remainder is cancelled instead of
// resting.
func (e *Engine) Aggress(ctx context.Context, orderID, userID string, quantity int64, fillAndKill bool) (*model.AggressResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("engine: quantity must be positive, got %d", quantity)
	}

	target, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	e.locks.Lock(target.MarketID)
	defer e.locks.Unlock(target.MarketID)

	// Re-read under the lock so the remaining-quantity cap is exact.
	target, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if target.UserID == userID {
		return nil, ErrSelfAggress
	}
	if target.Status != model.OrderOpen {
		return nil, ErrOrderNotOpen
	}

	qty := min(quantity, target.RemainingQuantity)
	res, err := e.placeOrderLocked(ctx, target.MarketID, userID, target.Side.Opposite(), target.Price, qty)
	if err != nil {
		return nil, err
	}

	out := &model.AggressResult{
		Requested:    quantity,
		Rejected:     res.Rejected,
		RejectReason: res.RejectReason,
		Trades:       res.Trades,
	}
	for _, t := range res.Trades {
		out.Filled += t.Quantity
	}

	if fillAndKill && res.Order != nil && res.Order.RemainingQuantity > 0 {
		if err := e.store.CancelOrder(ctx, res.Order.ID); err != nil {
			return nil, fmt.Errorf("kill remainder: %w", err)
		}
		out.Killed = res.Order.RemainingQuantity
	}

	return out, nil
}

// nextEventTime returns a timestamp strictly after every prior order and
// trade in the market, bumping by 1ns when the clock has not advanced.
func (e *Engine) nextEventTime(marketID string) time.Time {
	e.timeMu.Lock()
	defer e.timeMu.Unlock()

	now := time.Now().UTC()
	if last, ok := e.lastEvent[marketID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	e.lastEvent[marketID] = now
	return now
}

func rejected(reason string) *model.MatchResult {
	return &model.MatchResult{Rejected: true, RejectReason: reason}
}
