// Package model defines the core domain types shared across the exchange.
// All prices, costs, and P&L use shopspring/decimal — never float64 for
// money. Quantities are whole lots and stay int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "OPEN"
	MarketClosed  MarketStatus = "CLOSED"
	MarketSettled MarketStatus = "SETTLED"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	Bid   OrderSide = "BID"
	Offer OrderSide = "OFFER"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == Bid || s == Offer
}

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == Bid {
		return Offer
	}
	return Bid
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Market is a single-instrument prediction market. Mutated only by the
// close/settle transitions; immutable once SETTLED.
type Market struct {
	ID              string           `json:"id" db:"id"`
	Question        string           `json:"question" db:"question"`
	Description     string           `json:"description,omitempty" db:"description"`
	Status          MarketStatus     `json:"status" db:"status"`
	SettlementValue *decimal.Decimal `json:"settlement_value,omitempty" db:"settlement_value"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	SettledAt       *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// Order is a limit order. Created on admission; mutated only by fills
// (decrementing RemainingQuantity) and explicit cancellation; never deleted.
// CreatedAt is strictly increasing per market and carries time priority.
type Order struct {
	ID                string          `json:"id" db:"id"`
	MarketID          string          `json:"market_id" db:"market_id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Side              OrderSide       `json:"side" db:"side"`
	Price             decimal.Decimal `json:"price" db:"price"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	RemainingQuantity int64           `json:"remaining_quantity" db:"remaining_quantity"`
	Status            OrderStatus     `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Trade is an immutable record of one fill between two orders. The
// append-only trade log is the audit trail positions and P&L derive from.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's aggregate holding in one market. NetQuantity is signed
// (long positive, short negative); TotalCost is the signed sum of
// price×quantity over all fills. A (market,user) pair with no activity reads
// as the zero position.
type Position struct {
	MarketID    string          `json:"market_id" db:"market_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	NetQuantity int64           `json:"net_quantity" db:"net_quantity"`
	TotalCost   decimal.Decimal `json:"total_cost" db:"total_cost"`
}

// User is a logged-in player (or the admin).
type User struct {
	ID           string     `json:"id" db:"id"`
	DisplayName  string     `json:"display_name" db:"display_name"`
	IsAdmin      bool       `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty" db:"last_activity"`
}

// Participant is a pre-registered display name created by the admin. A player
// claims one to join the game; ClaimedByUserID is empty while unclaimed.
type Participant struct {
	ID              string    `json:"id" db:"id"`
	DisplayName     string    `json:"display_name" db:"display_name"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	ClaimedByUserID string    `json:"claimed_by_user_id,omitempty" db:"claimed_by_user_id"`
}

// MatchResult is the outcome of placing an order. Business rejections set
// Rejected with a reason and leave the book untouched; they are expected
// outcomes of user input, not errors.
type MatchResult struct {
	Order        *Order  `json:"order,omitempty"` // resting remainder; nil if fully filled or rejected
	Trades       []Trade `json:"trades"`
	FullyFilled  bool    `json:"fully_filled"`
	Rejected     bool    `json:"rejected"`
	RejectReason string  `json:"reject_reason,omitempty"`
}

// AggressResult is the outcome of directed aggression against a resting
// order. Requested, Filled, and Killed are always reported separately so a
// partial fill is never hidden.
type AggressResult struct {
	Requested    int64   `json:"requested"`
	Filled       int64   `json:"filled"`
	Killed       int64   `json:"killed"`
	Rejected     bool    `json:"rejected"`
	RejectReason string  `json:"reject_reason,omitempty"`
	Trades       []Trade `json:"trades"`
}

// PositionWithPnL is a settled position joined with user display data and
// both P&L figures. AvgPrice is nil for a flat (fully round-tripped)
// position.
type PositionWithPnL struct {
	UserID      string           `json:"user_id"`
	DisplayName string           `json:"display_name"`
	NetQuantity int64            `json:"net_quantity"`
	TotalCost   decimal.Decimal  `json:"total_cost"`
	AvgPrice    *decimal.Decimal `json:"avg_price,omitempty"`
	LinearPnL   decimal.Decimal  `json:"linear_pnl"`
	BinaryPnL   int64            `json:"binary_pnl"`
}

// LeaderboardEntry aggregates a user's P&L across all settled markets.
type LeaderboardEntry struct {
	UserID         string          `json:"user_id"`
	DisplayName    string          `json:"display_name"`
	TotalLinearPnL decimal.Decimal `json:"total_linear_pnl"`
	TotalBinaryPnL int64           `json:"total_binary_pnl"`
	MarketsTraded  int             `json:"markets_traded"`
}

// OrderWithUser is an open order joined with its owner's display name for
// the order book view.
type OrderWithUser struct {
	Order
	DisplayName string `json:"display_name"`
}

// TradeWithUsers is a trade joined with both display names for the recent
// trades view.
type TradeWithUsers struct {
	ID         string          `json:"id"`
	BuyerName  string          `json:"buyer_name"`
	SellerName string          `json:"seller_name"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	CreatedAt  time.Time       `json:"created_at"`
}
