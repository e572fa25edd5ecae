// Package settle implements market settlement and the P&L calculators.
//
// Settlement cancels every open order, freezes the admin-supplied settlement
// value, and marks the market SETTLED; the transition is one-way. Both P&L
// figures are pure functions of the stored positions and trade log and can be
// recomputed at any time.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/engine"
	"github.com/morning-markets/exchange/internal/model"
	"github.com/morning-markets/exchange/internal/store"
)

var (
	ErrMarketNotFound = errors.New("settle: market not found")
	ErrAlreadySettled = errors.New("settle: market already settled")
)

// Service settles markets and derives settlement results. It shares the
// per-market lock registry with the matching engine so a settlement cannot
// interleave with an in-flight order placement.
type Service struct {
	store store.Store
	locks *engine.MarketLocks
}

// New creates a settlement service over the given store and lock registry.
func New(st store.Store, locks *engine.MarketLocks) *Service {
	return &Service{store: st, locks: locks}
}

// LinearPnL is the signed profit/loss of a final position against the
// settlement value.
//
// Computed as net×settlement − total_cost, which equals
// net×(settlement − avg_price) for a held position and −total_cost for a flat
// one: a user who bought low and sold high accumulates negative total cost
// and realizes the profit even with zero final exposure. Avoiding the
// division also keeps per-market linear P&L summing to exactly zero.
func LinearPnL(netQuantity int64, totalCost, settlementValue decimal.Decimal) decimal.Decimal {
	return settlementValue.Mul(decimal.NewFromInt(netQuantity)).Sub(totalCost)
}

// AvgPrice returns total_cost/net_quantity, or nil for a flat position.
func AvgPrice(netQuantity int64, totalCost decimal.Decimal) *decimal.Decimal {
	if netQuantity == 0 {
		return nil
	}
	avg := totalCost.Div(decimal.NewFromInt(netQuantity))
	return &avg
}

// BinaryPnL counts lots won minus lots lost over the user's trades: a buy
// below settlement or a sell above it wins the traded quantity, the opposite
// loses it, and a trade exactly at settlement contributes nothing.
//
// This is a per-trade statistic, independent of the position-based linear
// P&L; the two are not required to agree in sign for a user who traded one
// direction at several prices.
func BinaryPnL(userID string, trades []model.Trade, settlementValue decimal.Decimal) int64 {
	var pnl int64
	for _, t := range trades {
		cmp := settlementValue.Cmp(t.Price)
		if t.BuyerID == userID {
			switch {
			case cmp > 0:
				pnl += t.Quantity
			case cmp < 0:
				pnl -= t.Quantity
			}
		}
		if t.SellerID == userID {
			switch {
			case cmp < 0:
				pnl += t.Quantity
			case cmp > 0:
				pnl -= t.Quantity
			}
		}
	}
	return pnl
}

// Settle cancels all open orders in the market, then marks it SETTLED with
// the given value. Fails with ErrAlreadySettled on a settled market; CLOSED
// markets may still be settled.
func (s *Service) Settle(ctx context.Context, marketID string, value decimal.Decimal) (*model.Market, error) {
	s.locks.Lock(marketID)
	defer s.locks.Unlock(marketID)

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("get market: %w", err)
	}
	if market.Status == model.MarketSettled {
		return nil, ErrAlreadySettled
	}

	// Open orders can no longer be acted on once the market settles.
	if err := s.store.CancelOpenOrders(ctx, marketID); err != nil {
		return nil, fmt.Errorf("cancel open orders: %w", err)
	}
	if err := s.store.SettleMarket(ctx, marketID, value, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("settle market: %w", err)
	}

	slog.Info("market settled", "market", marketID, "value", value.String())
	return s.store.GetMarket(ctx, marketID)
}

// MarketResults returns every position in a settled market joined with user
// display data, both P&L figures, and average price, sorted by linear P&L
// descending (winners first). A market that is unknown or not yet settled
// yields an empty slice.
func (s *Service) MarketResults(ctx context.Context, marketID string) ([]model.PositionWithPnL, error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []model.PositionWithPnL{}, nil
		}
		return nil, fmt.Errorf("get market: %w", err)
	}
	if market.Status != model.MarketSettled || market.SettlementValue == nil {
		return []model.PositionWithPnL{}, nil
	}
	value := *market.SettlementValue

	positions, err := s.store.MarketPositions(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	trades, err := s.store.MarketTrades(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}

	results := make([]model.PositionWithPnL, 0, len(positions))
	for _, p := range positions {
		displayName := "Unknown"
		if u, err := s.store.GetUser(ctx, p.UserID); err == nil {
			displayName = u.DisplayName
		}

		results = append(results, model.PositionWithPnL{
			UserID:      p.UserID,
			DisplayName: displayName,
			NetQuantity: p.NetQuantity,
			TotalCost:   p.TotalCost,
			AvgPrice:    AvgPrice(p.NetQuantity, p.TotalCost),
			LinearPnL:   LinearPnL(p.NetQuantity, p.TotalCost, value),
			BinaryPnL:   BinaryPnL(p.UserID, trades, value),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].LinearPnL.GreaterThan(results[j].LinearPnL)
	})
	return results, nil
}

// Leaderboard accumulates each user's linear P&L, binary P&L, and markets
// traded across all settled markets, sorted descending by total linear P&L.
func (s *Service) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	totals := make(map[string]*model.LeaderboardEntry)
	for _, m := range markets {
		if m.Status != model.MarketSettled {
			continue
		}
		results, err := s.MarketResults(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			entry, ok := totals[r.UserID]
			if !ok {
				entry = &model.LeaderboardEntry{
					UserID:         r.UserID,
					DisplayName:    r.DisplayName,
					TotalLinearPnL: decimal.Zero,
				}
				totals[r.UserID] = entry
			}
			entry.TotalLinearPnL = entry.TotalLinearPnL.Add(r.LinearPnL)
			entry.TotalBinaryPnL += r.BinaryPnL
			entry.MarketsTraded++
		}
	}

	entries := make([]model.LeaderboardEntry, 0, len(totals))
	for _, e := range totals {
		entries = append(entries, *e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalLinearPnL.GreaterThan(entries[j].TotalLinearPnL)
	})
	return entries, nil
}
