package settle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/engine"
	"github.com/morning-markets/exchange/internal/model"
	"github.com/morning-markets/exchange/internal/settle"
	"github.com/morning-markets/exchange/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*settle.Service, *engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	locks := engine.NewMarketLocks()
	return settle.New(ms, locks), engine.New(ms, locks, nil), ms
}

func seedMarket(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	m := &model.Market{
		ID:        id,
		Question:  "Number of coffees consumed by the trading desk today?",
		Status:    model.MarketOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func seedUser(t *testing.T, ms *store.MemoryStore, id, name string) {
	t.Helper()
	u := &model.User{ID: id, DisplayName: name, CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func place(t *testing.T, eng *engine.Engine, marketID, userID string, side model.OrderSide, price float64, qty int64) {
	t.Helper()
	res, err := eng.PlaceOrder(context.Background(), marketID, userID, side, d(price), qty)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Rejected {
		t.Fatalf("order rejected: %s", res.RejectReason)
	}
}

// --- P&L calculators ---

func TestLinearPnL_HeldPosition(t *testing.T) {
	// Long 5 at avg 100, settles at 110: +50.
	got := settle.LinearPnL(5, d(500), d(110))
	if !got.Equal(d(50)) {
		t.Errorf("expected 50, got %s", got)
	}
}

func TestLinearPnL_RoundTripIndependentOfSettlement(t *testing.T) {
	// Buy 5 @ 100, sell 5 @ 110: flat with total cost −50. The realized
	// +50 must not depend on the settlement value.
	for _, v := range []float64{0, 100, 1000} {
		got := settle.LinearPnL(0, d(-50), d(v))
		if !got.Equal(d(50)) {
			t.Errorf("settlement %v: expected 50, got %s", v, got)
		}
	}
}

func TestLinearPnL_ShortPosition(t *testing.T) {
	// Short 4 at avg 100, settles at 90: +40.
	got := settle.LinearPnL(-4, d(-400), d(90))
	if !got.Equal(d(40)) {
		t.Errorf("expected 40, got %s", got)
	}
}

func TestAvgPrice(t *testing.T) {
	avg := settle.AvgPrice(5, d(500))
	if avg == nil || !avg.Equal(d(100)) {
		t.Errorf("expected 100, got %v", avg)
	}
	avg = settle.AvgPrice(-4, d(-400))
	if avg == nil || !avg.Equal(d(100)) {
		t.Errorf("expected 100 for short, got %v", avg)
	}
	if settle.AvgPrice(0, d(-50)) != nil {
		t.Error("expected nil avg price for flat position")
	}
}

func TestBinaryPnL(t *testing.T) {
	trades := []model.Trade{
		{BuyerID: "a", SellerID: "b", Price: d(90), Quantity: 3},  // a wins 3
		{BuyerID: "a", SellerID: "b", Price: d(110), Quantity: 2}, // a loses 2
		{BuyerID: "b", SellerID: "a", Price: d(100), Quantity: 5}, // push
	}
	value := d(100)

	if got := settle.BinaryPnL("a", trades, value); got != 1 {
		t.Errorf("expected a=+1, got %d", got)
	}
	if got := settle.BinaryPnL("b", trades, value); got != -1 {
		t.Errorf("expected b=-1, got %d", got)
	}
}

// --- Settlement lifecycle ---

func TestSettle_CancelsOpenOrdersAndMarks(t *testing.T) {
	sv, eng, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "u1", "Ann")
	place(t, eng, "m1", "u1", model.Bid, 50, 5)

	market, err := sv.Settle(context.Background(), "m1", d(55))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if market.Status != model.MarketSettled {
		t.Errorf("expected SETTLED, got %s", market.Status)
	}
	if market.SettlementValue == nil || !market.SettlementValue.Equal(d(55)) {
		t.Errorf("expected settlement value 55, got %v", market.SettlementValue)
	}
	if market.SettledAt == nil {
		t.Error("expected settled_at to be set")
	}

	bids, _ := ms.OpenOrders(context.Background(), "m1", model.Bid, "")
	if len(bids) != 0 {
		t.Fatalf("expected open orders cancelled, got %+v", bids)
	}
}

func TestSettle_AlreadySettled(t *testing.T) {
	sv, _, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")

	if _, err := sv.Settle(context.Background(), "m1", d(55)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, err := sv.Settle(context.Background(), "m1", d(60))
	if !errors.Is(err, settle.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestSettle_ClosedMarketAllowed(t *testing.T) {
	sv, _, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	ms.UpdateMarketStatus(context.Background(), "m1", model.MarketClosed)

	if _, err := sv.Settle(context.Background(), "m1", d(55)); err != nil {
		t.Fatalf("settling a closed market should work: %v", err)
	}
}

func TestSettle_UnknownMarket(t *testing.T) {
	sv, _, _ := newTestEnv(t)
	_, err := sv.Settle(context.Background(), "nope", d(55))
	if !errors.Is(err, settle.ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
}

// --- Results ---

func TestMarketResults_EmptyUntilSettled(t *testing.T) {
	sv, eng, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "u1", "Ann")
	seedUser(t, ms, "u2", "Ben")
	place(t, eng, "m1", "u1", model.Offer, 100, 5)
	place(t, eng, "m1", "u2", model.Bid, 100, 5)

	results, err := sv.MarketResults(context.Background(), "m1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results before settlement, got %d", len(results))
	}

	// Unknown market is also just empty.
	results, err = sv.MarketResults(context.Background(), "nope")
	if err != nil || len(results) != 0 {
		t.Fatalf("unknown market: results=%d err=%v", len(results), err)
	}
}

func TestMarketResults_ZeroSumAndSorted(t *testing.T) {
	sv, eng, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "u1", "Ann")
	seedUser(t, ms, "u2", "Ben")
	seedUser(t, ms, "u3", "Cam")

	// Ann sells 5 @ 100 to Ben, Ben sells 3 @ 104 to Cam.
	place(t, eng, "m1", "u1", model.Offer, 100, 5)
	place(t, eng, "m1", "u2", model.Bid, 100, 5)
	place(t, eng, "m1", "u2", model.Offer, 104, 3)
	place(t, eng, "m1", "u3", model.Bid, 104, 3)

	if _, err := sv.Settle(context.Background(), "m1", d(110)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	results, err := sv.MarketResults(context.Background(), "m1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	// Linear P&L sums to exactly zero across the market.
	sum := decimal.Zero
	for _, r := range results {
		sum = sum.Add(r.LinearPnL)
	}
	if !sum.IsZero() {
		t.Errorf("linear P&L should sum to zero, got %s", sum)
	}

	// Winners first.
	for i := 1; i < len(results); i++ {
		if results[i].LinearPnL.GreaterThan(results[i-1].LinearPnL) {
			t.Errorf("results not sorted descending at %d", i)
		}
	}

	// Ann: short 5 at 100, settles 110 → −50, worst of the three.
	last := results[len(results)-1]
	if last.DisplayName != "Ann" || !last.LinearPnL.Equal(d(-50)) {
		t.Errorf("expected Ann at -50 last, got %s at %s", last.DisplayName, last.LinearPnL)
	}
}

// --- Leaderboard ---

func TestLeaderboard_AggregatesSettledMarkets(t *testing.T) {
	sv, eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", "Ann")
	seedUser(t, ms, "u2", "Ben")

	for _, id := range []string{"m1", "m2", "m3"} {
		seedMarket(t, ms, id)
		place(t, eng, id, "u1", model.Offer, 100, 5)
		place(t, eng, id, "u2", model.Bid, 100, 5)
	}

	// m1 settles high (Ben wins), m2 settles low (Ann wins); m3 stays
	// open and must not count.
	if _, err := sv.Settle(context.Background(), "m1", d(110)); err != nil {
		t.Fatalf("settle m1: %v", err)
	}
	if _, err := sv.Settle(context.Background(), "m2", d(80)); err != nil {
		t.Fatalf("settle m2: %v", err)
	}

	entries, err := sv.Leaderboard(context.Background())
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// Ann: −50 + 100 = +50; Ben: +50 − 100 = −50.
	if entries[0].DisplayName != "Ann" || !entries[0].TotalLinearPnL.Equal(d(50)) {
		t.Errorf("expected Ann at +50 first, got %s at %s", entries[0].DisplayName, entries[0].TotalLinearPnL)
	}
	if entries[0].MarketsTraded != 2 {
		t.Errorf("expected 2 markets traded, got %d", entries[0].MarketsTraded)
	}
	if entries[1].DisplayName != "Ben" || !entries[1].TotalLinearPnL.Equal(d(-50)) {
		t.Errorf("expected Ben at -50, got %s at %s", entries[1].DisplayName, entries[1].TotalLinearPnL)
	}
}
