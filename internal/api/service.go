// Package api provides the HTTP handlers for the exchange: session and
// participant management, markets, the order book, order entry and
// settlement results.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/auth"
	"github.com/morning-markets/exchange/internal/engine"
	"github.com/morning-markets/exchange/internal/metrics"
	"github.com/morning-markets/exchange/internal/model"
	"github.com/morning-markets/exchange/internal/settle"
	"github.com/morning-markets/exchange/internal/store"
)

const sessionCookie = "session"

// Service handles the exchange HTTP API.
type Service struct {
	store            store.Store
	engine           *engine.Engine
	settle           *settle.Service
	auth             *auth.Manager
	hub              *WSHub // optional; nil disables broadcasts
	recentTradeCount int
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, sv *settle.Service, am *auth.Manager, hub *WSHub, recentTradeCount int) *Service {
	return &Service{
		store:            st,
		engine:           eng,
		settle:           sv,
		auth:             am,
		hub:              hub,
		recentTradeCount: recentTradeCount,
	}
}

// Routes mounts all API routes on a new router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	// Session.
	r.Post("/auth/join", s.JoinParticipant)
	r.Post("/auth/admin", s.AdminLogin)
	r.Post("/auth/logout", s.Logout)
	r.Get("/auth/me", s.Me)

	// Participants: the list is public so the join screen can show
	// unclaimed names; mutation is admin-only.
	r.Get("/participants", s.ListParticipants)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/participants", s.CreateParticipant)
		r.Delete("/participants/{participantID}", s.DeleteParticipant)
		r.Post("/participants/{participantID}/release", s.ReleaseParticipant)
		r.Put("/config/position-limit", s.SetPositionLimit)
	})

	// Markets: public reads.
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetBook)
	r.Get("/markets/{marketID}/trades", s.GetTrades)
	r.Get("/markets/{marketID}/results", s.GetResults)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/config/position-limit", s.GetPositionLimit)

	// Markets: admin lifecycle.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/markets", s.CreateMarket)
		r.Post("/markets/{marketID}/close", s.CloseMarket)
		r.Post("/markets/{marketID}/settle", s.SettleMarket)
	})

	// Trading: requires a session.
	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/markets/{marketID}/position", s.GetPosition)
		r.Get("/markets/{marketID}/orders", s.GetMyOrders)
		r.Post("/markets/{marketID}/orders", s.PlaceOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)
		r.Post("/orders/{orderID}/aggress", s.AggressOrder)
	})

	return r
}

// --- Session middleware ---

type ctxKey int

const userKey ctxKey = iota

func withUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// userFrom returns the authenticated user. Only valid behind requireUser
// or requireAdmin.
func userFrom(ctx context.Context) *model.User {
	return ctx.Value(userKey).(*model.User)
}

func (s *Service) currentUser(r *http.Request) (*model.User, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, auth.ErrNoSession
	}
	return s.auth.UserFromToken(r.Context(), cookie.Value)
}

func (s *Service) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		ctx := withUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin {
			writeError(w, "admin access required", http.StatusForbidden)
			return
		}
		ctx := withUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// --- Auth handlers ---

// JoinRequest is the JSON body for POST /auth/join.
type JoinRequest struct {
	ParticipantID string `json:"participant_id"`
}

// AdminLoginRequest is the JSON body for POST /auth/admin.
type AdminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// JoinParticipant handles POST /api/v1/auth/join
func (s *Service) JoinParticipant(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.LoginParticipant(r.Context(), req.ParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "participant not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, auth.ErrParticipantInUse) {
		writeError(w, "participant already in use", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, "login failed", http.StatusInternalServerError)
		return
	}

	slog.Info("participant joined", "participant_id", req.ParticipantID, "user_id", user.ID)
	setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, user)
}

// AdminLogin handles POST /api/v1/auth/admin
func (s *Service) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req AdminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.LoginAdmin(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(w, "login failed", http.StatusInternalServerError)
		return
	}

	slog.Info("admin logged in", "user_id", user.ID)
	setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, user)
}

// Logout handles POST /api/v1/auth/logout
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.auth.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Me handles GET /api/v1/auth/me
func (s *Service) Me(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Participant handlers ---

// CreateParticipantRequest is the JSON body for POST /participants.
type CreateParticipantRequest struct {
	DisplayName string `json:"display_name"`
}

// ListParticipants handles GET /api/v1/participants
func (s *Service) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.store.ListParticipants(r.Context())
	if err != nil {
		writeError(w, "failed to list participants", http.StatusInternalServerError)
		return
	}
	if participants == nil {
		participants = []model.Participant{}
	}
	writeJSON(w, http.StatusOK, participants)
}

// CreateParticipant handles POST /api/v1/participants
func (s *Service) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req CreateParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		writeError(w, "display_name is required", http.StatusBadRequest)
		return
	}

	p := &model.Participant{
		ID:          uuid.NewString(),
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateParticipant(r.Context(), p); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// DeleteParticipant handles DELETE /api/v1/participants/{participantID}
// Claimed participants cannot be deleted.
func (s *Service) DeleteParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")

	deleted, err := s.store.DeleteParticipant(r.Context(), id)
	if err != nil {
		writeError(w, "failed to delete participant", http.StatusInternalServerError)
		return
	}
	if !deleted {
		writeError(w, "participant not found or already claimed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ReleaseParticipant handles POST /api/v1/participants/{participantID}/release
// Frees a claimed slot so it can be claimed again.
func (s *Service) ReleaseParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")

	if _, err := s.store.GetParticipant(r.Context(), id); err != nil {
		writeError(w, "participant not found", http.StatusNotFound)
		return
	}
	if err := s.store.ReleaseParticipant(r.Context(), id); err != nil {
		writeError(w, "failed to release participant", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

// --- Config handlers ---

// PositionLimitRequest is the JSON body for PUT /config/position-limit.
type PositionLimitRequest struct {
	Limit int64 `json:"limit"`
}

// GetPositionLimit handles GET /api/v1/config/position-limit
func (s *Service) GetPositionLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := s.store.PositionLimit(r.Context())
	if err != nil {
		writeError(w, "failed to read position limit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"limit": limit})
}

// SetPositionLimit handles PUT /api/v1/config/position-limit
func (s *Service) SetPositionLimit(w http.ResponseWriter, r *http.Request) {
	var req PositionLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Limit < 1 {
		writeError(w, "limit must be at least 1", http.StatusBadRequest)
		return
	}
	if err := s.store.SetPositionLimit(r.Context(), req.Limit); err != nil {
		writeError(w, "failed to set position limit", http.StatusInternalServerError)
		return
	}
	slog.Info("position limit changed", "limit", req.Limit)
	writeJSON(w, http.StatusOK, map[string]int64{"limit": req.Limit})
}

// --- Market handlers ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Question    string `json:"question"`
	Description string `json:"description"`
}

// SettleMarketRequest is the JSON body for POST /markets/{marketID}/settle.
type SettleMarketRequest struct {
	Value decimal.Decimal `json:"value"`
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:          uuid.NewString(),
		Question:    req.Question,
		Description: req.Description,
		Status:      model.MarketOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created", "id", market.ID, "question", market.Question)
	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
// Closed markets accept no new orders but can still be settled.
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if market.Status != model.MarketOpen {
		writeError(w, "market is not open", http.StatusConflict)
		return
	}
	if err := s.store.UpdateMarketStatus(r.Context(), marketID, model.MarketClosed); err != nil {
		writeError(w, "failed to close market", http.StatusInternalServerError)
		return
	}

	slog.Info("market closed", "id", marketID)
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{Type: "close", MarketID: marketID})
	}
	market.Status = model.MarketClosed
	writeJSON(w, http.StatusOK, market)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
// Cancels all open orders, records the settlement value, and publishes
// final results.
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req SettleMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.settle.Settle(r.Context(), marketID, req.Value)
	if errors.Is(err, settle.ErrMarketNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, settle.ErrAlreadySettled) {
		writeError(w, "market already settled", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, "settlement failed", http.StatusInternalServerError)
		return
	}

	metrics.MarketsSettled.Inc()
	slog.Info("market settled", "id", marketID, "value", req.Value.String())
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:     "settle",
			MarketID: marketID,
			Data:     map[string]string{"value": req.Value.String()},
		})
	}
	writeJSON(w, http.StatusOK, market)
}

// --- Book and trade views ---

// BookResponse is the order book snapshot for a market: both sides in
// price-time priority order, annotated with trader display names.
type BookResponse struct {
	Bids   []model.OrderWithUser `json:"bids"`
	Offers []model.OrderWithUser `json:"offers"`
}

// GetBook handles GET /api/v1/markets/{marketID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	bids, err := s.store.OpenOrders(ctx, marketID, model.Bid, "")
	if err != nil {
		writeError(w, "failed to load book", http.StatusInternalServerError)
		return
	}
	offers, err := s.store.OpenOrders(ctx, marketID, model.Offer, "")
	if err != nil {
		writeError(w, "failed to load book", http.StatusInternalServerError)
		return
	}

	resp := BookResponse{
		Bids:   s.annotateOrders(r, bids),
		Offers: s.annotateOrders(r, offers),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) annotateOrders(r *http.Request, orders []model.Order) []model.OrderWithUser {
	out := make([]model.OrderWithUser, 0, len(orders))
	for _, o := range orders {
		name := "Unknown"
		if u, err := s.store.GetUser(r.Context(), o.UserID); err == nil {
			name = u.DisplayName
		}
		out = append(out, model.OrderWithUser{Order: o, DisplayName: name})
	}
	return out
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades
// Returns the most recent trades, newest first.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	trades, err := s.store.RecentTrades(ctx, marketID, s.recentTradeCount)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}

	out := make([]model.TradeWithUsers, 0, len(trades))
	for _, t := range trades {
		tw := model.TradeWithUsers{
			ID:         t.ID,
			BuyerName:  "Unknown",
			SellerName: "Unknown",
			Price:      t.Price,
			Quantity:   t.Quantity,
			CreatedAt:  t.CreatedAt,
		}
		if u, err := s.store.GetUser(ctx, t.BuyerID); err == nil {
			tw.BuyerName = u.DisplayName
		}
		if u, err := s.store.GetUser(ctx, t.SellerID); err == nil {
			tw.SellerName = u.DisplayName
		}
		out = append(out, tw)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPosition handles GET /api/v1/markets/{marketID}/position
// Returns the caller's position with average price and P&L.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	user := userFrom(r.Context())
	ctx := r.Context()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	pos, err := s.store.GetPosition(ctx, marketID, user.ID)
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}

	resp := model.PositionWithPnL{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		NetQuantity: pos.NetQuantity,
		TotalCost:   pos.TotalCost,
		AvgPrice:    settle.AvgPrice(pos.NetQuantity, pos.TotalCost),
	}
	if market.Status == model.MarketSettled && market.SettlementValue != nil {
		resp.LinearPnL = settle.LinearPnL(pos.NetQuantity, pos.TotalCost, *market.SettlementValue)
		trades, err := s.store.MarketTrades(ctx, marketID)
		if err == nil {
			resp.BinaryPnL = settle.BinaryPnL(user.ID, trades, *market.SettlementValue)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMyOrders handles GET /api/v1/markets/{marketID}/orders
// Returns the caller's open orders in the market.
func (s *Service) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	user := userFrom(r.Context())
	ctx := r.Context()

	var mine []model.Order
	for _, side := range []model.OrderSide{model.Bid, model.Offer} {
		orders, err := s.store.OpenOrders(ctx, marketID, side, "")
		if err != nil {
			writeError(w, "failed to load orders", http.StatusInternalServerError)
			return
		}
		for _, o := range orders {
			if o.UserID == user.ID {
				mine = append(mine, o)
			}
		}
	}
	if mine == nil {
		mine = []model.Order{}
	}
	writeJSON(w, http.StatusOK, mine)
}

// --- Order entry ---

// PlaceOrderRequest is the JSON body for POST /markets/{marketID}/orders.
type PlaceOrderRequest struct {
	Side     model.OrderSide `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// AggressRequest is the JSON body for POST /orders/{orderID}/aggress.
type AggressRequest struct {
	Quantity    int64 `json:"quantity"`
	FillAndKill bool  `json:"fill_and_kill"`
}

// PlaceOrder handles POST /api/v1/markets/{marketID}/orders
// Runs admission checks and matches against the book. Risk rejections
// return 409 with the reason.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	user := userFrom(r.Context())

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.engine.PlaceOrder(r.Context(), marketID, user.ID, req.Side, req.Price, req.Quantity)
	metrics.MatchLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, engine.ErrMarketNotFound):
		writeError(w, "market not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrMarketNotOpen):
		writeError(w, "market is not open for trading", http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if result.Rejected {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), "rejected").Inc()
		metrics.OrderRejections.WithLabelValues(rejectClass(result.RejectReason)).Inc()
		writeError(w, result.RejectReason, http.StatusConflict)
		return
	}

	outcome := "resting"
	if result.FullyFilled {
		outcome = "filled"
	}
	metrics.OrdersTotal.WithLabelValues(string(req.Side), outcome).Inc()
	s.recordTrades(marketID, result.Trades)

	writeJSON(w, http.StatusOK, result)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
// Cancelling an order that is already gone is not an error.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	user := userFrom(r.Context())

	cancelled, err := s.engine.CancelOrder(r.Context(), orderID, user.ID)
	if errors.Is(err, engine.ErrNotOrderOwner) {
		writeError(w, "order belongs to another trader", http.StatusForbidden)
		return
	}
	if err != nil {
		writeError(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// AggressOrder handles POST /api/v1/orders/{orderID}/aggress
// Trades directly against a specific resting order at its price.
func (s *Service) AggressOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	user := userFrom(r.Context())

	var req AggressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.engine.Aggress(r.Context(), orderID, user.ID, req.Quantity, req.FillAndKill)
	switch {
	case errors.Is(err, engine.ErrOrderNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrOrderNotOpen):
		writeError(w, "order is no longer open", http.StatusConflict)
		return
	case errors.Is(err, engine.ErrSelfAggress):
		writeError(w, "cannot trade against your own order", http.StatusConflict)
		return
	case errors.Is(err, engine.ErrMarketNotOpen):
		writeError(w, "market is not open for trading", http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if result.Rejected {
		metrics.OrderRejections.WithLabelValues(rejectClass(result.RejectReason)).Inc()
		writeError(w, result.RejectReason, http.StatusConflict)
		return
	}

	if len(result.Trades) > 0 {
		s.recordTrades(result.Trades[0].MarketID, result.Trades)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) recordTrades(marketID string, trades []model.Trade) {
	for _, t := range trades {
		metrics.TradesTotal.Inc()
		metrics.TradeVolume.WithLabelValues(marketID).Add(float64(t.Quantity))
		if s.hub != nil {
			s.hub.Broadcast(WSMessage{Type: "trade", MarketID: marketID, Data: t})
		}
	}
}

func rejectClass(reason string) string {
	if strings.HasPrefix(reason, "position limit") {
		return "position_limit"
	}
	if strings.HasPrefix(reason, "cannot") {
		return "self_cross"
	}
	return "other"
}

// --- Results ---

// GetResults handles GET /api/v1/markets/{marketID}/results
// Returns per-trader P&L sorted best to worst; empty until settled.
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.settle.MarketResults(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to load results", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GetLeaderboard handles GET /api/v1/leaderboard
// Aggregates P&L across all settled markets.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.settle.Leaderboard(r.Context())
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
