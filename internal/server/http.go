package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpEngine/internal/escrow"
	"PerpEngine/internal/funding"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/query"
	"PerpEngine/internal/registry"
	"PerpEngine/internal/trading"
	"PerpEngine/internal/vault"
)

// Server is the HTTP/JSON API: engine operations, live state reads,
// persisted history, health and metrics, plus the websocket event stream.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// Deps holds everything the handlers need.
type Deps struct {
	Logger   zerolog.Logger
	Engine   *trading.Engine
	Registry *registry.Registry
	Funding  *funding.Engine
	Vault    *vault.Vault
	Escrow   *escrow.Escrow
	Query    *query.Service
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Hub      *Hub
}

func New(addr string, d Deps) *Server {
	s := &Server{log: d.Logger.With().Str("component", "http_server").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metricsMiddleware(d.Metrics))

	r.Get("/healthz", d.Health.LivenessHandler)
	r.Get("/readyz", d.Health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", d.Hub.HandleWS)

	r.Route("/v1", func(r chi.Router) {
		h := &handlers{d: d}

		r.Get("/pairs/{pair}", h.getPair)
		r.Get("/pairs/{pair}/funding", h.getFunding)
		r.Get("/pairs/{pair}/funding/predict", h.predictFunding)

		r.Post("/trades", h.openTrade)
		r.Get("/trades/{trader}/{pair}", h.getTrades)
		r.Post("/trades/{trader}/{pair}/{slot}/close", h.closeTrade)
		r.Get("/trades/{trader}/{pair}/{slot}/liq-price", h.getLiqPrice)
		r.Put("/trades/{trader}/{pair}/{slot}/sl", h.updateSL)
		r.Put("/trades/{trader}/{pair}/{slot}/tp", h.updateTP)

		r.Get("/orders/{trader}/{pair}", h.getOrders)
		r.Put("/orders/{trader}/{pair}/{slot}", h.updateOrder)
		r.Delete("/orders/{trader}/{pair}/{slot}", h.cancelOrder)
		r.Post("/triggers", h.trigger)

		r.Get("/vault", h.getVault)
		r.Get("/vault/preview", h.previewVault)
		r.Post("/vault/deposit", h.vaultDeposit)
		r.Post("/vault/withdraw-request", h.withdrawRequest)
		r.Post("/vault/redeem", h.vaultRedeem)
		r.Post("/vault/locked-deposit", h.lockedDeposit)
		r.Post("/vault/locked-deposit/{claim}/unlock", h.unlockDeposit)
		r.Post("/vault/locked-deposit/{claim}/transfer", h.transferLocked)

		r.Get("/escrow/{trader}", h.getEscrow)
		r.Post("/escrow/{trader}/claim", h.claimEscrow)

		r.Get("/history/{trader}", h.getHistory)
		r.Get("/history/{trader}/events", h.getEvents)
		r.Get("/history/{trader}/stats", h.getStats)

		r.Post("/admin/groups", h.addGroup)
		r.Post("/admin/fees", h.addFee)
		r.Post("/admin/pairs", h.addPair)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func metricsMiddleware(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// --- handlers ---

type handlers struct {
	d Deps
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trading.ErrNoTrade), errors.Is(err, trading.ErrNoOrder),
		errors.Is(err, funding.ErrUnknownPair), errors.Is(err, funding.ErrUnknownGroup),
		errors.Is(err, vault.ErrNoLockedDeposit):
		status = http.StatusNotFound
	case errors.Is(err, trading.ErrBelowMin), errors.Is(err, trading.ErrAboveMax),
		errors.Is(err, vault.ErrZeroAmount), errors.Is(err, vault.ErrBelowMin),
		errors.Is(err, vault.ErrAboveMax):
		status = http.StatusBadRequest
	case errors.Is(err, trading.ErrBeingMarketClosed), errors.Is(err, vault.ErrNotUnlocked),
		errors.Is(err, vault.ErrWithdrawNotReady), errors.Is(err, vault.ErrNotOwner),
		errors.Is(err, vault.ErrNotEnoughAssets):
		status = http.StatusConflict
	case errors.Is(err, oracle.ErrStaleOrInvalidProof), errors.Is(err, oracle.ErrStalePrice):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathUint16(r *http.Request, key string) (uint16, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, key), 10, 16)
	return uint16(v), err
}

func pathUint8(r *http.Request, key string) (uint8, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, key), 10, 8)
	return uint8(v), err
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return def
}

func (h *handlers) getPair(w http.ResponseWriter, r *http.Request) {
	idx, err := pathUint16(r, "pair")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad pair index"})
		return
	}
	pair, group, fee, err := h.d.Registry.PairGroupFee(idx)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pair":           pair,
		"group":          group,
		"fee":            fee,
		"config_version": h.d.Registry.Version(),
	})
}

func (h *handlers) getFunding(w http.ResponseWriter, r *http.Request) {
	idx, err := pathUint16(r, "pair")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad pair index"})
		return
	}
	st, err := h.d.Funding.PairState(idx)
	if err != nil {
		writeError(w, err)
		return
	}
	rate, _ := h.d.Funding.Rate(idx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pair_index":      idx,
		"long_oi":         st.LongOI,
		"short_oi":        st.ShortOI,
		"acc_rate_long":   st.AccRateLong,
		"acc_rate_short":  st.AccRateShort,
		"rate":            rate,
		"last_sync_block": st.LastSyncBlock,
		"synced":          st.Synced,
	})
}

func (h *handlers) predictFunding(w http.ResponseWriter, r *http.Request) {
	idx, err := pathUint16(r, "pair")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad pair index"})
		return
	}
	long := r.URL.Query().Get("long") != "false"
	size := queryInt64(r, "size", 0)
	horizon := queryInt64(r, "horizon_blocks", 1)

	fee, err := h.d.Funding.PredictTradeFundingFee(idx, long, size, horizon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pair_index":     idx,
		"long":           long,
		"position_size":  size,
		"horizon_blocks": horizon,
		"predicted_fee":  fee,
	})
}

type openTradeRequest struct {
	Trader       string `json:"trader"`
	PairIndex    uint16 `json:"pair_index"`
	OrderType    string `json:"order_type"` // market, limit, stop_limit, momentum
	Long         bool   `json:"long"`
	Collateral   int64  `json:"collateral"`
	Leverage     int64  `json:"leverage"`
	WantedPrice  int64  `json:"wanted_price,omitempty"`
	MinPrice     int64  `json:"min_price,omitempty"`
	MaxPrice     int64  `json:"max_price,omitempty"`
	MaxSlippageP int64  `json:"max_slippage_p,omitempty"`
	TakeProfit   int64  `json:"take_profit,omitempty"`
	StopLoss     int64  `json:"stop_loss,omitempty"`
	Referrer     string `json:"referrer,omitempty"`
	Proof        []byte `json:"proof,omitempty"`
}

func parseOrderType(s string) trading.OrderType {
	switch s {
	case "limit":
		return trading.OrderTypeLimit
	case "stop_limit":
		return trading.OrderTypeStopLimit
	case "momentum":
		return trading.OrderTypeMomentum
	default:
		return trading.OrderTypeMarket
	}
}

func (h *handlers) openTrade(w http.ResponseWriter, r *http.Request) {
	var req openTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	if req.Referrer != "" {
		h.d.Engine.SetReferrer(req.Trader, req.Referrer)
	}

	outcome, err := h.d.Engine.OpenTrade(trading.OpenRequest{
		Trader:       req.Trader,
		PairIndex:    req.PairIndex,
		Type:         parseOrderType(req.OrderType),
		Long:         req.Long,
		Collateral:   req.Collateral,
		Leverage:     req.Leverage,
		WantedPrice:  req.WantedPrice,
		MinPrice:     req.MinPrice,
		MaxPrice:     req.MaxPrice,
		MaxSlippageP: req.MaxSlippageP,
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
	}, req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(outcome))
}

type proofRequest struct {
	Proof []byte `json:"proof"`
}

func (h *handlers) closeTrade(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	pair, err1 := pathUint16(r, "pair")
	slot, err2 := pathUint8(r, "slot")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad path"})
		return
	}
	var req proofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}

	outcome, err := h.d.Engine.CloseTradeMarket(trader, pair, slot, req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(outcome))
}

type triggerRequest struct {
	Type      string `json:"type"` // open, liq, sl, tp
	Trader    string `json:"trader"`
	PairIndex uint16 `json:"pair_index"`
	SlotIndex uint8  `json:"slot_index"`
	Executor  string `json:"executor"`
	Proof     []byte `json:"proof"`
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}

	var tt trading.TriggerType
	switch req.Type {
	case "open":
		tt = trading.TriggerOpen
	case "liq":
		tt = trading.TriggerLiq
	case "sl":
		tt = trading.TriggerSL
	case "tp":
		tt = trading.TriggerTP
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown trigger type"})
		return
	}

	outcome, err := h.d.Engine.TriggerOrder(trading.OrderDescriptor{
		Type:      tt,
		Trader:    req.Trader,
		PairIndex: req.PairIndex,
		SlotIndex: req.SlotIndex,
	}, req.Executor, req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(outcome))
}

func (h *handlers) getTrades(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	pair, err := pathUint16(r, "pair")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad pair index"})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Engine.Trades(trader, pair))
}

func (h *handlers) getOrders(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	pair, err := pathUint16(r, "pair")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad pair index"})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Engine.PendingOrders(trader, pair))
}

func (h *handlers) getLiqPrice(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	pair, err1 := pathUint16(r, "pair")
	slot, err2 := pathUint8(r, "slot")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad path"})
		return
	}
	price, err := h.d.Engine.LiquidationPrice(trader, pair, slot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"liquidation_price": price})
}

type levelRequest struct {
	Level int64 `json:"level"`
}

func (h *handlers) updateSL(w http.ResponseWriter, r *http.Request) {
	h.updateProtection(w, r, h.d.Engine.UpdateSL)
}

func (h *handlers) updateTP(w http.ResponseWriter, r *http.Request) {
	h.updateProtection(w, r, h.d.Engine.UpdateTP)
}

func (h *handlers) updateProtection(w http.ResponseWriter, r *http.Request, fn func(string, uint16, uint8, int64) error) {
	trader := chi.URLParam(r, "trader")
	pair, err1 := pathUint16(r, "pair")
	slot, err2 := pathUint8(r, "slot")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad path"})
		return
	}
	var req levelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	if err := fn(trader, pair, slot, req.Level); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type updateOrderRequest struct {
	MinPrice   int64 `json:"min_price"`
	MaxPrice   int64 `json:"max_price"`
	TakeProfit int64 `json:"take_profit"`
	StopLoss   int64 `json:"stop_loss"`
}

func (h *handlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	pair, err1 := pathUint16(r, "pair")
	slot, err2 := pathUint8(r, "slot")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad path"})
		return
	}
	var req updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	if err := h.d.Engine.UpdateOpenLimitOrder(trader, pair, slot, req.MinPrice, req.MaxPrice, req.TakeProfit, req.StopLoss); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	pair, err1 := pathUint16(r, "pair")
	slot, err2 := pathUint8(r, "slot")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad path"})
		return
	}
	outcome, err := h.d.Engine.CancelOpenLimitOrder(trader, pair, slot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(outcome))
}

func (h *handlers) getVault(w http.ResponseWriter, r *http.Request) {
	epoch := h.d.Vault.CurrentEpoch()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"share_price":  h.d.Vault.SharePrice(),
		"assets":       h.d.Vault.Assets(),
		"total_shares": h.d.Vault.TotalShares(),
		"pending_pnl":  h.d.Vault.PendingPnl(),
		"epoch_id":     epoch.ID,
		"epoch_start":  epoch.Start,
	})
}

func (h *handlers) previewVault(w http.ResponseWriter, r *http.Request) {
	assets := queryInt64(r, "assets", 0)
	shares := queryInt64(r, "shares", 0)
	out := map[string]int64{
		"deposit_shares":  h.d.Vault.PreviewDeposit(assets),
		"mint_assets":     h.d.Vault.PreviewMint(shares),
		"redeem_assets":   h.d.Vault.PreviewRedeem(shares),
		"withdraw_shares": h.d.Vault.PreviewWithdraw(assets),
	}
	if lock := queryInt64(r, "lock_duration_micros", 0); lock > 0 {
		if discountP, err := h.d.Vault.PreviewDiscountP(lock); err == nil {
			out["discount_p"] = discountP
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type vaultAmountRequest struct {
	Owner  string `json:"owner"`
	Assets int64  `json:"assets,omitempty"`
	Shares int64  `json:"shares,omitempty"`
}

func (h *handlers) vaultDeposit(w http.ResponseWriter, r *http.Request) {
	var req vaultAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	now := time.Now().UnixMicro()
	if req.Shares > 0 {
		assets, err := h.d.Vault.Mint(req.Shares, req.Owner, now)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"assets": assets, "shares": req.Shares})
		return
	}
	shares, err := h.d.Vault.Deposit(req.Assets, req.Owner, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"assets": req.Assets, "shares": shares})
}

func (h *handlers) withdrawRequest(w http.ResponseWriter, r *http.Request) {
	var req vaultAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	unlockEpoch, err := h.d.Vault.MakeWithdrawRequest(req.Shares, req.Owner, time.Now().UnixMicro())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unlock_epoch": unlockEpoch})
}

func (h *handlers) vaultRedeem(w http.ResponseWriter, r *http.Request) {
	var req vaultAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	now := time.Now().UnixMicro()
	if req.Assets > 0 {
		shares, err := h.d.Vault.Withdraw(req.Assets, req.Owner, now)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"assets": req.Assets, "shares": shares})
		return
	}
	assets, err := h.d.Vault.Redeem(req.Shares, req.Owner, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"assets": assets, "shares": req.Shares})
}

type lockedDepositRequest struct {
	Owner        string `json:"owner"`
	Assets       int64  `json:"assets"`
	LockDuration int64  `json:"lock_duration_micros"`
}

func (h *handlers) lockedDeposit(w http.ResponseWriter, r *http.Request) {
	var req lockedDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	ld, err := h.d.Vault.DepositWithDiscountAndLock(req.Assets, req.LockDuration, req.Owner, time.Now().UnixMicro())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ld)
}

func (h *handlers) unlockDeposit(w http.ResponseWriter, r *http.Request) {
	claim := chi.URLParam(r, "claim")
	shares, err := h.d.Vault.UnlockDeposit(claim, time.Now().UnixMicro())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"shares": shares})
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *handlers) transferLocked(w http.ResponseWriter, r *http.Request) {
	claim := chi.URLParam(r, "claim")
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	if err := h.d.Vault.TransferLockedDeposit(claim, req.From, req.To); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) getEscrow(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	writeJSON(w, http.StatusOK, map[string]int64{"balance": h.d.Escrow.Balance(trader)})
}

func (h *handlers) claimEscrow(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	writeJSON(w, http.StatusOK, map[string]int64{"claimed": h.d.Escrow.ClaimAll(trader)})
}

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	limit := int(queryInt64(r, "limit", 50))

	var pair *int32
	if s := r.URL.Query().Get("pair"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 32); err == nil {
			p := int32(v)
			pair = &p
		}
	}
	var before *int64
	if s := r.URL.Query().Get("before_block"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			before = &v
		}
	}

	entries, err := h.d.Query.TradeHistory(r.Context(), trader, pair, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) getEvents(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	limit := int(queryInt64(r, "limit", 50))

	var before *int64
	if s := r.URL.Query().Get("before_sequence"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			before = &v
		}
	}

	entries, err := h.d.Query.Events(r.Context(), trader, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) getStats(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	stats, err := h.d.Query.Stats(r.Context(), trader)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type fundingParamsBody struct {
	FeePerBlock int64 `json:"fee_per_block"`
	FeeExponent int   `json:"fee_exponent"`
	MaxOI       int64 `json:"max_oi"`
}

func (b fundingParamsBody) toParams() funding.Params {
	return funding.Params{FeePerBlock: b.FeePerBlock, FeeExponent: b.FeeExponent, MaxOI: b.MaxOI}
}

type addGroupRequest struct {
	Index          uint16            `json:"index"`
	Name           string            `json:"name"`
	MinLeverage    int64             `json:"min_leverage"`
	MaxLeverage    int64             `json:"max_leverage"`
	MaxCollateralP int64             `json:"max_collateral_p"`
	Funding        fundingParamsBody `json:"funding"`
}

func (h *handlers) addGroup(w http.ResponseWriter, r *http.Request) {
	var req addGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	err := h.d.Engine.RegisterGroup(registry.Group{
		Index:          req.Index,
		Name:           req.Name,
		MinLeverage:    req.MinLeverage,
		MaxLeverage:    req.MaxLeverage,
		MaxCollateralP: req.MaxCollateralP,
	}, req.Funding.toParams())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"config_version": h.d.Registry.Version()})
}

func (h *handlers) addFee(w http.ResponseWriter, r *http.Request) {
	var f registry.Fee
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	if err := h.d.Engine.RegisterFee(f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"config_version": h.d.Registry.Version()})
}

type addPairRequest struct {
	Index              uint16            `json:"index"`
	From               string            `json:"from"`
	To                 string            `json:"to"`
	GroupIndex         uint16            `json:"group_index"`
	FeeIndex           uint16            `json:"fee_index"`
	SpreadP            int64             `json:"spread_p"`
	OnePercentDepth    int64             `json:"one_percent_depth"`
	ImpactWindowBlocks int64             `json:"impact_window_blocks"`
	LiqThresholdP      int64             `json:"liq_threshold_p"`
	Funding            fundingParamsBody `json:"funding"`
}

func (h *handlers) addPair(w http.ResponseWriter, r *http.Request) {
	var req addPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	err := h.d.Engine.RegisterPair(registry.Pair{
		Index:              req.Index,
		From:               req.From,
		To:                 req.To,
		GroupIndex:         req.GroupIndex,
		FeeIndex:           req.FeeIndex,
		SpreadP:            req.SpreadP,
		OnePercentDepth:    req.OnePercentDepth,
		ImpactWindowBlocks: req.ImpactWindowBlocks,
		LiqThresholdP:      req.LiqThresholdP,
	}, req.Funding.toParams())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"config_version": h.d.Registry.Version()})
}

// outcomeJSON flattens an Outcome for the wire.
func outcomeJSON(o trading.Outcome) map[string]interface{} {
	out := map[string]interface{}{
		"kind":     o.Kind.String(),
		"order_id": o.OrderID,
	}
	if o.Kind == trading.OutcomeCanceled {
		out["reason"] = o.Reason.String()
	}
	if o.Trade != nil {
		out["trade"] = o.Trade
	}
	if o.Payout != 0 {
		out["payout"] = o.Payout
	}
	if o.ExecutionPrice != 0 {
		out["execution_price"] = o.ExecutionPrice
	}
	return out
}
