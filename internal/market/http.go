package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tandemx/market-engine/internal/metrics"
	"github.com/tandemx/market-engine/internal/model"
)

// Handler exposes the market service over HTTP.
type Handler struct {
	svc *Service
	hub *WSHub
}

// NewHandler creates an HTTP handler for the service. hub may be nil.
func NewHandler(svc *Service, hub *WSHub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Routes mounts the API onto a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/markets", h.createMarket)
		r.Get("/markets", h.listMarkets)
		r.Route("/markets/{marketID}", func(r chi.Router) {
			r.Get("/", h.getMarket)
			r.Post("/entries", h.registerEntry)
			r.Post("/entries/{entryID}/withdraw", h.withdrawEntry)
			r.Get("/entries/{entryID}/price", h.spotPrice)
			r.Post("/deposit", h.deposit)
			r.Post("/withdraw", h.withdraw)
			r.Post("/lifecycle", h.lifecycle)
			r.Post("/claims/primary", h.claimPrimary)
			r.Post("/claims/secondary", h.claimSecondary)
			r.Get("/journal", h.marketJournal)
		})
		r.Get("/positions/{participant}", h.positions)
		r.Get("/journal/{participant}", h.participantJournal)
		if h.hub != nil {
			r.Get("/ws", h.hub.ServeHTTP)
		}
	})
	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain rejection kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrPhaseViolation):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrInvariantBreach):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// observe records the operation metric pair for one service call.
func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, result).Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func parseProof(hexes []string) []common.Hash {
	if len(hexes) == 0 {
		return nil
	}
	proof := make([]common.Hash, len(hexes))
	for i, s := range hexes {
		proof[i] = common.HexToHash(s)
	}
	return proof
}

// --- Market endpoints ---

type createMarketRequest struct {
	Ticker          string          `json:"ticker"`
	Authority       string          `json:"authority"`
	FeeBps          int64           `json:"fee_bps"`
	BonusBps        int64           `json:"bonus_bps"`
	TargetBps       int64           `json:"target_bps"`
	CapBps          int64           `json:"cap_bps"`
	EntryDeposit    decimal.Decimal `json:"entry_deposit"`
	Floor           decimal.Decimal `json:"floor"`
	Coeff           decimal.Decimal `json:"coeff"`
	CurveScale      int64           `json:"curve_scale"`
	EligibilityRoot string          `json:"eligibility_root,omitempty"`
}

func (h *Handler) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	st, err := h.svc.CreateMarket(r.Context(), CreateMarketParams{
		Ticker:    req.Ticker,
		Authority: req.Authority,
		Params: model.MarketParams{
			FeeBps:          req.FeeBps,
			BonusBps:        req.BonusBps,
			TargetBps:       req.TargetBps,
			CapBps:          req.CapBps,
			EntryDeposit:    req.EntryDeposit,
			Floor:           req.Floor,
			Coeff:           req.Coeff,
			CurveScale:      req.CurveScale,
			EligibilityRoot: req.EligibilityRoot,
		},
	})
	observe("create_market", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) listMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Markets())
}

func (h *Handler) getMarket(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Market(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Primary endpoints ---

type registerEntryRequest struct {
	EntryID string   `json:"entry_id"`
	Owner   string   `json:"owner"`
	Proof   []string `json:"proof,omitempty"`
}

func (h *Handler) registerEntry(w http.ResponseWriter, r *http.Request) {
	var req registerEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := h.svc.RegisterEntry(r.Context(), chi.URLParam(r, "marketID"), req.EntryID, req.Owner, parseProof(req.Proof))
	observe(model.OpRegister, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type withdrawEntryRequest struct {
	Caller string `json:"caller"`
}

func (h *Handler) withdrawEntry(w http.ResponseWriter, r *http.Request) {
	var req withdrawEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := h.svc.WithdrawEntry(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "entryID"), req.Caller)
	observe(model.OpWithdrawEntry, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) spotPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.svc.SpotPrice(chi.URLParam(r, "marketID"), chi.URLParam(r, "entryID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": price.String()})
}

// --- Secondary endpoints ---

type depositRequest struct {
	EntryID     string          `json:"entry_id"`
	Participant string          `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
	Proof       []string        `json:"proof,omitempty"`
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := h.svc.Deposit(r.Context(), chi.URLParam(r, "marketID"), req.EntryID, req.Participant, req.Amount, parseProof(req.Proof))
	observe(model.OpDeposit, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type withdrawRequest struct {
	EntryID     string `json:"entry_id"`
	Participant string `json:"participant"`
	Units       int64  `json:"units"`
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := h.svc.Withdraw(r.Context(), chi.URLParam(r, "marketID"), req.EntryID, req.Participant, req.Units)
	observe(model.OpWithdraw, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Lifecycle and claims ---

type lifecycleRequest struct {
	Caller  string         `json:"caller"`
	Action  string         `json:"action"`
	Winners []model.Winner `json:"winners,omitempty"`
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	err := h.svc.Transition(r.Context(), chi.URLParam(r, "marketID"), req.Caller, req.Action, req.Winners)
	observe(model.OpTransition, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.svc.Market(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": string(st.Phase)})
}

type claimPrimaryRequest struct {
	EntryID string `json:"entry_id"`
	Caller  string `json:"caller"`
}

func (h *Handler) claimPrimary(w http.ResponseWriter, r *http.Request) {
	var req claimPrimaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	claim, err := h.svc.ClaimPrimary(r.Context(), chi.URLParam(r, "marketID"), req.EntryID, req.Caller)
	observe(model.OpClaimPrimary, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

type claimSecondaryRequest struct {
	EntryID     string `json:"entry_id"`
	Participant string `json:"participant"`
	Units       int64  `json:"units"`
}

func (h *Handler) claimSecondary(w http.ResponseWriter, r *http.Request) {
	var req claimSecondaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	claim, err := h.svc.ClaimSecondary(r.Context(), chi.URLParam(r, "marketID"), req.EntryID, req.Participant, req.Units)
	observe(model.OpClaimSecondary, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// --- Queries ---

func (h *Handler) positions(w http.ResponseWriter, r *http.Request) {
	views := h.svc.Positions(chi.URLParam(r, "participant"))
	if views == nil {
		views = []PositionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) marketJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.JournalByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) participantJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.JournalByParticipant(r.Context(), chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
