// Package api exposes the billing engine over HTTP.
//
// Handlers decode and validate a JSON body, call one domain operation and
// map its error to a status code. All money is integer cents.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tempocall/billing-engine/internal/call"
	"github.com/tempocall/billing-engine/internal/commission"
	"github.com/tempocall/billing-engine/internal/events"
	"github.com/tempocall/billing-engine/internal/kyc"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/model"
	"github.com/tempocall/billing-engine/internal/payment"
	"github.com/tempocall/billing-engine/internal/store"
	"github.com/tempocall/billing-engine/internal/withdrawal"
)

// Deps are the services behind the handlers. Hub may be nil.
type Deps struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Calls       *call.Service
	Withdrawals *withdrawal.Manager
	Payments    *payment.Service
	KYC         *kyc.StoreGate
	Hub         *events.Hub
}

// Handler serves the /api/v1 routes.
type Handler struct {
	Deps
	validate *validator.Validate
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, validate: validator.New()}
}

// Routes mounts every endpoint on r. Callers mount it under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Post("/calls", h.RequestCall)
	r.Get("/calls/{callID}", h.GetCall)
	r.Post("/calls/{callID}/accept", h.AcceptCall)
	r.Post("/calls/{callID}/reject", h.RejectCall)
	r.Post("/calls/{callID}/end", h.EndCall)

	r.Get("/accounts/{accountID}/balance", h.GetBalance)
	r.Get("/accounts/{accountID}/entries", h.GetEntries)

	r.Get("/streamers/{streamerID}/available", h.GetAvailable)
	r.Get("/streamers/{streamerID}/withdrawals", h.ListWithdrawals)

	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Get("/withdrawals/{withdrawalID}", h.GetWithdrawal)
	r.Post("/withdrawals/{withdrawalID}/payout-result", h.PayoutResult)

	r.Post("/payments/confirmations", h.ConfirmPayment)

	r.Route("/admin", func(r chi.Router) {
		r.Put("/commission/{streamerID}", h.PutCommission)
		r.Put("/kyc/{streamerID}", h.PutKYC)
		r.Post("/calls/{callID}/terminate", h.TerminateCall)
		r.Post("/withdrawals/{withdrawalID}/approve", h.ApproveWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/reject", h.RejectWithdrawal)
	})
}

// --- Request types ---

// CallRequest is the body of POST /calls.
type CallRequest struct {
	ViewerID            string `json:"viewer_id" validate:"required"`
	StreamerID          string `json:"streamer_id" validate:"required,nefield=ViewerID"`
	PricePerMinuteCents int64  `json:"price_per_minute_cents" validate:"gt=0"`
}

// EndCallRequest is the body of POST /calls/{id}/end.
type EndCallRequest struct {
	EndedBy string `json:"ended_by" validate:"required,oneof=viewer streamer"`
}

// WithdrawalRequest is the body of POST /withdrawals.
// Amount and PIX fields are checked by the manager after the KYC gate.
type WithdrawalRequest struct {
	StreamerID    string `json:"streamer_id" validate:"required"`
	AmountCents   int64  `json:"amount_cents"`
	PixKey        string `json:"pix_key"`
	PixKeyType    string `json:"pix_key_type"`
	IsAnticipated bool   `json:"is_anticipated"`
}

// PayoutResultRequest is the payment provider's callback.
type PayoutResultRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason" validate:"required_without=Success"`
}

// RejectRequest carries a mandatory reason.
type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// CommissionRequest is the body of PUT /admin/commission/{streamerID}.
type CommissionRequest struct {
	BaseCommissionPct int    `json:"base_commission_pct"`
	LoyaltyBonusPct   int    `json:"loyalty_bonus_pct"`
	Notes             string `json:"notes"`
}

// KYCRequest is the body of PUT /admin/kyc/{streamerID}.
type KYCRequest struct {
	Status    string     `json:"status" validate:"required,oneof=none pending approved rejected"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// --- Calls ---

// RequestCall handles POST /api/v1/calls
func (h *Handler) RequestCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Calls.Request(r.Context(), req.ViewerID, req.StreamerID, req.PricePerMinuteCents)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCall handles GET /api/v1/calls/{callID}
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.Calls.Get(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AcceptCall handles POST /api/v1/calls/{callID}/accept
func (h *Handler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.Calls.Accept(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RejectCall handles POST /api/v1/calls/{callID}/reject
func (h *Handler) RejectCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.Calls.Reject(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// EndCall handles POST /api/v1/calls/{callID}/end
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	var req EndCallRequest
	if !h.decode(w, r, &req) {
		return
	}
	reason := model.EndViewerHangup
	if req.EndedBy == "streamer" {
		reason = model.EndStreamerHangup
	}
	c, err := h.Calls.End(r.Context(), chi.URLParam(r, "callID"), reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// TerminateCall handles POST /api/v1/admin/calls/{callID}/terminate
func (h *Handler) TerminateCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.Calls.End(r.Context(), chi.URLParam(r, "callID"), model.EndModeration)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Accounts ---

// GetBalance handles GET /api/v1/accounts/{accountID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	balance, err := h.Ledger.BalanceOf(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":    accountID,
		"balance_cents": balance,
	})
}

// GetEntries handles GET /api/v1/accounts/{accountID}/entries
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.Entries(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAvailable handles GET /api/v1/streamers/{streamerID}/available
func (h *Handler) GetAvailable(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerID")
	standard, err := h.Ledger.AvailableForWithdrawal(r.Context(), streamerID, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	anticipated, err := h.Ledger.AvailableForWithdrawal(r.Context(), streamerID, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streamer_id":       streamerID,
		"standard_cents":    standard,
		"anticipated_cents": anticipated,
	})
}

// --- Withdrawals ---

// RequestWithdrawal handles POST /api/v1/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	wr, err := h.Withdrawals.Request(r.Context(), withdrawal.RequestParams{
		StreamerID:    req.StreamerID,
		AmountCents:   req.AmountCents,
		PixKey:        req.PixKey,
		PixKeyType:    model.PixKeyType(req.PixKeyType),
		IsAnticipated: req.IsAnticipated,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{withdrawalID}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.Withdrawals.Get(r.Context(), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// ListWithdrawals handles GET /api/v1/streamers/{streamerID}/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Withdrawals.List(r.Context(), chi.URLParam(r, "streamerID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []model.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// PayoutResult handles POST /api/v1/withdrawals/{withdrawalID}/payout-result
func (h *Handler) PayoutResult(w http.ResponseWriter, r *http.Request) {
	var req PayoutResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "withdrawalID")
	var (
		wr  *model.WithdrawalRequest
		err error
	)
	if req.Success {
		wr, err = h.Withdrawals.MarkCompleted(r.Context(), id)
	} else {
		wr, err = h.Withdrawals.MarkFailed(r.Context(), id, req.Reason)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// ApproveWithdrawal handles POST /api/v1/admin/withdrawals/{withdrawalID}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.Withdrawals.Approve(r.Context(), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// RejectWithdrawal handles POST /api/v1/admin/withdrawals/{withdrawalID}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	wr, err := h.Withdrawals.Reject(r.Context(), chi.URLParam(r, "withdrawalID"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// --- Payments ---

// ConfirmPayment handles POST /api/v1/payments/confirmations
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.Confirmation
	if !h.decode(w, r, &req) {
		return
	}
	receipt, err := h.Payments.ConfirmTopUp(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// --- Admin ---

// PutCommission handles PUT /api/v1/admin/commission/{streamerID}
func (h *Handler) PutCommission(w http.ResponseWriter, r *http.Request) {
	var req CommissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := &model.CommissionProfile{
		StreamerID:        chi.URLParam(r, "streamerID"),
		BaseCommissionPct: req.BaseCommissionPct,
		LoyaltyBonusPct:   req.LoyaltyBonusPct,
		Notes:             req.Notes,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := commission.Validate(*p); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.UpsertCommissionProfile(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("commission profile updated", "streamer_id", p.StreamerID,
		"base", p.BaseCommissionPct, "loyalty", p.LoyaltyBonusPct, "effective", commission.EffectiveRate(*p))
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":        p,
		"effective_rate": commission.EffectiveRate(*p),
	})
}

// PutKYC handles PUT /api/v1/admin/kyc/{streamerID}
func (h *Handler) PutKYC(w http.ResponseWriter, r *http.Request) {
	var req KYCRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec := &model.KYCRecord{
		StreamerID: chi.URLParam(r, "streamerID"),
		Status:     model.KYCStatus(req.Status),
		ExpiresAt:  req.ExpiresAt,
	}
	if err := h.KYC.UpsertRecord(r.Context(), rec); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("kyc record updated", "streamer_id", rec.StreamerID, "status", rec.Status)
	writeJSON(w, http.StatusOK, rec)
}

// --- Helpers ---

// decode reads a JSON body into v and validates it. On failure it writes a
// 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, "invalid field: "+verrs[0].Field()+" ("+verrs[0].Tag()+")", http.StatusBadRequest)
			return false
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a domain error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *withdrawal.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ve.Message, "rule": ve.Rule})
		return
	}
	var pf *withdrawal.PayoutFailedError
	if errors.As(err, &pf) {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, withdrawal.ErrKYCRequired):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, withdrawal.ErrRateLimited):
		writeError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrCallEnded),
		errors.Is(err, call.ErrInvalidTransition),
		errors.Is(err, withdrawal.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrInvalidRequest),
		errors.Is(err, commission.ErrInvalidCommission),
		errors.Is(err, kyc.ErrInvalidStatus),
		errors.Is(err, payment.ErrInvalidConfirmation),
		errors.Is(err, withdrawal.ErrReasonRequired):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
