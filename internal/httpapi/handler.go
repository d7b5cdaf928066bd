// Package httpapi serves the exchange desk over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diyama/exchange-desk/internal/exchange"
	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/diyama/exchange-desk/internal/money"
)

const apiVersion = "v1"

const defaultMaxBodyBytes = 64 << 10

var ErrInvalidConfig = errors.New("httpapi: invalid config")

// Service is the subset of *exchange.Service the API drives.
type Service interface {
	CreateExchangeRequest(ctx context.Context, call exchange.Call, in exchange.CreateInput) (uint64, error)
	UpdateRequestStatusAdmin(ctx context.Context, call exchange.Call, requestID uint64, status exchange.Status, notes string) error
	MarkRequestCompletedByUser(ctx context.Context, call exchange.Call, requestID uint64, notes string) error
	ListRequestsForAdmin(ctx context.Context, call exchange.Call) error
	AddAdmin(ctx context.Context, call exchange.Call, who identity.Identity) error

	GetRequest(ctx context.Context, requestID uint64) (exchange.Request, error)
	ListRequests(ctx context.Context, f exchange.ListFilter) ([]exchange.Request, error)
}

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	MaxBodyBytes int64

	Now func() time.Time
}

func NewHandler(cfg Config, svc Service, log *slog.Logger) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg: cfg,
		svc: svc,
		log: log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("GET /v1/identity", h.withCaller(h.handleIdentity))
	mux.HandleFunc("POST /v1/requests", h.withCaller(h.handleCreate))
	mux.HandleFunc("GET /v1/requests", h.handleList)
	mux.HandleFunc("GET /v1/requests/{requestId}", h.handleGet)
	mux.HandleFunc("POST /v1/requests/{requestId}/status", h.withCaller(h.handleUpdateStatus))
	mux.HandleFunc("POST /v1/requests/{requestId}/complete", h.withCaller(h.handleComplete))
	mux.HandleFunc("POST /v1/admin/requests/list", h.withCaller(h.handleAdminList))
	mux.HandleFunc("POST /v1/admins", h.withCaller(h.handleAddAdmin))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks are never throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	svc     Service
	log     *slog.Logger
	limiter *ipRateLimiter
}

type callerHandler func(w http.ResponseWriter, r *http.Request, call exchange.Call)

// withCaller derives the caller identity from the bearer token.
func (h *handler) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing_bearer_token", "")
			return
		}
		caller, err := identity.FromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_bearer_token", "")
			return
		}
		next(w, r, exchange.Call{Caller: caller, At: h.cfg.Now().UTC()})
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        apiVersion,
		"sourceCurrency": money.SourceCurrency,
		"destCurrency":   money.DestCurrency,
		"rate":           money.RateKwachaPerUSDC,
		"maxSource":      money.MaxSourceAmount.String(),
	})
}

func (h *handler) handleIdentity(w http.ResponseWriter, _ *http.Request, call exchange.Call) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  apiVersion,
		"identity": call.Caller.String(),
	})
}

type createRequestBody struct {
	WalletAddress string `json:"walletAddress"`
	PhoneNumber   string `json:"phoneNumber"`
	FullName      string `json:"fullName"`
	SourceAmount  string `json:"sourceAmount"`
	Notes         string `json:"notes"`
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request, call exchange.Call) {
	body, ok := decodeJSONBody[createRequestBody](w, r, false)
	if !ok {
		return
	}
	amount, err := money.ParseAmount(body.SourceAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "source amount must be a decimal string with at most 18 fractional digits")
		return
	}

	id, err := h.svc.CreateExchangeRequest(r.Context(), call, exchange.CreateInput{
		WalletAddress: body.WalletAddress,
		PhoneNumber:   body.PhoneNumber,
		FullName:      body.FullName,
		SourceAmount:  amount,
		Notes:         body.Notes,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	req, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version": apiVersion,
		"request": newRequestView(req),
	})
}

type updateStatusBody struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (h *handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request, call exchange.Call) {
	id, ok := requestIDFromPath(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[updateStatusBody](w, r, false)
	if !ok {
		return
	}

	// An unparseable status is passed through as StatusUnknown so the service
	// still checks admin rights before rejecting it.
	status, err := exchange.ParseStatus(body.Status)
	if err != nil {
		status = exchange.StatusUnknown
	}
	if err := h.svc.UpdateRequestStatusAdmin(r.Context(), call, id, status, body.Notes); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeRequest(w, r, id)
}

type completeBody struct {
	Notes string `json:"notes"`
}

func (h *handler) handleComplete(w http.ResponseWriter, r *http.Request, call exchange.Call) {
	id, ok := requestIDFromPath(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[completeBody](w, r, true)
	if !ok {
		return
	}
	if err := h.svc.MarkRequestCompletedByUser(r.Context(), call, id, body.Notes); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeRequest(w, r, id)
}

func (h *handler) handleAdminList(w http.ResponseWriter, r *http.Request, call exchange.Call) {
	if err := h.svc.ListRequestsForAdmin(r.Context(), call); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": apiVersion,
		"ok":      true,
	})
}

type addAdminBody struct {
	Identity string `json:"identity"`
}

func (h *handler) handleAddAdmin(w http.ResponseWriter, r *http.Request, call exchange.Call) {
	body, ok := decodeJSONBody[addAdminBody](w, r, false)
	if !ok {
		return
	}
	who, err := identity.Parse(body.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", "identity must be 32 bytes of hex")
		return
	}
	if err := h.svc.AddAdmin(r.Context(), call, who); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  apiVersion,
		"identity": who.String(),
	})
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDFromPath(w, r)
	if !ok {
		return
	}
	h.writeRequest(w, r, id)
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f exchange.ListFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := exchange.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", "")
			return
		}
		f.Status = st
	}
	if raw := strings.TrimSpace(q.Get("owner")); raw != "" {
		owner, err := identity.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_owner", "")
			return
		}
		f.Owner = owner
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_after", "")
			return
		}
		f.AfterID = after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "")
			return
		}
		f.Limit = limit
	}
	f = f.Normalized()

	rows, err := h.svc.ListRequests(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	views := make([]requestView, 0, len(rows))
	for _, req := range rows {
		views = append(views, newRequestView(req))
	}
	resp := map[string]any{
		"version":  apiVersion,
		"requests": views,
	}
	if len(rows) == f.Limit {
		resp["nextAfter"] = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) writeRequest(w http.ResponseWriter, r *http.Request, id uint64) {
	req, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": apiVersion,
		"request": newRequestView(req),
	})
}

type requestView struct {
	RequestID     string `json:"requestId"`
	Owner         string `json:"owner"`
	WalletAddress string `json:"walletAddress"`
	PhoneNumber   string `json:"phoneNumber"`
	FullName      string `json:"fullName"`
	SourceAmount  string `json:"sourceAmount"`
	DestAmount    string `json:"destAmount"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt"`
	Notes         string `json:"notes"`
}

func newRequestView(r exchange.Request) requestView {
	return requestView{
		RequestID:     strconv.FormatUint(r.ID, 10),
		Owner:         r.Owner.String(),
		WalletAddress: r.WalletAddress,
		PhoneNumber:   r.PhoneNumber,
		FullName:      r.FullName,
		SourceAmount:  money.Format(r.SourceAmount),
		DestAmount:    money.Format(r.DestAmount),
		Status:        r.Status.String(),
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		Notes:         r.Notes,
	}
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	var opErr *exchange.Error
	if !errors.As(err, &opErr) {
		h.log.Error("unexpected service error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	switch opErr.Kind {
	case exchange.KindValidation:
		writeError(w, http.StatusBadRequest, "validation_failed", opErr.Msg)
	case exchange.KindAuthorization:
		writeError(w, http.StatusForbidden, "forbidden", opErr.Msg)
	case exchange.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", opErr.Msg)
	case exchange.KindInvalidState:
		writeError(w, http.StatusConflict, "invalid_state", opErr.Msg)
	default:
		h.log.Error("exchange operation failed", "op", opErr.Op, "requestID", opErr.RequestID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func requestIDFromPath(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("requestId")), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_id", "")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, code int, errCode string, msg string) {
	body := map[string]any{
		"version": apiVersion,
		"error":   errCode,
	}
	if msg != "" {
		body["message"] = msg
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBody rejects unknown fields. With allowEmpty, a missing body
// decodes to the zero value.
func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, allowEmpty bool) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return out, true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "")
			return out, false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return out, false
	}
	return out, true
}
