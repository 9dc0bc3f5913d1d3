package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/torii/internal/auth"
	"github.com/torii-ai/torii/internal/escalation"
	"github.com/torii-ai/torii/internal/model"
)

// Pinger reports backend connectivity. Satisfied by *storage.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for the HTTP review surface.
type Handlers struct {
	manager             *escalation.Manager
	jwtMgr              *auth.JWTManager
	reviewerKeyHash     string // Argon2id hash; empty disables token issuance
	broker              *Broker
	pinger              Pinger // nil when running in-memory
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// HandlersDeps bundles the dependencies for NewHandlers.
type HandlersDeps struct {
	Manager             *escalation.Manager
	JWTMgr              *auth.JWTManager
	ReviewerKeyHash     string
	Broker              *Broker
	Pinger              Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		manager:             deps.Manager,
		jwtMgr:              deps.JWTMgr,
		reviewerKeyHash:     deps.ReviewerKeyHash,
		broker:              deps.Broker,
		pinger:              deps.Pinger,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
		startedAt:           time.Now(),
	}
}

// HandleAuthToken handles POST /auth/token. Exchanges the reviewer
// bootstrap key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Reviewer == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer and api_key are required")
		return
	}

	if h.reviewerKeyHash == "" {
		// Hash the same way as real verification so response timing
		// does not reveal whether a reviewer key is configured.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.reviewerKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Reviewer)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleListEscalations handles GET /v1/escalations. The status query
// parameter filters the list; it defaults to the pending review queue.
func (h *Handlers) HandleListEscalations(w http.ResponseWriter, r *http.Request) {
	status := model.EscalationStatus(r.URL.Query().Get("status"))

	var (
		reqs []model.EscalationRequest
		err  error
	)
	switch status {
	case "", model.EscalationPending:
		reqs, err = h.manager.ListPending(r.Context())
	case model.EscalationApproved, model.EscalationRejected, model.EscalationModified, model.EscalationTimeout:
		reqs, err = h.manager.ListByStatus(r.Context(), status)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status")
		return
	}
	if err != nil {
		h.logger.Error("list escalations", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list escalations")
		return
	}

	writeJSON(w, r, http.StatusOK, reqs)
}

// HandleGetEscalation handles GET /v1/escalations/{id}.
func (h *Handlers) HandleGetEscalation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid escalation id")
		return
	}

	req, err := h.manager.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, escalation.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "escalation not found")
			return
		}
		h.logger.Error("get escalation", "error", err, "escalation_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get escalation")
		return
	}

	writeJSON(w, r, http.StatusOK, req)
}

// HandleResolveEscalation handles POST /v1/escalations/{id}/resolve.
// The reviewer picks approved, rejected, or modified; timeout is
// reserved for the sweeper.
func (h *Handlers) HandleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid escalation id")
		return
	}

	var req model.ResolveEscalationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	switch req.Status {
	case model.EscalationApproved, model.EscalationRejected, model.EscalationModified:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"status must be approved, rejected, or modified")
		return
	}

	resolved, err := h.manager.Resolve(r.Context(), id, req.Status, req.Decision, req.Feedback)
	if err != nil {
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "escalation not found")
		case errors.Is(err, escalation.ErrAlreadyResolved):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "escalation already resolved")
		case errors.Is(err, escalation.ErrInvalidResolution):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid resolution status")
		default:
			h.logger.Error("resolve escalation", "error", err, "escalation_id", id)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to resolve escalation")
		}
		return
	}

	if claims := ClaimsFromContext(r.Context()); claims != nil {
		h.logger.Info("escalation resolved by reviewer",
			"escalation_id", id, "status", resolved.Status, "reviewer", claims.Reviewer)
	}

	writeJSON(w, r, http.StatusOK, resolved)
}

// HandleEvents handles GET /v1/events as a Server-Sent Events stream of
// escalation lifecycle events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "in-memory"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.pinger != nil {
		pgStatus = "connected"
		if err := h.pinger.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	pending := 0
	if reqs, err := h.manager.ListPending(r.Context()); err == nil {
		pending = len(reqs)
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Pending:  pending,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}
