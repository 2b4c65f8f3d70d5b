package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/ashiato/internal/auth"
	"github.com/ashita-ai/ashiato/internal/model"
	"github.com/ashita-ai/ashiato/store"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               store.Store
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// JWTMgr and Keyring are nil when authentication is disabled.
type HandlersDeps struct {
	Store               store.Store
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /v1/auth/token. Exchanges a configured ingest
// key for a short-lived JWT. Only routed when authentication is enabled.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key is required")
		return
	}

	keyID, ok := h.keyring.Verify(req.Key)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(keyID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued",
		"key_id", keyID,
		"token_exp", expiresAt,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleIngestSpans handles POST /v1/spans. The batch is written in one
// transaction; a span appearing twice in the batch keeps its last record.
func (h *Handlers) HandleIngestSpans(w http.ResponseWriter, r *http.Request) {
	var req model.IngestSpansRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if len(req.Spans) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "spans array must not be empty")
		return
	}

	now := time.Now().UTC()
	for i := range req.Spans {
		if err := model.ValidateRecord(req.Spans[i]); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("spans[%d]: %s", i, err))
			return
		}
		if req.Spans[i].CreatedAt.IsZero() {
			req.Spans[i].CreatedAt = now
		}
	}

	accepted, err := h.store.InsertBatch(r.Context(), req.Spans)
	if err != nil {
		h.writeInternalError(w, r, "failed to store spans", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.IngestSpansResponse{Accepted: accepted})
}

// HandleGetTrace handles GET /v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id is required")
		return
	}

	recs, err := h.store.GetTrace(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found: "+traceID)
			return
		}
		h.writeInternalError(w, r, "failed to load trace", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.TraceResponse{TraceID: traceID, Spans: recs})
}

// HandleListTraces handles GET /v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20)

	summaries, err := h.store.ListTraces(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list traces", err)
		return
	}
	if summaries == nil {
		summaries = []store.TraceSummary{}
	}

	writeJSON(w, r, http.StatusOK, model.ListTracesResponse{
		Traces: summaries,
		Count:  len(summaries),
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: storageStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs the underlying error and writes a generic 500 so
// storage details never leak to clients.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
