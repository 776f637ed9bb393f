package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/daiku/internal/eventlog"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/service/sessions"
	"github.com/ashita-ai/daiku/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	sessions            *sessions.Service
	store               storage.Store
	events              *eventlog.Buffer
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Events, Broker, OpenAPISpec.
type HandlersDeps struct {
	Sessions            *sessions.Service
	Store               storage.Store
	Events              *eventlog.Buffer
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		sessions:            d.Sessions,
		store:               d.Store,
		events:              d.Events,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleStartSession handles POST /v1/sessions. An Idempotency-Key
// header makes retries safe: the same key with the same body replays
// the original session instead of starting another run.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateRequirements(req.Requirements); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sess, created, err := h.sessions.Start(r.Context(), req.Requirements, r.Header.Get("Idempotency-Key"))
	if err != nil {
		if errors.Is(err, storage.ErrIdempotencyMismatch) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"idempotency key was already used with a different request body")
			return
		}
		h.logger.Error("start session failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start session")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, model.StartSessionResponse{
		SessionID: sess.ID,
		Phase:     sess.Phase,
		Status:    sess.Status,
		CreatedAt: sess.CreatedAt,
	})
}

// HandleListSessions handles GET /v1/sessions.
// Supports status, limit, and offset query parameters.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Limit:  queryLimit(r, 50),
		Offset: queryOffset(r),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.SessionStatus(v)
		if !model.ValidSessionStatus(status) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("invalid status filter: %q", v))
			return
		}
		opts.Status = status
	}

	sessions, total, err := h.sessions.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list sessions")
		return
	}

	writeList(w, r, sessions, total, opts.Limit, opts.Offset)
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, err, "get session")
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleSessionSummary handles GET /v1/sessions/{id}/summary.
func (h *Handlers) HandleSessionSummary(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	summary, err := h.sessions.Summary(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, err, "session summary")
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleSessionCheckpoints handles GET /v1/sessions/{id}/checkpoints.
// The response carries the chain verification verdict alongside the
// snapshots so auditors get both in one round trip.
func (h *Handlers) HandleSessionCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	chain, err := h.sessions.Checkpoints(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, r, err, "session checkpoints")
		return
	}
	writeJSON(w, r, http.StatusOK, model.CheckpointsResponse{
		SessionID:   id,
		Checkpoints: chain.Checkpoints,
		ChainValid:  chain.ChainValid,
		ChainError:  chain.ChainError,
	})
}

// HandleCancelSession handles POST /v1/sessions/{id}/cancel.
// Cancellation is cooperative: the run stops at the next step boundary,
// so the response is 202 and the caller watches for the terminal event.
func (h *Handlers) HandleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.sessions.Cancel(r.Context(), id); err != nil {
		h.writeSessionError(w, r, err, "cancel session")
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.CancelSessionResponse{
		SessionID: id,
		Status:    "cancelling",
	})
}

// HandleSessionEvents handles GET /v1/sessions/{id}/events as an SSE
// stream. Persisted events past after_seq (or the Last-Event-ID header
// on reconnect) are replayed first, then the live feed follows until
// the terminal event. The subscription is taken before the replay query
// so nothing emitted in between can fall through the gap; duplicates
// are dropped on Seq.
func (h *Handlers) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event streaming not configured")
		return
	}

	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	afterSeq := queryInt(r, "after_seq", 0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil {
			afterSeq = n
		}
	}

	live := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(id, live)

	// Snapshot the write buffer before querying the durable log. An
	// event sitting in the buffer is in the snapshot; one that flushes
	// before the query lands in the log. Taken in the other order, a
	// flush completing between the two reads would slip past both.
	var pending []model.StepEvent
	if h.events != nil {
		pending = h.events.Pending(id)
	}

	replay, err := h.sessions.Events(r.Context(), id, afterSeq)
	if err != nil {
		h.writeSessionError(w, r, err, "replay events")
		return
	}
	replay = append(replay, pending...)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Push the headers out now; a subscriber to a quiet session would
	// otherwise not see the stream open until the first event.
	if rc.Flush() != nil {
		return
	}

	lastSeq := afterSeq
	for _, ev := range replay {
		if ev.Seq <= lastSeq {
			continue
		}
		if writeSSEEvent(w, rc, ev) != nil {
			return
		}
		lastSeq = ev.Seq
		if ev.Terminal {
			return
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if writeSSEEvent(w, rc, ev) != nil {
				return
			}
			lastSeq = ev.Seq
			if ev.Terminal {
				return
			}
		}
	}
}

// writeSSEEvent frames a step event as an SSE message. The id field
// carries Seq so EventSource reconnects resume from the right place.
func writeSSEEvent(w io.Writer, rc *http.ResponseController, ev model.StepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: step\ndata: %s\n\n", ev.Seq, data); err != nil {
		return err
	}
	return rc.Flush()
}

// HandleHealthz handles GET /healthz.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.events != nil {
		bufDepth = h.events.Len()
		cap := h.events.Capacity()
		if bufDepth > cap*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > cap/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Store:         storeStatus,
		BufferDepth:   bufDepth,
		BufferStatus:  bufStatus,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions.Active()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleReadyz handles GET /readyz. Ready means the store answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.VersionResponse{Version: h.version})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeSessionError maps session service errors onto the API envelope.
func (h *Handlers) writeSessionError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
	case errors.Is(err, sessions.ErrSessionFinished):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "session already finished")
	default:
		h.logger.Error(op+" failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// --- Shared helpers ---

func sessionIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("session id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id: %s", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
// Matches the clamp the storage layer applies.
const maxQueryLimit = 200

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
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
