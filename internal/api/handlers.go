package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/ingest"
	"github.com/sells-group/tripjoin/internal/matcher"
	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/resilience"
)

const (
	defaultDLQLimit = 100
	maxDLQLimit     = 1000
)

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	Store    eventstore.Store
	Ingestor *ingest.Ingestor
	Matcher  *matcher.Matcher
	// Dispatcher is optional; when nil /v1/stats reports only dead letters.
	Dispatcher *matcher.Dispatcher
}

// NewHandler creates a Handler.
func NewHandler(s eventstore.Store, in *ingest.Ingestor, m *matcher.Matcher) *Handler {
	return &Handler{Store: s, Ingestor: in, Matcher: m}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Dispatcher  *matcher.DispatchStats `json:"dispatcher,omitempty"`
	DeadLetters map[string]int         `json:"dead_letters"`
	// StoreCircuit is the breaker state when the store is guarded.
	StoreCircuit string `json:"store_circuit,omitempty"`
}

// Health pings the event store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestEvents accepts a JSON array or NDJSON batch of trip events. The
// response is 200 when every event was accepted or was a duplicate, and 207
// when some were rejected or failed.
func (h *Handler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	events, err := ingest.DecodeBatch(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch", err)
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch", nil)
		return
	}

	res := h.Ingestor.Ingest(r.Context(), events)
	status := http.StatusOK
	if res.PartialFailure() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

// GetTrip returns the derived state of a trip and its stored items.
func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")
	view, err := h.Matcher.TripState(r.Context(), tripID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read trip", err)
		return
	}
	if view.State == model.TripNoFacts {
		writeError(w, http.StatusNotFound, "trip not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListDeadLetters lists dead letters, filtered by ?stage, ?error_type and ?limit.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultDLQLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDLQLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	entries, err := h.Store.ListDLQ(r.Context(), resilience.DLQFilter{
		Stage:     q.Get("stage"),
		ErrorType: q.Get("error_type"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters", err)
		return
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RemoveDeadLetter deletes one dead letter after an operator has handled it.
func (h *Handler) RemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.RemoveDLQ(r.Context(), id); err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to remove dead letter", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats reports dispatcher counters and dead-letter depth per stage.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Store.CountDLQ(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count dead letters", err)
		return
	}
	resp := StatsResponse{DeadLetters: counts}
	if h.Dispatcher != nil {
		s := h.Dispatcher.Stats()
		resp.Dispatcher = &s
	}
	if g, ok := h.Store.(*eventstore.Guard); ok {
		resp.StoreCircuit = g.Breaker().State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("write response", zap.String("component", "api"), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
