// Package server exposes the decision service over HTTP (JSON and
// server-sent events) and gRPC.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the JSON API.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	protect            func(http.Handler) http.Handler
	metricsHandler     http.Handler
	healthCheck        func(context.Context) error
}

// HTTPOption configures [NewHTTPHandler].
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls for new events.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithMaxJSONBodySize caps request bodies; larger bodies get 413.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithAuth wraps every /v1 route. /healthz and /metrics stay public.
func WithAuth(mw func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.protect = mw }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithHealthCheck makes /healthz report 503 while fn fails.
func WithHealthCheck(fn func(context.Context) error) HTTPOption {
	return func(s *HTTPServer) { s.healthCheck = fn }
}

type decideJSONRequest struct {
	Key      string                 `json:"key,omitempty"`
	Keys     []string               `json:"keys,omitempty"`
	Subject  string                 `json:"subject,omitempty"`
	Context  core.EvaluationContext `json:"context"`
	Default  any                    `json:"default,omitempty"`
	Defaults map[string]any         `json:"defaults,omitempty"`
}

type decideJSONBatchResponse struct {
	Results []service.DecideResult `json:"results"`
}

type sampleJSONRequest struct {
	Series     string    `json:"series"`
	Value      *float64  `json:"value"`
	RecordedAt time.Time `json:"recorded_at,omitzero"`
}

// NewHTTPHandler builds the HTTP API around svc. Routes are registered with
// method patterns so r.Pattern is available to outer middleware.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	s := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	protected := func(fn http.HandlerFunc) http.Handler {
		if s.protect == nil {
			return fn
		}
		return s.protect(fn)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/decisions", protected(s.handleCreateDecision))
	mux.Handle("GET /v1/decisions", protected(s.handleListDecisions))
	mux.Handle("GET /v1/decisions/{key}", protected(s.handleGetDecision))
	mux.Handle("PUT /v1/decisions/{key}", protected(s.handleUpdateDecision))
	mux.Handle("DELETE /v1/decisions/{key}", protected(s.handleDeleteDecision))
	mux.Handle("POST /v1/decide", protected(s.handleDecide))
	mux.Handle("POST /v1/samples", protected(s.handleRecordSample))
	mux.Handle("GET /v1/events", protected(s.handleListEvents))
	mux.Handle("GET /v1/stream", protected(s.handleStream))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var d repository.Decision
	if err := s.decodeJSONBody(w, r, &d); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateDecision(r.Context(), d)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	d, err := s.service.GetDecision(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.service.ListDecisions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decisions)
}

func (s *HTTPServer) handleUpdateDecision(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var d repository.Decision
	if err := s.decodeJSONBody(w, r, &d); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(d.Key) != "" && d.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	d.Key = key

	updated, err := s.service.UpdateDecision(r.Context(), d)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteDecision(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteDecision(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var request decideJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	key := strings.TrimSpace(request.Key)
	switch {
	case len(request.Keys) > 0 && key != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or keys")
	case len(request.Keys) > 0:
		for idx, k := range request.Keys {
			if strings.TrimSpace(k) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("keys[%d] is required", idx))
				return
			}
		}
		results, err := s.service.DecideBatch(r.Context(), request.Keys, request.Subject, request.Context, request.Defaults)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decideJSONBatchResponse{Results: results})
	case key != "":
		result, err := s.service.Decide(r.Context(), service.DecideRequest{
			Key:     key,
			Subject: request.Subject,
			Context: request.Context,
			Default: request.Default,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeJSONError(w, http.StatusBadRequest, "key or keys is required")
	}
}

func (s *HTTPServer) handleRecordSample(w http.ResponseWriter, r *http.Request) {
	var request sampleJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if request.Value == nil {
		writeJSONError(w, http.StatusBadRequest, "value is required")
		return
	}

	recorded, err := s.service.RecordSample(r.Context(), repository.Sample{
		Series:     request.Series,
		Value:      *request.Value,
		RecordedAt: request.RecordedAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, recorded)
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	since, err := parseLastEventID(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid since")
		return
	}

	events, err := s.service.ListEventsSince(r.Context(), since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []repository.DecisionEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.DecisionEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", service.EventTypeUpdated:
		return "update"
	case "delete", service.EventTypeDeleted:
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDefinition), errors.Is(err, service.ErrInvalidSample):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  serviceErrorMessage(err),
			"detail": err.Error(),
		})
	case errors.Is(err, service.ErrKeyRequired):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrDecisionNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrDecisionExists):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidDefinition):
		return "invalid definition"
	case errors.Is(err, service.ErrInvalidSample):
		return "invalid sample"
	case errors.Is(err, service.ErrKeyRequired):
		return "key is required"
	case errors.Is(err, service.ErrDecisionNotFound):
		return "decision not found"
	case errors.Is(err, service.ErrDecisionExists):
		return "decision already exists"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

// compactSSEPayload keeps JSON payloads on one data line. Non-JSON payloads
// are split so no data line contains a newline.
func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSONBody(w, r, dst, s.maxJSONBodyBytes)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
