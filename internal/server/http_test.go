package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/service"
)

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHandlerGetDecision(t *testing.T) {
	svc := &fakeService{
		getDecisionFunc: func(_ context.Context, key string) (repository.Decision, error) {
			if key != "pro-tour" {
				t.Fatalf("GetDecision key = %q, want %q", key, "pro-tour")
			}
			return repository.Decision{
				Key:         "pro-tour",
				Description: "tour for pro users",
				Enabled:     true,
				Document:    json.RawMessage(`{"key":"pro-tour"}`),
			}, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodGet, "/v1/decisions/pro-tour", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got repository.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Key != "pro-tour" {
		t.Fatalf("response key = %q, want %q", got.Key, "pro-tour")
	}
}

func TestHTTPHandlerListDecisions(t *testing.T) {
	svc := &fakeService{
		listDecisionsFunc: func(context.Context) ([]repository.Decision, error) {
			return []repository.Decision{{Key: "pro-tour", Enabled: true}}, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodGet, "/v1/decisions", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got []repository.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 1 || got[0].Key != "pro-tour" {
		t.Fatalf("response = %#v, want single pro-tour decision", got)
	}
}

func TestHTTPHandlerServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"invalid definition", fmt.Errorf("%w: unknown strategy", service.ErrInvalidDefinition), http.StatusBadRequest, "invalid definition"},
		{"key required", service.ErrKeyRequired, http.StatusBadRequest, "key is required"},
		{"exists", service.ErrDecisionExists, http.StatusConflict, "decision already exists"},
		{"not found", service.ErrDecisionNotFound, http.StatusNotFound, "decision not found"},
		{"canceled", context.Canceled, http.StatusRequestTimeout, "request canceled"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{
				createDecisionFunc: func(context.Context, repository.Decision) (repository.Decision, error) {
					return repository.Decision{}, tc.err
				},
			}

			rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/decisions", `{"document":{"key":"x"}}`)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if body["error"] != tc.wantError {
				t.Fatalf("error = %q, want %q", body["error"], tc.wantError)
			}
			if tc.wantError == "internal server error" && strings.Contains(rec.Body.String(), "connection reset") {
				t.Fatalf("internal error detail leaked: %q", rec.Body.String())
			}
		})
	}
}

func TestHTTPHandlerInvalidDefinitionIncludesDetail(t *testing.T) {
	svc := &fakeService{
		createDecisionFunc: func(context.Context, repository.Decision) (repository.Decision, error) {
			return repository.Decision{}, fmt.Errorf("%w: unknown strategy %q", service.ErrInvalidDefinition, "coin_flip")
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/decisions", `{"document":{}}`)

	if !strings.Contains(rec.Body.String(), "coin_flip") {
		t.Fatalf("body = %q, want detail naming the bad strategy", rec.Body.String())
	}
}

func TestHTTPHandlerCreateDecisionOversizedBody(t *testing.T) {
	svc := &fakeService{
		createDecisionFunc: func(context.Context, repository.Decision) (repository.Decision, error) {
			t.Fatal("CreateDecision should not be called for oversized request bodies")
			return repository.Decision{}, nil
		},
	}

	body := `{"key":"pro-tour","description":"` + strings.Repeat("a", 64) + `"}`
	rec := serve(NewHTTPHandler(svc, WithMaxJSONBodySize(32)), http.MethodPost, "/v1/decisions", body)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestHTTPHandlerRejectsUnknownFields(t *testing.T) {
	svc := &fakeService{}
	rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/decisions", `{"key":"a","rules":[]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerUpdateDecisionKeyMismatch(t *testing.T) {
	svc := &fakeService{
		updateDecisionFunc: func(context.Context, repository.Decision) (repository.Decision, error) {
			t.Fatal("UpdateDecision should not be called on key mismatch")
			return repository.Decision{}, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodPut, "/v1/decisions/a", `{"key":"b"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerUpdateDecisionUsesPathKey(t *testing.T) {
	var gotKey string
	svc := &fakeService{
		updateDecisionFunc: func(_ context.Context, d repository.Decision) (repository.Decision, error) {
			gotKey = d.Key
			return d, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodPut, "/v1/decisions/pro-tour", `{"enabled":true,"document":{}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotKey != "pro-tour" {
		t.Fatalf("UpdateDecision key = %q, want path key", gotKey)
	}
}

func TestHTTPHandlerDeleteDecision(t *testing.T) {
	svc := &fakeService{
		deleteDecisionFunc: func(_ context.Context, key string) error {
			if key != "pro-tour" {
				t.Fatalf("DeleteDecision key = %q", key)
			}
			return nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodDelete, "/v1/decisions/pro-tour", "")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestHTTPHandlerDecideSingle(t *testing.T) {
	svc := &fakeService{
		decideFunc: func(_ context.Context, req service.DecideRequest) (service.DecideResult, error) {
			if req.Key != "pro-tour" || req.Subject != "user-1" {
				t.Fatalf("Decide request = %+v", req)
			}
			if plan, _ := req.Context.String("plan"); plan != "pro" {
				t.Fatalf("Decide context plan = %q, want pro", plan)
			}
			if req.Default != false {
				t.Fatalf("Decide default = %v, want false", req.Default)
			}
			return service.DecideResult{Key: req.Key, Value: true, Matched: true, Reason: service.ReasonMatched}, nil
		},
	}

	body := `{"key":"pro-tour","subject":"user-1","context":{"user_data":{"plan":"pro"}},"default":false}`
	rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/decide", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var got service.DecideResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Value != true || got.Reason != service.ReasonMatched {
		t.Fatalf("result = %+v, want matched true", got)
	}
}

func TestHTTPHandlerDecideUnknownKeyReturnsDefault(t *testing.T) {
	svc := &fakeService{
		decideFunc: func(_ context.Context, req service.DecideRequest) (service.DecideResult, error) {
			return service.DecideResult{Key: req.Key, Value: req.Default, Reason: service.ReasonNotFound}, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/decide", `{"key":"missing","default":"off"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var got service.DecideResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Value != "off" || got.Reason != service.ReasonNotFound || got.Matched {
		t.Fatalf("result = %+v, want default with reason %q", got, service.ReasonNotFound)
	}
}

func TestHTTPHandlerDecideBatch(t *testing.T) {
	svc := &fakeService{
		decideBatchFunc: func(_ context.Context, keys []string, subject string, _ core.EvaluationContext, defaults map[string]any) ([]service.DecideResult, error) {
			if len(keys) != 2 || subject != "user-1" {
				t.Fatalf("DecideBatch keys = %v subject = %q", keys, subject)
			}
			if defaults["banner"] != "none" {
				t.Fatalf("DecideBatch defaults = %v", defaults)
			}
			return []service.DecideResult{
				{Key: "pro-tour", Value: true, Reason: service.ReasonMatched},
				{Key: "banner", Value: "none", Reason: service.ReasonNotFound},
			}, nil
		},
	}

	body := `{"keys":["pro-tour","banner"],"subject":"user-1","defaults":{"banner":"none"}}`
	rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/decide", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got decideJSONBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Results) != 2 || got.Results[1].Reason != service.ReasonNotFound {
		t.Fatalf("results = %+v", got.Results)
	}
}

func TestHTTPHandlerDecideValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"neither key nor keys", `{}`},
		{"both key and keys", `{"key":"a","keys":["b"]}`},
		{"blank batch key", `{"keys":["a"," "]}`},
		{"malformed context", `{"key":"a","context":[]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(NewHTTPHandler(&fakeService{}), http.MethodPost, "/v1/decide", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHTTPHandlerRecordSample(t *testing.T) {
	var got repository.Sample
	svc := &fakeService{
		recordSampleFunc: func(_ context.Context, s repository.Sample) (repository.Sample, error) {
			got = s
			s.ID = 7
			return s, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodPost, "/v1/samples", `{"series":"latency","value":0}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got.Series != "latency" || got.Value != 0 {
		t.Fatalf("RecordSample sample = %+v", got)
	}
	if !got.RecordedAt.IsZero() {
		t.Fatalf("RecordedAt = %v, want zero so the database stamps it", got.RecordedAt)
	}
}

func TestHTTPHandlerRecordSampleRequiresValue(t *testing.T) {
	rec := serve(NewHTTPHandler(&fakeService{}), http.MethodPost, "/v1/samples", `{"series":"latency"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerListEvents(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, since int64) ([]repository.DecisionEvent, error) {
			if since != 4 {
				t.Fatalf("ListEventsSince since = %d, want 4", since)
			}
			return nil, nil
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodGet, "/v1/events?since=4", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("body = %q, want empty array", rec.Body.String())
	}

	rec = serve(NewHTTPHandler(svc), http.MethodGet, "/v1/events?since=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative since status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerAuthWrapsOnlyAPIRoutes(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("decidez_up 1\n"))
	})
	handler := NewHTTPHandler(&fakeService{}, WithAuth(deny), WithMetricsHandler(metricsHandler))

	if rec := serve(handler, http.MethodGet, "/v1/decisions", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/v1/decisions status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := serve(handler, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := serve(handler, http.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), "decidez_up") {
		t.Fatalf("/metrics body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerHealthCheck(t *testing.T) {
	healthy := true
	handler := NewHTTPHandler(&fakeService{}, WithHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("db down")
	}))

	if rec := serve(handler, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d, want %d", rec.Code, http.StatusOK)
	}
	healthy = false
	if rec := serve(handler, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHTTPHandlerMetricsAbsentWithoutHandler(t *testing.T) {
	if rec := serve(NewHTTPHandler(&fakeService{}), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerStreamReplaysFromLastEventID(t *testing.T) {
	sinceCalls := make([]int64, 0)
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, since int64) ([]repository.DecisionEvent, error) {
			sinceCalls = append(sinceCalls, since)
			if since != 1 {
				return nil, nil
			}
			return []repository.DecisionEvent{
				{
					EventID:     2,
					DecisionKey: "pro-tour",
					EventType:   service.EventTypeUpdated,
					Payload:     json.RawMessage(`{"key":"pro-tour","enabled":true}`),
				},
				{
					EventID:     3,
					DecisionKey: "old-tour",
					EventType:   service.EventTypeDeleted,
					Payload:     json.RawMessage(`{"key":"old-tour"}`),
				},
			}, nil
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if len(sinceCalls) == 0 || sinceCalls[0] != 1 {
		t.Fatalf("first ListEventsSince call = %#v, want first value %d", sinceCalls, 1)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "id: 2") || !strings.Contains(body, "event: update") {
		t.Fatalf("stream body missing update event: %q", body)
	}
	if !strings.Contains(body, "id: 3") || !strings.Contains(body, "event: delete") {
		t.Fatalf("stream body missing delete event: %q", body)
	}
}

func TestHTTPHandlerStreamRejectsInvalidLastEventID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Last-Event-ID", "abc")
	rec := httptest.NewRecorder()
	NewHTTPHandler(&fakeService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerStreamCompactsPayloadToSingleDataLine(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, since int64) ([]repository.DecisionEvent, error) {
			if since != 0 {
				return nil, nil
			}
			return []repository.DecisionEvent{
				{
					EventID:     1,
					DecisionKey: "pro-tour",
					EventType:   service.EventTypeUpdated,
					Payload:     json.RawMessage("{\n  \"key\": \"pro-tour\",\n  \"enabled\": true\n}"),
				},
			}, nil
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"key":"pro-tour","enabled":true}`) {
		t.Fatalf("stream body missing compact payload: %q", body)
	}
	if strings.Contains(body, "data: {\n") {
		t.Fatalf("stream body should not contain multiline data payload: %q", body)
	}
}

func TestHTTPHandlerStreamInitialFetchErrorReturnsHTTPError(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(context.Context, int64) ([]repository.DecisionEvent, error) {
			return nil, errors.New("backend failure")
		},
	}

	rec := serve(NewHTTPHandler(svc), http.MethodGet, "/v1/stream", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), `"error":"internal server error"`) {
		t.Fatalf("body = %q, want internal server error json", rec.Body.String())
	}
}

func TestHTTPHandlerStreamFlushesHeadersWithoutInitialEvents(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(context.Context, int64) ([]repository.DecisionEvent, error) {
			return nil, nil
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want %q", got, "text/event-stream")
	}
	if !rec.Flushed {
		t.Fatal("stream should flush headers even without initial events")
	}
}

func TestHTTPHandlerStreamSendsSSEErrorAfterStartOnBackendFailure(t *testing.T) {
	callCount := 0
	svc := &fakeService{
		listEventsSinceFunc: func(context.Context, int64) ([]repository.DecisionEvent, error) {
			callCount++
			switch callCount {
			case 1:
				return []repository.DecisionEvent{
					{
						EventID:     1,
						DecisionKey: "pro-tour",
						EventType:   service.EventTypeUpdated,
						Payload:     json.RawMessage(`{"key":"pro-tour","enabled":true}`),
					},
				}, nil
			case 2:
				return nil, errors.New("backend failure")
			default:
				return nil, nil
			}
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx))

	body := rec.Body.String()
	if !strings.Contains(body, "event: update") {
		t.Fatalf("stream body missing update event: %q", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Fatalf("stream body missing error event: %q", body)
	}
	if !strings.Contains(body, `data: {"error":"internal server error"}`) {
		t.Fatalf("stream body missing error payload: %q", body)
	}
}
