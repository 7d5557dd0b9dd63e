// Package http provides an HTTP client for the decidez decision service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	decidez "github.com/matt-riley/decidez/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the decidez server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements decidez.DecisionManager, decidez.Decider and
// decidez.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ decidez.DecisionManager = (*Client)(nil)
	_ decidez.Decider         = (*Client)(nil)
	_ decidez.Streamer        = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the decidez service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
// Message is the server's "error" field when the body is JSON.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("decidez: HTTP %d: %s: %s", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("decidez: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func newAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var wire struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
		apiErr.Message = wire.Error
		apiErr.Detail = wire.Detail
	}
	return apiErr
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("decidez: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("decidez: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends the request and decodes a successful JSON response into out,
// which may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("decidez: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decidez: decode response: %w", err)
	}
	return nil
}

func decisionPath(key string) string {
	return "/v1/decisions/" + url.PathEscape(key)
}

func (c *Client) CreateDecision(ctx context.Context, d decidez.Decision) (decidez.Decision, error) {
	var out decidez.Decision
	err := c.do(ctx, http.MethodPost, "/v1/decisions", d, &out)
	return out, err
}

func (c *Client) GetDecision(ctx context.Context, key string) (decidez.Decision, error) {
	var out decidez.Decision
	err := c.do(ctx, http.MethodGet, decisionPath(key), nil, &out)
	return out, err
}

func (c *Client) ListDecisions(ctx context.Context) ([]decidez.Decision, error) {
	var out []decidez.Decision
	if err := c.do(ctx, http.MethodGet, "/v1/decisions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateDecision(ctx context.Context, d decidez.Decision) (decidez.Decision, error) {
	var out decidez.Decision
	err := c.do(ctx, http.MethodPut, decisionPath(d.Key), d, &out)
	return out, err
}

func (c *Client) DeleteDecision(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, decisionPath(key), nil, nil)
}

// Decide evaluates one decision. On transport or server errors the result
// carries req.Default with reason "error".
func (c *Client) Decide(ctx context.Context, req decidez.DecideRequest) (decidez.DecideResult, error) {
	var out decidez.DecideResult
	if err := c.do(ctx, http.MethodPost, "/v1/decide", req, &out); err != nil {
		return decidez.DecideResult{Key: req.Key, Value: req.Default, Reason: "error"}, err
	}
	return out, nil
}

func (c *Client) DecideBatch(ctx context.Context, req decidez.BatchRequest) ([]decidez.DecideResult, error) {
	var out struct {
		Results []decidez.DecideResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/decide", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) RecordSample(ctx context.Context, s decidez.Sample) (decidez.Sample, error) {
	body := struct {
		Series     string  `json:"series"`
		Value      float64 `json:"value"`
		RecordedAt any     `json:"recorded_at,omitempty"`
	}{Series: s.Series, Value: s.Value}
	if !s.RecordedAt.IsZero() {
		body.RecordedAt = s.RecordedAt
	}

	var out decidez.Sample
	err := c.do(ctx, http.MethodPost, "/v1/samples", body, &out)
	return out, err
}

// Events lists the change log after since.
func (c *Client) Events(ctx context.Context, since int64) ([]decidez.DecisionEvent, error) {
	var wire []struct {
		EventID     int64           `json:"event_id"`
		DecisionKey string          `json:"decision_key"`
		EventType   string          `json:"event_type"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/events?since="+strconv.FormatInt(since, 10), nil, &wire); err != nil {
		return nil, err
	}

	events := make([]decidez.DecisionEvent, 0, len(wire))
	for _, w := range wire {
		ev := decidez.DecisionEvent{Type: w.EventType, Key: w.DecisionKey, EventID: w.EventID}
		var d decidez.Decision
		if len(w.Payload) > 0 && json.Unmarshal(w.Payload, &d) == nil {
			ev.Decision = &d
		}
		events = append(events, ev)
	}
	return events, nil
}

// Stream connects to the SSE stream and emits DecisionEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan decidez.DecisionEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decidez: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	ch := make(chan decidez.DecisionEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads the id, event and data fields the server emits. A blank line
// dispatches the pending event; multiple data lines are joined with "\n".
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- decidez.DecisionEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := decidez.DecisionEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var d decidez.Decision
					if json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &d) == nil {
						ev.Decision = &d
						ev.Key = d.Key
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
