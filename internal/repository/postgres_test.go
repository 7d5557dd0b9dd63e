package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestNormalizeNotifyChannel(t *testing.T) {
	t.Run("defaults when empty", func(t *testing.T) {
		if got := normalizeNotifyChannel(""); got != defaultNotifyChannel {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, defaultNotifyChannel)
		}
	})

	t.Run("trims non-empty values", func(t *testing.T) {
		if got := normalizeNotifyChannel("  custom_events  "); got != "custom_events" {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, "custom_events")
		}
	})
}

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, "{}")); got != "{}" {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, "{}")
	}

	if got := string(ensureJSON(json.RawMessage(`{"a":1}`), "{}")); got != `{"a":1}` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `{"a":1}`)
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(DecisionEvent{
		EventID:     7,
		DecisionKey: "checkout-v2",
		EventType:   "updated",
		Payload:     json.RawMessage(`{"strategy":"boolean"}`),
	})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var message map[string]any
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		t.Fatalf("unmarshal notify payload: %v", err)
	}

	if message["decision_key"] != "checkout-v2" || message["event_type"] != "updated" || message["event_id"] != 7.0 {
		t.Fatalf("unexpected notify payload envelope: %+v", message)
	}
	if _, ok := message["payload"]; ok {
		t.Fatal("notify payload must not carry the event body")
	}
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("decision_events"); got != `LISTEN "decision_events"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "decision_events"`)
	}
}

func TestNoRowsAffected(t *testing.T) {
	if err := noRowsAffected("delete decision", pgconn.NewCommandTag("DELETE 1")); err != nil {
		t.Fatalf("noRowsAffected(delete 1) error = %v, want nil", err)
	}

	err := noRowsAffected("delete decision", pgconn.NewCommandTag("DELETE 0"))
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("noRowsAffected(delete 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
	if got := err.Error(); got != "delete decision: no rows in result set" {
		t.Fatalf("noRowsAffected(delete 0) message = %q", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("isUniqueViolation(23505) = false, want true")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23502"}) {
		t.Fatal("isUniqueViolation(23502) = true, want false")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatal("isUniqueViolation(plain error) = true, want false")
	}
}

func TestGenerateRandomHex(t *testing.T) {
	a, err := generateRandomHex(16)
	if err != nil {
		t.Fatalf("generateRandomHex() error = %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len(generateRandomHex(16)) = %d, want 32", len(a))
	}
	b, _ := generateRandomHex(16)
	if a == b {
		t.Fatal("generateRandomHex() returned the same value twice")
	}
}
