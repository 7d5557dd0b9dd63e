// Package repository provides PostgreSQL-backed persistence for decision
// definitions, their change events, sample series, and API keys. Decision
// changes are broadcast over LISTEN/NOTIFY so every replica reloads its
// compiled decisions without polling.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "decision_events"
	maxEventBatchSize    = 1000
	uniqueViolationCode  = "23505"
)

// ErrDuplicateKey is returned (wrapped) when a decision key is already taken.
var ErrDuplicateKey = errors.New("duplicate key")

// Decision is a stored decision definition. Document holds the JSON form of
// the definition; the service layer compiles it.
type Decision struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Document    json.RawMessage `json:"document"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DecisionEvent records a change to a decision.
type DecisionEvent struct {
	EventID     int64           `json:"event_id"`
	DecisionKey string          `json:"decision_key"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PostgresRepository implements decision, event, sample and API key
// persistence on a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "decision_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] that notifies
// on the given channel.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const decisionColumns = `key, description, enabled, document, created_at, updated_at`

func scanDecision(row pgx.Row) (Decision, error) {
	var d Decision
	err := row.Scan(
		&d.Key,
		&d.Description,
		&d.Enabled,
		&d.Document,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

// CreateDecision inserts a decision and returns it with server timestamps.
func (r *PostgresRepository) CreateDecision(ctx context.Context, d Decision) (Decision, error) {
	created, err := scanDecision(r.pool.QueryRow(ctx, `
		INSERT INTO decisions (key, description, enabled, document)
		VALUES ($1, $2, $3, $4)
		RETURNING `+decisionColumns,
		d.Key,
		d.Description,
		d.Enabled,
		ensureJSON(d.Document, "{}"),
	))
	if isUniqueViolation(err) {
		return Decision{}, fmt.Errorf("create decision %q: %w", d.Key, ErrDuplicateKey)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("create decision: %w", err)
	}
	return created, nil
}

// UpdateDecision replaces an existing decision. Returns pgx.ErrNoRows
// (wrapped) if the key does not exist.
func (r *PostgresRepository) UpdateDecision(ctx context.Context, d Decision) (Decision, error) {
	updated, err := scanDecision(r.pool.QueryRow(ctx, `
		UPDATE decisions
		SET description = $2,
		    enabled = $3,
		    document = $4,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+decisionColumns,
		d.Key,
		d.Description,
		d.Enabled,
		ensureJSON(d.Document, "{}"),
	))
	if err != nil {
		return Decision{}, fmt.Errorf("update decision: %w", err)
	}
	return updated, nil
}

// GetDecision returns the decision stored under key. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetDecision(ctx context.Context, key string) (Decision, error) {
	d, err := scanDecision(r.pool.QueryRow(ctx, `
		SELECT `+decisionColumns+`
		FROM decisions
		WHERE key = $1
	`, key))
	if err != nil {
		return Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns every decision ordered by key.
func (r *PostgresRepository) ListDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+decisionColumns+`
		FROM decisions
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions rows: %w", err)
	}

	return decisions, nil
}

// DeleteDecision removes a decision. Returns pgx.ErrNoRows (wrapped) if the
// key does not exist.
func (r *PostgresRepository) DeleteDecision(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM decisions WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete decision: %w", err)
	}
	return noRowsAffected("delete decision", commandTag)
}

// ListEventsSince returns up to 1000 events with IDs greater than eventID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]DecisionEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, decision_key, event_type, payload, created_at
		FROM decision_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]DecisionEvent, 0)
	for rows.Next() {
		var event DecisionEvent
		if err := rows.Scan(
			&event.EventID,
			&event.DecisionKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishDecisionEvent inserts an event and sends a NOTIFY on the configured
// channel within one transaction.
func (r *PostgresRepository) PublishDecisionEvent(ctx context.Context, event DecisionEvent) (DecisionEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created DecisionEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO decision_events (decision_key, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, decision_key, event_type, payload, created_at
	`,
		event.DecisionKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.DecisionKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return DecisionEvent{}, fmt.Errorf("insert decision event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return DecisionEvent{}, fmt.Errorf("notify decision event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DecisionEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeDecisionInvalidation returns a channel that receives a signal for
// every notification on the LISTEN channel. Lost connections are retried every
// second; the channel closes when ctx is done.
func (r *PostgresRepository) SubscribeDecisionInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	// A reconnect may have missed notifications.
	select {
	case invalidations <- struct{}{}:
	default:
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for decision event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func noRowsAffected(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(event DecisionEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID     int64  `json:"event_id"`
		DecisionKey string `json:"decision_key"`
		EventType   string `json:"event_type"`
	}{
		EventID:     event.EventID,
		DecisionKey: event.DecisionKey,
		EventType:   event.EventType,
	})
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}
