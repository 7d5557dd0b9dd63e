package repository

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Sample is one observation in a named series.
type Sample struct {
	ID         int64     `json:"id"`
	Series     string    `json:"series"`
	RecordedAt time.Time `json:"recorded_at"`
	Value      float64   `json:"value"`
}

// SampleQuery selects samples from one series. A zero Since reads from the
// beginning; a positive Limit keeps only the most recent Limit rows.
type SampleQuery struct {
	Series string
	Since  time.Time
	Limit  int
}

// RecordSample appends a sample. A zero RecordedAt is stamped by the server.
func (r *PostgresRepository) RecordSample(ctx context.Context, s Sample) (Sample, error) {
	var recordedAt *time.Time
	if !s.RecordedAt.IsZero() {
		recordedAt = &s.RecordedAt
	}

	var created Sample
	err := r.pool.QueryRow(ctx, `
		INSERT INTO samples (series, recorded_at, value)
		VALUES ($1, COALESCE($2, NOW()), $3)
		RETURNING id, series, recorded_at, value
	`, s.Series, recordedAt, s.Value).Scan(
		&created.ID,
		&created.Series,
		&created.RecordedAt,
		&created.Value,
	)
	if err != nil {
		return Sample{}, fmt.Errorf("record sample: %w", err)
	}
	return created, nil
}

// ListSamples returns the selected samples in insertion order.
func (r *PostgresRepository) ListSamples(ctx context.Context, q SampleQuery) ([]Sample, error) {
	var since *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}

	// Newest first so LIMIT keeps the latest rows; reversed below.
	rows, err := r.pool.Query(ctx, `
		SELECT id, series, recorded_at, value
		FROM samples
		WHERE series = $1
		  AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY id DESC
		LIMIT $3
	`, q.Series, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	samples := make([]Sample, 0)
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.ID, &s.Series, &s.RecordedAt, &s.Value); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list samples rows: %w", err)
	}

	slices.Reverse(samples)
	return samples, nil
}

// DeleteSamplesBefore prunes a series and returns the number of rows removed.
func (r *PostgresRepository) DeleteSamplesBefore(ctx context.Context, series string, before time.Time) (int64, error) {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM samples WHERE series = $1 AND recorded_at < $2`, series, before)
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	return commandTag.RowsAffected(), nil
}
