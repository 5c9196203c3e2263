package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neuroclinic/clinic/internal/platform/db"
)

// Recorder appends an event to the outbox. Called inside the transaction of
// the change it describes, so the event commits or rolls back with it.
type Recorder interface {
	Record(ctx context.Context, aggregateID uuid.UUID, eventType string, data any) error
}

// Outbox is the Postgres outbox table. It joins the transaction carried by
// ctx when there is one.
type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

func (o *Outbox) Record(ctx context.Context, aggregateID uuid.UUID, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	_, err = db.Conn(ctx, o.pool).Exec(ctx, `
		INSERT INTO outbox (aggregate_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		aggregateID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", eventType, err)
	}
	return nil
}

// Pending returns unpublished events in id order, skipping rows that have
// failed maxRetries times.
func (o *Outbox) Pending(ctx context.Context, limit, maxRetries int) ([]Event, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, payload, created_at, retry_count
		FROM outbox
		WHERE published_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Type, &payload, &e.CreatedAt, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx, `
		UPDATE outbox SET published_at = NOW(), error_message = NULL
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx, `
		UPDATE outbox SET retry_count = retry_count + 1, error_message = $2
		WHERE id = ANY($1)`, ids, reason)
	if err != nil {
		return fmt.Errorf("mark events failed: %w", err)
	}
	return nil
}

// Purge deletes published events older than retention. Returns rows removed.
func (o *Outbox) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE published_at IS NOT NULL AND published_at < $1`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount reports how many events still await publication.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := o.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}
