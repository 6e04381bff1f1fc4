package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// WebhookEventStore implements domain.WebhookEventStore using PostgreSQL. The
// (source, provider_event_id) unique constraint is the dedup key.
type WebhookEventStore struct {
	q querier
}

const webhookSelectCols = `id, source, provider_event_id, event_type, payload, processed, error,
	created_at, processed_at`

func scanWebhook(row rowScanner) (domain.WebhookEvent, error) {
	var (
		e   domain.WebhookEvent
		typ string
	)
	err := row.Scan(&e.ID, &e.Source, &e.ProviderEventID, &typ, &e.Payload, &e.Processed, &e.Error,
		&e.CreatedAt, &e.ProcessedAt)
	e.EventType = domain.WebhookEventType(typ)
	return e, err
}

// Find returns the event received from source with the provider's id.
func (s *WebhookEventStore) Find(ctx context.Context, source, providerEventID string) (domain.WebhookEvent, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+webhookSelectCols+` FROM webhook_events WHERE source = $1 AND provider_event_id = $2`,
		source, providerEventID,
	)
	e, err := scanWebhook(row)
	if err != nil {
		return domain.WebhookEvent{}, notFound(err, "webhook "+source+"/"+providerEventID)
	}
	return e, nil
}

// Insert stores a newly received event. A concurrent delivery of the same
// event loses the race on the unique key and gets ErrAlreadyExists.
func (s *WebhookEventStore) Insert(ctx context.Context, e domain.WebhookEvent) error {
	const query = `
		INSERT INTO webhook_events (id, source, provider_event_id, event_type, payload, processed, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.q.Exec(ctx, query,
		e.ID, e.Source, e.ProviderEventID, string(e.EventType), e.Payload, e.Processed, e.Error, e.CreatedAt,
	)
	if uniqueViolation(err) {
		return domain.Errorf(domain.ErrAlreadyExists, "webhook %s/%s already received", e.Source, e.ProviderEventID)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert webhook %s/%s: %w", e.Source, e.ProviderEventID, err)
	}
	return nil
}

// MarkProcessed records the outcome of processing; an empty processingErr
// means success.
func (s *WebhookEventStore) MarkProcessed(ctx context.Context, id string, processingErr string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, error = $2, processed_at = NOW() WHERE id = $1`,
		id, processingErr,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark webhook %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrNotFound, "webhook %s not found", id)
	}
	return nil
}

// ListFailed returns events whose processing recorded an error, newest first.
func (s *WebhookEventStore) ListFailed(ctx context.Context, opts domain.ListOpts) ([]domain.WebhookEvent, error) {
	query := `SELECT ` + webhookSelectCols + ` FROM webhook_events WHERE error <> ''`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan webhook: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list failed webhooks rows: %w", err)
	}
	return out, nil
}
