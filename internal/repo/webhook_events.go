package repo

import (
	"context"
	"database/sql"
	"errors"

	"reportline/internal/domain"
)

func (r Repo) GetWebhookEvent(ctx context.Context, externalID string) (domain.WebhookEvent, error) {
	return r.GetWebhookEventTx(ctx, nil, externalID)
}

func (r Repo) GetWebhookEventTx(ctx context.Context, tx *sql.Tx, externalID string) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var payment sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT external_id,event_type,payment_external_id,payload_json,outcome,processed_at FROM webhook_events WHERE external_id=?`, externalID).
		Scan(&e.ExternalID, &e.EventType, &payment, &e.Payload, &e.Outcome, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if payment.Valid {
		e.PaymentExternalID = payment.String
	}
	return e, err
}

// InsertWebhookEventTx records a processed event. The external id is the
// primary key, so a concurrent duplicate fails with a unique violation.
func (r Repo) InsertWebhookEventTx(ctx context.Context, tx *sql.Tx, e domain.WebhookEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO webhook_events(external_id,event_type,payment_external_id,payload_json,outcome,processed_at) VALUES (?,?,?,?,?,?)`,
		e.ExternalID, e.EventType, nullable(e.PaymentExternalID), e.Payload, e.Outcome, e.ProcessedAt)
	return err
}

func (r Repo) ListWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT external_id,event_type,COALESCE(payment_external_id,''),payload_json,outcome,processed_at FROM webhook_events ORDER BY processed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		if err := rows.Scan(&e.ExternalID, &e.EventType, &e.PaymentExternalID, &e.Payload, &e.Outcome, &e.ProcessedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
