package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHEventsRepository archives pipeline events to ClickHouse and reads them back for reports.
type CHEventsRepository interface {
	InsertBatch(ctx context.Context, events []model.DeliveryEvent) error
	ListByCampaign(ctx context.Context, campaignID int64, typ model.EventType, limit, offset int) ([]model.DeliveryEvent, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

// InsertBatch uses a prepared statement inside a transaction, which clickhouse-go
// turns into a single native batch.
func (r *chEventsRepository) InsertBatch(ctx context.Context, events []model.DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO campaign_mailer.delivery_events
		    (type, campaign_id, contact_id, tracking_id, message_id, attempt, count, error, at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.Type.String(), e.CampaignID, e.ContactID, e.TrackingID, e.MessageID,
			int32(e.Attempt), e.Count, e.Error, e.At,
		); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	return tx.Commit()
}

func (r *chEventsRepository) ListByCampaign(ctx context.Context, campaignID int64, typ model.EventType, limit, offset int) ([]model.DeliveryEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT type, campaign_id, contact_id, tracking_id, message_id, attempt, count, error, at
		FROM campaign_mailer.delivery_events
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if typ != "" {
		q += " AND type = ?"
		args = append(args, typ.String())
	}

	q += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeliveryEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
