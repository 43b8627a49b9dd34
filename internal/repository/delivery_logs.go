package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveryLogsRepository persists per-recipient delivery state.
//
// MarkSent and MarkFailed are compare-and-set writes: they report false when the row
// was not in a state the transition is allowed from, which makes redelivered items idempotent.
type DeliveryLogsRepository interface {
	InsertQueued(ctx context.Context, tx *sqlx.Tx, l model.DeliveryLog) error
	Get(ctx context.Context, campaignID, contactID int64, trackingID string) (*model.DeliveryLog, error)
	MarkSent(ctx context.Context, campaignID, contactID int64, trackingID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, campaignID, contactID int64, trackingID, reason string, at time.Time) (bool, error)
	Counts(ctx context.Context, campaignID int64) (model.DeliveryCounts, error)
	FailQueued(ctx context.Context, campaignID int64, reason string, at time.Time) (int64, error)
	MarkOpened(ctx context.Context, trackingID string, at time.Time) (bool, error)
	MarkClicked(ctx context.Context, campaignID, contactID int64, at time.Time) (int64, error)
}

type DeliveryLogsRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveryLogsRepository(db *sqlx.DB) *DeliveryLogsRepositoryImpl {
	return &DeliveryLogsRepositoryImpl{db: db}
}

var _ DeliveryLogsRepository = (*DeliveryLogsRepositoryImpl)(nil)

func (r *DeliveryLogsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// InsertQueued inserts a new row with status=queued.
func (r *DeliveryLogsRepositoryImpl) InsertQueued(ctx context.Context, tx *sqlx.Tx, l model.DeliveryLog) error {
	const q = `
		INSERT INTO delivery_logs
		    (id, campaign_id, contact_id, tracking_id, recipient, status, created_at, updated_at)
		VALUES
		    (?,  ?,           ?,          ?,           ?,         'queued', ?,        ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			l.ID, l.CampaignID, l.ContactID, l.TrackingID, l.Recipient, l.CreatedAt, l.CreatedAt,
		)
		return err
	})
}

func (r *DeliveryLogsRepositoryImpl) Get(ctx context.Context, campaignID, contactID int64, trackingID string) (*model.DeliveryLog, error) {
	var l model.DeliveryLog
	err := r.db.GetContext(ctx, &l, `
		SELECT id, campaign_id, contact_id, tracking_id, recipient, status, error_message,
		       sent_at, opened, opened_at, clicked, clicked_at, created_at, updated_at
		  FROM delivery_logs
		 WHERE campaign_id = ? AND contact_id = ? AND tracking_id = ?
		 LIMIT 1
	`, campaignID, contactID, trackingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// MarkSent moves a queued or failed row to sent. A failed row can still be recovered
// by a later successful redelivery; a sent row is never written twice. The failed row
// already counted as terminal, so the campaign may be completed when that flip happens.
func (r *DeliveryLogsRepositoryImpl) MarkSent(ctx context.Context, campaignID, contactID int64, trackingID string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE delivery_logs
		   SET status = 'sent', sent_at = ?, updated_at = ?
		 WHERE campaign_id = ? AND contact_id = ? AND tracking_id = ?
		   AND status IN ('queued', 'failed')
	`, at, at, campaignID, contactID, trackingID)
}

// MarkFailed moves a queued row to failed.
func (r *DeliveryLogsRepositoryImpl) MarkFailed(ctx context.Context, campaignID, contactID int64, trackingID, reason string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE delivery_logs
		   SET status = 'failed', error_message = ?, updated_at = ?
		 WHERE campaign_id = ? AND contact_id = ? AND tracking_id = ?
		   AND status = 'queued'
	`, truncate(reason, 1000), at, campaignID, contactID, trackingID)
}

func (r *DeliveryLogsRepositoryImpl) Counts(ctx context.Context, campaignID int64) (model.DeliveryCounts, error) {
	var c model.DeliveryCounts
	err := r.db.GetContext(ctx, &c, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0) AS queued,
		       COALESCE(SUM(CASE WHEN status = 'sent'   THEN 1 ELSE 0 END), 0) AS sent,
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed
		  FROM delivery_logs
		 WHERE campaign_id = ?
	`, campaignID)
	return c, err
}

// FailQueued marks every queued row of a campaign (or of all campaigns when campaignID is 0)
// as failed. It is the compensating write that goes with clearing the queue.
func (r *DeliveryLogsRepositoryImpl) FailQueued(ctx context.Context, campaignID int64, reason string, at time.Time) (int64, error) {
	q := `
		UPDATE delivery_logs
		   SET status = 'failed', error_message = ?, updated_at = ?
		 WHERE status = 'queued'
	`
	args := []any{truncate(reason, 1000), at}
	if campaignID > 0 {
		q += " AND campaign_id = ?"
		args = append(args, campaignID)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkOpened records the first open for a tracking id.
func (r *DeliveryLogsRepositoryImpl) MarkOpened(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE delivery_logs
		   SET opened = 1, opened_at = ?, updated_at = ?
		 WHERE tracking_id = ? AND opened = 0
	`, at, at, trackingID)
}

// MarkClicked records the first click for every send of a contact within a campaign.
func (r *DeliveryLogsRepositoryImpl) MarkClicked(ctx context.Context, campaignID, contactID int64, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_logs
		   SET clicked = 1, clicked_at = ?, updated_at = ?
		 WHERE campaign_id = ? AND contact_id = ? AND clicked = 0
	`, at, at, campaignID, contactID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *DeliveryLogsRepositoryImpl) exec(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
