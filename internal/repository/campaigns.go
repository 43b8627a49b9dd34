package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmoiron/sqlx"
)

// CampaignsRepository reads campaigns and performs guarded status transitions.
// Every Mark*/Reset* method returns true only if it moved the row.
type CampaignsRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	MarkSending(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error)
	ResetToDraft(ctx context.Context, id int64, at time.Time) (bool, error)
	ListIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int64, error)
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

func (r *CampaignsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		SELECT c.id, c.name, c.template_id, t.subject, t.body,
		       c.status, c.completed_at, c.created_at, c.updated_at
		  FROM campaigns c
		  JOIN templates t ON t.id = c.template_id
		 WHERE c.id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) MarkSending(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE campaigns
		   SET status = 'sending', completed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'draft'
	`, at, id)
}

func (r *CampaignsRepositoryImpl) MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE campaigns
		   SET status = 'completed', completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'sending'
	`, at, at, id)
}

func (r *CampaignsRepositoryImpl) ResetToDraft(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE campaigns
		   SET status = 'draft', updated_at = ?
		 WHERE id = ? AND status = 'sending'
	`, at, id)
}

func (r *CampaignsRepositoryImpl) ListIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int64, error) {
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids,
		`SELECT id FROM campaigns WHERE status = ? ORDER BY id`, status.String()); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *CampaignsRepositoryImpl) transition(ctx context.Context, q string, args ...any) (bool, error) {
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
