package repository

import (
	"context"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmoiron/sqlx"
)

type ContactsRepository interface {
	ListRecipients(ctx context.Context, campaignID int64) ([]model.Recipient, error)
}

type ContactsRepositoryImpl struct {
	db *sqlx.DB
}

func NewContactsRepository(db *sqlx.DB) *ContactsRepositoryImpl {
	return &ContactsRepositoryImpl{db: db}
}

var _ ContactsRepository = (*ContactsRepositoryImpl)(nil)

// ListRecipients resolves the contacts attached to a campaign, ordered by contact id.
func (r *ContactsRepositoryImpl) ListRecipients(ctx context.Context, campaignID int64) ([]model.Recipient, error) {
	var out []model.Recipient
	err := r.db.SelectContext(ctx, &out, `
		SELECT con.id,
		       con.email,
		       COALESCE(con.first_name, '') AS first_name,
		       COALESCE(con.last_name, '')  AS last_name,
		       COALESCE(con.company, '')    AS company,
		       COALESCE(con.job_title, '')  AS job_title
		  FROM contacts con
		  JOIN campaign_contacts cc ON cc.contact_id = con.id
		 WHERE cc.campaign_id = ?
		 ORDER BY con.id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	return out, nil
}
