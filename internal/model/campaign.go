package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) Valid() bool {
	return s == CampaignDraft || s == CampaignSending || s == CampaignCompleted
}

// CanTransitionTo reports whether next is a legal move from s.
// draft -> sending (dispatch), sending -> completed (completion), sending -> draft (operator stop).
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignDraft:
		return next == CampaignSending
	case CampaignSending:
		return next == CampaignCompleted || next == CampaignDraft
	default:
		return false
	}
}

// Campaign is the campaigns row joined with its template content.
type Campaign struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	TemplateID  int64          `db:"template_id"`
	Subject     string         `db:"subject"`
	Body        string         `db:"body"`
	Status      CampaignStatus `db:"status"`
	CompletedAt *time.Time     `db:"completed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}
