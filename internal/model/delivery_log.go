package model

import "time"

type DeliveryStatus string

const (
	DeliveryQueued DeliveryStatus = "queued"
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) Valid() bool {
	return s == DeliveryQueued || s == DeliverySent || s == DeliveryFailed
}

// Terminal reports whether s no longer counts against campaign completion.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed
}

// DeliveryLog is one recipient's send record within a campaign (delivery_logs table).
type DeliveryLog struct {
	ID           string         `db:"id"`
	CampaignID   int64          `db:"campaign_id"`
	ContactID    int64          `db:"contact_id"`
	TrackingID   string         `db:"tracking_id"`
	Recipient    string         `db:"recipient"`
	Status       DeliveryStatus `db:"status"`
	ErrorMessage *string        `db:"error_message"`
	SentAt       *time.Time     `db:"sent_at"`
	Opened       bool           `db:"opened"`
	OpenedAt     *time.Time     `db:"opened_at"`
	Clicked      bool           `db:"clicked"`
	ClickedAt    *time.Time     `db:"clicked_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// DeliveryCounts aggregates delivery_logs rows of one campaign by status.
type DeliveryCounts struct {
	Total  int64 `db:"total" json:"total"`
	Queued int64 `db:"queued" json:"queued"`
	Sent   int64 `db:"sent" json:"sent"`
	Failed int64 `db:"failed" json:"failed"`
}
