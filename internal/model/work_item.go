package model

// WorkItem is the payload carried by the delivery queue: one rendered email for one recipient.
type WorkItem struct {
	CampaignID int64  `json:"campaign_id"`
	ContactID  int64  `json:"contact_id"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	TrackingID string `json:"tracking_id"`
	Credential string `json:"credential,omitempty"`
}

// Valid reports whether the item carries enough to be delivered and logged.
func (w WorkItem) Valid() bool {
	return w.CampaignID > 0 && w.ContactID > 0 && w.Recipient != "" && w.TrackingID != ""
}
