package model

import "time"

type EventType string

const (
	EventCampaignDispatched EventType = "campaign.dispatched"
	EventCampaignCompleted  EventType = "campaign.completed"
	EventCampaignStopped    EventType = "campaign.stopped"
	EventItemSent           EventType = "item.sent"
	EventItemFailed         EventType = "item.failed"
	EventItemMalformed      EventType = "item.malformed"
	EventItemDeadLettered   EventType = "item.dead_lettered"
	EventItemDuplicate      EventType = "item.duplicate"
	EventItemOpened         EventType = "item.opened"
	EventItemClicked        EventType = "item.clicked"
	EventQueueCleared       EventType = "queue.cleared"
	EventLeaseFailed        EventType = "worker.lease_failed"
)

func (t EventType) String() string { return string(t) }

// DeliveryEvent is a structured pipeline event. It is logged, published to Kafka
// and archived to ClickHouse depending on the configured sinks.
type DeliveryEvent struct {
	Type       EventType `json:"type"        db:"type"`
	CampaignID int64     `json:"campaign_id" db:"campaign_id"`
	ContactID  int64     `json:"contact_id"  db:"contact_id"`
	TrackingID string    `json:"tracking_id" db:"tracking_id"`
	MessageID  string    `json:"message_id"  db:"message_id"`
	Attempt    int       `json:"attempt"     db:"attempt"`
	Count      int64     `json:"count"       db:"count"`
	Error      string    `json:"error"       db:"error"`
	At         time.Time `json:"at"          db:"at"`
}
