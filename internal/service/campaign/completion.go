package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
)

// CompletionDetector completes a sending campaign once none of its delivery log rows is queued.
//
// It is level-triggered: every call re-reads the aggregate counts, and the sending -> completed
// write is guarded, so calling it after every delivery outcome, from any number of workers,
// completes a campaign exactly once.
type CompletionDetector struct {
	campaigns repository.CampaignsRepository
	logs      repository.DeliveryLogsRepository
	sink      events.Sink

	Now func() time.Time
}

func NewCompletionDetector(campaigns repository.CampaignsRepository, logs repository.DeliveryLogsRepository, sink events.Sink) *CompletionDetector {
	if sink == nil {
		sink = events.Nop()
	}
	return &CompletionDetector{campaigns: campaigns, logs: logs, sink: sink, Now: time.Now}
}

// Check returns true when this call moved the campaign to completed.
func (d *CompletionDetector) Check(ctx context.Context, campaignID int64) (bool, error) {
	counts, err := d.logs.Counts(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("%w: count delivery logs of campaign %d: %w", ErrCompletionCheck, campaignID, err)
	}
	if counts.Total == 0 || counts.Queued > 0 {
		return false, nil
	}

	now := d.Now()
	moved, err := d.campaigns.MarkCompleted(ctx, campaignID, now)
	if err != nil {
		return false, fmt.Errorf("%w: mark campaign %d completed: %w", ErrCompletionCheck, campaignID, err)
	}
	if !moved {
		return false, nil
	}

	metrics.CampaignsTotal.WithLabelValues("completed").Inc()
	d.sink.Emit(ctx, model.DeliveryEvent{
		Type:       model.EventCampaignCompleted,
		CampaignID: campaignID,
		Count:      counts.Sent,
		Error:      failedSummary(counts),
		At:         now,
	})

	return true, nil
}

func failedSummary(c model.DeliveryCounts) string {
	if c.Failed == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d recipients failed", c.Failed, c.Total)
}
