package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"go.uber.org/zap"
)

// ClearQueue discards every pending work item. Delivery log rows are left untouched:
// rows of dropped items stay queued until CompensateQueued marks them failed.
func (s *Service) ClearQueue(ctx context.Context) (int64, error) {
	n, err := s.queue.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}

	s.sink.Emit(ctx, model.DeliveryEvent{Type: model.EventQueueCleared, Count: n, At: s.Now()})
	return n, nil
}

// CompensateQueued marks the queued rows of one campaign (or all campaigns when campaignID is 0)
// as failed with reason, then re-runs completion for the affected sending campaigns.
func (s *Service) CompensateQueued(ctx context.Context, campaignID int64, reason string) (int64, error) {
	if reason == "" {
		reason = "abandoned: queue cleared"
	}

	n, err := s.logs.FailQueued(ctx, campaignID, reason, s.Now())
	if err != nil {
		return 0, fmt.Errorf("fail queued delivery logs: %w", err)
	}

	ids := []int64{campaignID}
	if campaignID == 0 {
		ids, err = s.campaigns.ListIDsByStatus(ctx, model.CampaignSending)
		if err != nil {
			return n, fmt.Errorf("list sending campaigns: %w", err)
		}
	}
	for _, id := range ids {
		if _, err := s.completion.Check(ctx, id); err != nil {
			s.log.Warn("completion after compensation", zap.Int64("campaign_id", id), zap.Error(err))
		}
	}

	return n, nil
}

// StopCampaign moves a sending campaign back to draft. Items already queued keep being delivered.
func (s *Service) StopCampaign(ctx context.Context, campaignID int64) error {
	moved, err := s.campaigns.ResetToDraft(ctx, campaignID, s.Now())
	if err != nil {
		return fmt.Errorf("reset campaign %d: %w", campaignID, err)
	}
	if !moved {
		c, err := s.campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("load campaign %d: %w", campaignID, err)
		}
		if c == nil {
			return ErrCampaignNotFound
		}
		return fmt.Errorf("%w: status=%s", ErrCampaignNotSending, c.Status)
	}

	metrics.CampaignsTotal.WithLabelValues("stopped").Inc()
	s.sink.Emit(ctx, model.DeliveryEvent{Type: model.EventCampaignStopped, CampaignID: campaignID, At: s.Now()})
	return nil
}

type Progress struct {
	CampaignID  int64                `json:"campaign_id"`
	Status      model.CampaignStatus `json:"status"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Counts      model.DeliveryCounts `json:"counts"`
}

func (s *Service) Progress(ctx context.Context, campaignID int64) (Progress, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return Progress{}, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	if c == nil {
		return Progress{}, ErrCampaignNotFound
	}

	counts, err := s.logs.Counts(ctx, campaignID)
	if err != nil {
		return Progress{}, fmt.Errorf("count delivery logs: %w", err)
	}

	p := Progress{CampaignID: c.ID, Status: c.Status, Counts: counts}
	if c.CompletedAt != nil {
		at := c.CompletedAt.UTC()
		p.CompletedAt = &at
	}
	return p, nil
}
