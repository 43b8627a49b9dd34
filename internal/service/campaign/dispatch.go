package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/render"
	"github.com/jmehdipour/campaign-mailer/internal/util"
	"go.uber.org/zap"
)

type DispatchResult struct {
	Queued int `json:"queued"`
}

// DispatchCampaign resolves a campaign's template and recipients and dispatches it.
// credential is carried on every work item for providers that send on the user's behalf.
func (s *Service) DispatchCampaign(ctx context.Context, campaignID int64, credential string) (DispatchResult, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	if c == nil {
		return DispatchResult{}, ErrCampaignNotFound
	}

	recipients, err := s.contacts.ListRecipients(ctx, campaignID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("list recipients of campaign %d: %w", campaignID, err)
	}

	return s.Dispatch(ctx, *c, recipients, credential)
}

// Dispatch moves a draft campaign to sending, then for each recipient renders the message,
// writes a queued delivery log row and enqueues the work item.
//
// The row is written before the enqueue so a worker never processes an item whose row does
// not exist yet. Dispatch is not atomic across recipients: on failure the rows and items
// written so far remain, and a *DispatchError reports how far it got.
func (s *Service) Dispatch(ctx context.Context, c model.Campaign, recipients []model.Recipient, credential string) (DispatchResult, error) {
	if c.Status != model.CampaignDraft {
		return DispatchResult{}, fmt.Errorf("%w: status=%s", ErrCampaignNotDraft, c.Status)
	}
	if len(recipients) == 0 {
		return DispatchResult{}, ErrEmptyRecipientSet
	}

	moved, err := s.campaigns.MarkSending(ctx, c.ID, s.Now())
	if err != nil {
		return DispatchResult{}, fmt.Errorf("mark campaign %d sending: %w", c.ID, err)
	}
	if !moved {
		return DispatchResult{}, fmt.Errorf("%w: campaign %d changed concurrently", ErrCampaignNotDraft, c.ID)
	}

	s.warnUnknownPlaceholders(c)

	// the campaign is visibly sending from here on; a caller going away must not cut the loop short
	ctx = context.WithoutCancel(ctx)

	var res DispatchResult
	for _, r := range recipients {
		if err := s.dispatchOne(ctx, c, r, credential); err != nil {
			s.log.Error("dispatch stopped",
				zap.Int64("campaign_id", c.ID),
				zap.Int64("contact_id", r.ContactID),
				zap.Int("queued", res.Queued),
				zap.Error(err),
			)
			return res, &DispatchError{Queued: res.Queued, ContactID: r.ContactID, Err: err}
		}
		res.Queued++
	}

	metrics.CampaignsTotal.WithLabelValues("dispatched").Inc()
	s.sink.Emit(ctx, model.DeliveryEvent{
		Type:       model.EventCampaignDispatched,
		CampaignID: c.ID,
		Count:      int64(res.Queued),
		At:         s.Now(),
	})

	return res, nil
}

func (s *Service) dispatchOne(ctx context.Context, c model.Campaign, r model.Recipient, credential string) error {
	at := s.Now()
	trackingID := render.TrackingID(c.ID, r.ContactID, at)

	addr := util.NormalizeEmail(r.Email)
	if addr == "" {
		addr = strings.TrimSpace(r.Email)
	}

	fields := render.RecipientFields(r)
	body := render.Render(c.Body, fields)
	body = render.InjectOpenPixel(body, s.trackingBaseURL, trackingID)
	body = render.InjectClickTracking(body, c.ID, r.ContactID)

	payload, err := json.Marshal(model.WorkItem{
		CampaignID: c.ID,
		ContactID:  r.ContactID,
		Recipient:  addr,
		Subject:    render.Render(c.Subject, fields),
		Body:       body,
		TrackingID: trackingID,
		Credential: credential,
	})
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	if err := s.logs.InsertQueued(ctx, nil, model.DeliveryLog{
		ID:         util.NewAt(at),
		CampaignID: c.ID,
		ContactID:  r.ContactID,
		TrackingID: trackingID,
		Recipient:  addr,
		Status:     model.DeliveryQueued,
		CreatedAt:  at,
	}); err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	metrics.ItemsTotal.WithLabelValues("queued").Inc()
	return nil
}

func (s *Service) warnUnknownPlaceholders(c model.Campaign) {
	known := render.RecipientFields(model.Recipient{})
	var unknown []string
	for _, k := range render.Placeholders(c.Subject + "\n" + c.Body) {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		s.log.Warn("template placeholders will be sent literally",
			zap.Int64("campaign_id", c.ID),
			zap.Strings("placeholders", unknown),
		)
	}
}
