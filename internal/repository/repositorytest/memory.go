// Package repositorytest provides in-memory repositories with the same guarded
// write semantics as the SQL implementations, for service and worker tests.
package repositorytest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	"github.com/jmoiron/sqlx"
)

// Store holds campaigns, recipients and delivery logs. It implements all three
// repository interfaces consumed by the campaign service and the delivery worker.
type Store struct {
	mu         sync.Mutex
	campaigns  map[int64]*model.Campaign
	recipients map[int64][]model.Recipient
	logs       []*model.DeliveryLog

	// FailInsertAt makes the n-th InsertQueued call (1-based) fail. Zero disables it.
	FailInsertAt int
	inserts      int
	// CountsErr is returned by Counts when set.
	CountsErr error
}

func NewStore() *Store {
	return &Store{
		campaigns:  map[int64]*model.Campaign{},
		recipients: map[int64][]model.Recipient{},
	}
}

var (
	_ repository.CampaignsRepository    = (*Store)(nil)
	_ repository.ContactsRepository     = (*Store)(nil)
	_ repository.DeliveryLogsRepository = (*Store)(nil)
)

var ErrInjected = errors.New("injected failure")

// AddCampaign stores c with the given recipients.
func (s *Store) AddCampaign(c model.Campaign, recipients ...model.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.campaigns[c.ID] = &cp
	s.recipients[c.ID] = append([]model.Recipient(nil), recipients...)
}

// Campaign returns a copy of the stored campaign.
func (s *Store) Campaign(id int64) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

// Logs returns copies of the delivery logs of a campaign in insertion order.
func (s *Store) Logs(campaignID int64) []model.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryLog
	for _, l := range s.logs {
		if l.CampaignID == campaignID {
			out = append(out, *l)
		}
	}
	return out
}

func (s *Store) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) MarkSending(_ context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(id, model.CampaignDraft, model.CampaignSending, at), nil
}

func (s *Store) MarkCompleted(_ context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(id, model.CampaignSending, model.CampaignCompleted, at), nil
}

func (s *Store) ResetToDraft(_ context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(id, model.CampaignSending, model.CampaignDraft, at), nil
}

func (s *Store) transition(id int64, from, to model.CampaignStatus, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != from {
		return false
	}
	c.Status = to
	c.UpdatedAt = at
	switch to {
	case model.CampaignCompleted:
		c.CompletedAt = &at
	case model.CampaignSending:
		c.CompletedAt = nil
	}
	return true
}

func (s *Store) ListIDsByStatus(_ context.Context, status model.CampaignStatus) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, c := range s.campaigns {
		if c.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListRecipients(_ context.Context, campaignID int64) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Recipient(nil), s.recipients[campaignID]...), nil
}

func (s *Store) InsertQueued(_ context.Context, _ *sqlx.Tx, l model.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.FailInsertAt > 0 && s.inserts == s.FailInsertAt {
		return ErrInjected
	}
	cp := l
	cp.Status = model.DeliveryQueued
	cp.UpdatedAt = l.CreatedAt
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) find(campaignID, contactID int64, trackingID string) *model.DeliveryLog {
	for _, l := range s.logs {
		if l.CampaignID == campaignID && l.ContactID == contactID && l.TrackingID == trackingID {
			return l
		}
	}
	return nil
}

func (s *Store) Get(_ context.Context, campaignID, contactID int64, trackingID string) (*model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.find(campaignID, contactID, trackingID)
	if l == nil {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// MarkSent mirrors the SQL guard: queued or failed rows move to sent, sent rows stay put.
func (s *Store) MarkSent(_ context.Context, campaignID, contactID int64, trackingID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.find(campaignID, contactID, trackingID)
	if l == nil || l.Status == model.DeliverySent {
		return false, nil
	}
	l.Status = model.DeliverySent
	l.SentAt = &at
	l.UpdatedAt = at
	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, campaignID, contactID int64, trackingID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.find(campaignID, contactID, trackingID)
	if l == nil || l.Status != model.DeliveryQueued {
		return false, nil
	}
	l.Status = model.DeliveryFailed
	l.ErrorMessage = &reason
	l.UpdatedAt = at
	return true, nil
}

func (s *Store) Counts(_ context.Context, campaignID int64) (model.DeliveryCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountsErr != nil {
		return model.DeliveryCounts{}, s.CountsErr
	}
	var c model.DeliveryCounts
	for _, l := range s.logs {
		if l.CampaignID != campaignID {
			continue
		}
		c.Total++
		switch l.Status {
		case model.DeliveryQueued:
			c.Queued++
		case model.DeliverySent:
			c.Sent++
		case model.DeliveryFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *Store) FailQueued(_ context.Context, campaignID int64, reason string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.logs {
		if l.Status != model.DeliveryQueued || (campaignID > 0 && l.CampaignID != campaignID) {
			continue
		}
		r := reason
		l.Status = model.DeliveryFailed
		l.ErrorMessage = &r
		l.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *Store) MarkOpened(_ context.Context, trackingID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.TrackingID == trackingID && !l.Opened {
			l.Opened = true
			l.OpenedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MarkClicked(_ context.Context, campaignID, contactID int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.logs {
		if l.CampaignID == campaignID && l.ContactID == contactID && !l.Clicked {
			l.Clicked = true
			l.ClickedAt = &at
			n++
		}
	}
	return n, nil
}
