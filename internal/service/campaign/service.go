package campaign

import (
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	"go.uber.org/zap"
)

// Service dispatches campaigns onto the delivery queue and runs the operator actions around it.
type Service struct {
	campaigns  repository.CampaignsRepository
	contacts   repository.ContactsRepository
	logs       repository.DeliveryLogsRepository
	queue      queue.Queue
	completion *CompletionDetector

	trackingBaseURL string
	sink            events.Sink
	log             *zap.Logger

	Now func() time.Time
}

// New constructs the campaign service.
func New(
	campaigns repository.CampaignsRepository,
	contacts repository.ContactsRepository,
	logs repository.DeliveryLogsRepository,
	q queue.Queue,
	completion *CompletionDetector,
	trackingBaseURL string,
	sink events.Sink,
	log *zap.Logger,
) *Service {
	if sink == nil {
		sink = events.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		campaigns:       campaigns,
		contacts:        contacts,
		logs:            logs,
		queue:           q,
		completion:      completion,
		trackingBaseURL: trackingBaseURL,
		sink:            sink,
		log:             log.Named("campaign"),
		Now:             time.Now,
	}
}
