package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrCampaignNotDraft   = errors.New("campaign is not in draft status")
	ErrCampaignNotSending = errors.New("campaign is not sending")
	ErrEmptyRecipientSet  = errors.New("campaign has no recipients")

	// ErrMalformedPayload marks a work item whose payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed work item payload")
	// ErrSendFailure marks a failed delivery attempt reported by the mail provider.
	ErrSendFailure = errors.New("send failed")
	// ErrCompletionCheck marks a failure while aggregating delivery state or completing a campaign.
	ErrCompletionCheck = errors.New("completion check failed")
)

// DispatchError reports a dispatch that stopped part way. Recipients before the
// failing one stay queued; nothing is rolled back.
type DispatchError struct {
	Queued    int
	ContactID int64
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch stopped at contact %d after %d queued: %v", e.ContactID, e.Queued, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
