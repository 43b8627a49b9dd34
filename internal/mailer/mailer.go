package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrNoHealthy = errors.New("no healthy providers")

// Message is one rendered email. Credential, when set, authorizes the send on behalf of
// the user who dispatched the campaign; providers that do not support it ignore it.
type Message struct {
	To         string
	Subject    string
	HTML       string
	Credential string
}

type Provider interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type guarded struct {
	Provider
	cb *gobreaker.CircuitBreaker
}

func (g *guarded) ready() bool { return g.cb.State() != gobreaker.StateOpen }

// Mailer spreads sends over healthy providers round-robin. Each provider sits behind its
// own circuit breaker; a send is retried on the next provider up to MaxAttempts times.
type Mailer struct {
	providers   []*guarded
	rr          atomic.Uint64
	maxAttempts int
	log         *zap.Logger
}

func NewMailer(maxAttempts int, log *zap.Logger) *Mailer {
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mailer{maxAttempts: maxAttempts, log: log.Named("mailer")}
}

// Register adds a provider. The breaker opens after failThreshold consecutive failures
// and lets a single probe through once openFor has elapsed.
func (m *Mailer) Register(p Provider, failThreshold int, openFor time.Duration) {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn("provider breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	m.providers = append(m.providers, &guarded{Provider: p, cb: cb})
}

// Len returns the number of registered providers.
func (m *Mailer) Len() int { return len(m.providers) }

func (m *Mailer) selectProvider() (*guarded, error) {
	healthy := make([]*guarded, 0, len(m.providers))
	for _, p := range m.providers {
		if p.ready() {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := m.rr.Add(1)
	return healthy[int((x-1)%uint64(len(healthy)))], nil
}

func (m *Mailer) tryOnce(ctx context.Context, msg Message) error {
	p, err := m.selectProvider()
	if err != nil {
		return err
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.Send(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("provider=%s: %w", p.Name(), err)
	}
	return nil
}

// SendOne delivers msg through the first provider that accepts it.
func (m *Mailer) SendOne(ctx context.Context, msg Message) error {
	var last error
	for i := 0; i < m.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.tryOnce(ctx, msg)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, ErrNoHealthy) {
			break
		}
	}

	if last == nil {
		last = errors.New("send failed")
	}
	return last
}
