package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeProvider struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Message
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(_ context.Context, m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	return p.err
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestMailer_RoundRobin(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}

	m := NewMailer(1, nil)
	m.Register(a, 3, time.Minute)
	m.Register(b, 3, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.SendOne(context.Background(), Message{To: "x@example.com"}))
	}

	assert.Equal(t, 2, a.calls())
	assert.Equal(t, 2, b.calls())
}

func TestMailer_FailsOverToNextProvider(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("421 try later")}
	b := &fakeProvider{name: "b"}

	m := NewMailer(2, nil)
	m.Register(a, 3, time.Minute)
	m.Register(b, 3, time.Minute)

	require.NoError(t, m.SendOne(context.Background(), Message{To: "x@example.com"}))
	assert.Equal(t, 1, a.calls())
	assert.Equal(t, 1, b.calls())
}

func TestMailer_BreakerOpensAfterThreshold(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("boom")}

	m := NewMailer(1, nil)
	m.Register(a, 2, time.Hour)

	for i := 0; i < 2; i++ {
		err := m.SendOne(context.Background(), Message{To: "x@example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	}

	err := m.SendOne(context.Background(), Message{To: "x@example.com"})
	assert.ErrorIs(t, err, ErrNoHealthy)
	assert.Equal(t, 2, a.calls())
}

func TestMailer_NoProviders(t *testing.T) {
	m := NewMailer(3, nil)
	assert.ErrorIs(t, m.SendOne(context.Background(), Message{}), ErrNoHealthy)
}

func TestHTTPProvider_Send(t *testing.T) {
	var gotAuth string
	var got sendMailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1.0/me/sendMail", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPProvider("graph", srv.URL, "", "static-token", 1000)

	err := p.Send(context.Background(), Message{
		To: "ann@example.com", Subject: "Hi", HTML: "<p>x</p>", Credential: "user-token",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Equal(t, "Hi", got.Message.Subject)
	assert.Equal(t, "HTML", got.Message.Body.ContentType)
	require.Len(t, got.Message.ToRecipients, 1)
	assert.Equal(t, "ann@example.com", got.Message.ToRecipients[0].EmailAddress.Address)

	require.NoError(t, p.Send(context.Background(), Message{To: "ann@example.com"}))
	assert.Equal(t, "Bearer static-token", gotAuth)
}

func TestHTTPProvider_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider("graph", srv.URL, "/send", "", 1000)
	err := p.Send(context.Background(), Message{To: "ann@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestSMTPProvider_BuildsMessage(t *testing.T) {
	p := NewSMTPProvider("relay", SMTPConfig{Host: "smtp.example.com", Username: "news@example.com"})

	var captured *gomail.Message
	p.send = func(m ...*gomail.Message) error {
		captured = m[0]
		return nil
	}

	require.NoError(t, p.Send(context.Background(), Message{
		To: "ann@example.com", Subject: "Spring", HTML: "<p>Hello <b>Ann</b></p>",
	}))
	require.NotNil(t, captured)
	assert.Equal(t, []string{"news@example.com"}, captured.GetHeader("From"))
	assert.Equal(t, []string{"ann@example.com"}, captured.GetHeader("To"))
	assert.Equal(t, []string{"Spring"}, captured.GetHeader("Subject"))

	assert.Equal(t, "Hello Ann", plainText("<p>Hello <b>Ann</b></p>"))
}

func TestSMTPProvider_HonoursCancelledContext(t *testing.T) {
	p := NewSMTPProvider("relay", SMTPConfig{Host: "smtp.example.com"})
	p.send = func(m ...*gomail.Message) error {
		t.Fatal("must not dial")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Send(ctx, Message{To: "x@example.com"}), context.Canceled)
}
