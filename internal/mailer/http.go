package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider posts a Graph-style sendMail payload to a JSON mail API.
type HTTPProvider struct {
	name    string
	baseURL string
	path    string
	token   string
	client  *http.Client
}

func NewHTTPProvider(name, baseURL, path, token string, timeoutMs int) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	if path == "" {
		path = "/v1.0/me/sendMail"
	}
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		path:    path,
		token:   token,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type emailAddress struct {
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type sendMailRequest struct {
	Message struct {
		Subject      string      `json:"subject"`
		Body         itemBody    `json:"body"`
		ToRecipients []recipient `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

func (p *HTTPProvider) Send(ctx context.Context, m Message) error {
	var body sendMailRequest
	body.Message.Subject = m.Subject
	body.Message.Body = itemBody{ContentType: "HTML", Content: m.HTML}
	body.Message.ToRecipients = []recipient{{EmailAddress: emailAddress{Address: m.To}}}
	body.SaveToSentItems = true

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	token := m.Credential
	if token == "" {
		token = p.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("provider=%s path=%s status=%d body=%q", p.name, p.path, res.StatusCode, snippet)
	}

	return nil
}
