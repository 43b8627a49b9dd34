package mailer

import (
	"context"
	"crypto/tls"
	"regexp"
	"strings"

	"gopkg.in/gomail.v2"
)

var stripTagsRe = regexp.MustCompile(`<[^>]*>`)

type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	InsecureSkipVerify bool
}

// SMTPProvider sends through an SMTP relay with gomail. One connection is dialed per message.
type SMTPProvider struct {
	name string
	from string
	send func(m ...*gomail.Message) error
}

func NewSMTPProvider(name string, c SMTPConfig) *SMTPProvider {
	if c.Port <= 0 {
		c.Port = 587
	}
	d := gomail.NewDialer(c.Host, c.Port, c.Username, c.Password)
	d.TLSConfig = &tls.Config{ServerName: c.Host, InsecureSkipVerify: c.InsecureSkipVerify}

	from := c.From
	if from == "" {
		from = c.Username
	}

	return &SMTPProvider{name: name, from: from, send: d.DialAndSend}
}

func (p *SMTPProvider) Name() string { return p.name }

func (p *SMTPProvider) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.send(p.build(m))
}

func (p *SMTPProvider) build(m Message) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", p.from)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", plainText(m.HTML))
	msg.AddAlternative("text/html", m.HTML)
	return msg
}

func plainText(html string) string {
	return strings.TrimSpace(stripTagsRe.ReplaceAllString(html, ""))
}
