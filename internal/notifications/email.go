// internal/notifications/email.go - email delivery over SMTP or Brevo
package notifications

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	brevo "github.com/getbrevo/brevo-go/lib"
	"github.com/google/uuid"

	"linkpulse/internal/config"
)

const emailSubject = "Internet Monitor Alert"

type smtpChannel struct {
	config *config.EmailChannel
	// sendMail is smtp.SendMail outside tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *smtpChannel) Name() string { return "email" }

func (s *smtpChannel) Send(ctx context.Context, message string, ev Event) error {
	from := s.config.From
	if from == "" {
		from = s.config.SMTP.User
	}
	to := []string{s.config.Address}

	uniqueID := uuid.New().String()
	now := time.Now()

	headers := [][2]string{
		{"From", from},
		{"To", strings.Join(to, ", ")},
		{"Subject", emailSubject},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s.%d@%s>", uniqueID, now.UnixNano(), s.config.SMTP.Host)},
		{"MIME-version", "1.0"},
		{"Content-Type", "text/plain; charset=\"UTF-8\""},
	}

	var b strings.Builder
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("\r\n")
	b.WriteString(message)
	b.WriteString("\r\n")

	var auth smtp.Auth
	if s.config.SMTP.User != "" {
		auth = smtp.PlainAuth("", s.config.SMTP.User, s.config.SMTP.Password, s.config.SMTP.Host)
	}

	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}

	addr := fmt.Sprintf("%s:%d", s.config.SMTP.Host, s.config.SMTP.Port)

	// smtp.SendMail has no context support
	errc := make(chan error, 1)
	go func() { errc <- send(addr, auth, from, to, []byte(b.String())) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type brevoChannel struct {
	config *config.EmailChannel
	client *brevo.APIClient
}

func newBrevoChannel(cfg *config.EmailChannel, httpClient *http.Client) *brevoChannel {
	bc := brevo.NewConfiguration()
	bc.AddDefaultHeader("api-key", cfg.BrevoAPIKey)
	bc.HTTPClient = httpClient
	return &brevoChannel{config: cfg, client: brevo.NewAPIClient(bc)}
}

func (b *brevoChannel) Name() string { return "email" }

func (b *brevoChannel) Send(ctx context.Context, message string, ev Event) error {
	name := b.config.FromName
	if name == "" {
		name = "Internet Monitor"
	}

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  name,
			Email: b.config.From,
		},
		To: []brevo.SendSmtpEmailTo{
			{
				Email: b.config.Address,
			},
		},
		Subject:     emailSubject,
		HtmlContent: fmt.Sprintf("<pre>%s</pre>", html.EscapeString(message)),
		TextContent: message,
	}

	if _, _, err := b.client.TransactionalEmailsApi.SendTransacEmail(ctx, email); err != nil {
		return fmt.Errorf("failed to send email via Brevo: %w", err)
	}
	return nil
}
