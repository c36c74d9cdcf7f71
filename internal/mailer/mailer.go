// Package mailer renders order confirmations and hands them to the relay.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/ordermail/internal/config"
	"github.com/foxzi/ordermail/internal/roster"
	"github.com/foxzi/ordermail/internal/template"
)

// Transport delivers raw messages through the relay
type Transport interface {
	Send(ctx context.Context, from string, to []string, data []byte) error
	Verify(ctx context.Context) error
}

// Mailer sends one confirmation per recipient group
type Mailer struct {
	transport Transport
	templates *template.Loader
	mail      config.MailConfig
	fields    []config.OrderField
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a mailer
func New(transport Transport, templates *template.Loader, mailCfg config.MailConfig, fields []config.OrderField, logger *slog.Logger) *Mailer {
	return &Mailer{
		transport: transport,
		templates: templates,
		mail:      mailCfg,
		fields:    fields,
		logger:    logger.With("component", "mailer"),
		now:       time.Now,
	}
}

// Verify checks that the relay accepts connections and credentials
func (m *Mailer) Verify(ctx context.Context) error {
	return m.transport.Verify(ctx)
}

// Preview renders the confirmation for a group without sending it
func (m *Mailer) Preview(group *roster.RecipientGroup) (*template.RenderResult, error) {
	data := template.NewData(group, m.fields)
	data.Subject = m.mail.Subject
	data.Sender = m.sender()
	return m.templates.Render(data)
}

// Send renders and delivers the confirmation for a group. The returned
// delivery id is the message's Message-ID.
func (m *Mailer) Send(ctx context.Context, group *roster.RecipientGroup) (string, error) {
	content, err := m.Preview(group)
	if err != nil {
		return "", fmt.Errorf("failed to render confirmation: %w", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(m.mail.FromEmail))
	data, err := m.build(group.Email, messageID, content)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}

	if err := m.transport.Send(ctx, m.mail.FromEmail, []string{group.Email}, data); err != nil {
		return "", err
	}

	m.logger.Debug("confirmation sent", "email", group.Email, "message_id", messageID, "orders", group.OrderCount())
	return messageID, nil
}

func (m *Mailer) sender() string {
	if m.mail.FromName != "" {
		return m.mail.FromName
	}
	return m.mail.FromEmail
}

// build constructs an RFC 5322 multipart/alternative message
func (m *Mailer) build(to, messageID string, content *template.RenderResult) ([]byte, error) {
	var buf bytes.Buffer

	from := mail.Address{Name: m.mail.FromName, Address: m.mail.FromEmail}

	buf.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", to))
	if m.mail.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", m.mail.ReplyTo))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", strings.TrimSpace(content.Subject))))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", m.now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if content.HTML == "" {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, content.Text); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	boundary := uuid.New().String()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", content.Text},
		{"text/html", content.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", p.contentType))
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, p.body); err != nil {
			return nil, err
		}
		buf.WriteString("\r\n")
	}

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes(), nil
}

func writeQuotedPrintable(buf *bytes.Buffer, body string) error {
	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

// domainOf extracts the domain used in Message-ID
func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
