// Package smtp delivers messages through the configured SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/ordermail/internal/config"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Transient bool // 4xx replies and connection failures
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Temporary reports whether a later attempt may succeed
func (e *DeliveryError) Temporary() bool {
	return e.Transient
}

// Client sends messages to a single relay, one connection per message
type Client struct {
	cfg      config.SMTPConfig
	hostname string
	logger   *slog.Logger
	signer   *Signer
}

// NewClient creates a new relay client. hostname is used in EHLO.
func NewClient(cfg config.SMTPConfig, hostname string, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return &Client{
		cfg:      cfg,
		hostname: hostname,
		logger:   logger.With("component", "smtp", "relay", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
	}
}

// SetDKIMSigner enables DKIM signing of outgoing messages
func (c *Client) SetDKIMSigner(signer *Signer) {
	c.signer = signer
}

// Verify connects, authenticates and quits without sending
func (c *Client) Verify(ctx context.Context) error {
	client, release, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := client.Quit(); err != nil {
		return c.categorizeError(err, "QUIT")
	}

	c.logger.Debug("relay verified")
	return nil
}

// Send performs one delivery attempt of data to the recipients
func (c *Client) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return &DeliveryError{
			Transient: false,
			Message:   "no valid recipients",
		}
	}

	messageData := data
	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", c.signer.Domain(),
				"error", err,
			)
		} else {
			messageData = signed
		}
	}

	client, release, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := client.Mail(from, nil); err != nil {
		return c.categorizeError(err, "MAIL FROM")
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient, nil); err != nil {
			return c.categorizeError(err, fmt.Sprintf("RCPT TO %s", recipient))
		}
	}

	wc, err := client.Data()
	if err != nil {
		return c.categorizeError(err, "DATA")
	}

	if _, err := bytes.NewReader(messageData).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Transient: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}

	if err := wc.Close(); err != nil {
		return c.categorizeError(err, "DATA close")
	}

	client.Quit()

	c.logger.Debug("message relayed", "from", from, "to", to, "size", len(messageData))
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}
}

// connect dials the relay and completes EHLO, TLS and AUTH.
// release must be called once the session is over.
func (c *Client) connect(ctx context.Context) (client *smtp.Client, release func(), err error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var conn net.Conn
	if c.cfg.Security == config.SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, &DeliveryError{
			Transient: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	// Set deadline
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > c.cfg.Timeout {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	conn.SetDeadline(deadline)

	// Abort blocked I/O when the context is cancelled
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})

	if c.cfg.Security == config.SecuritySTARTTLS {
		// Greets, upgrades the connection and resets EHLO state
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig())
		if err != nil {
			stop()
			de := c.categorizeError(err, "STARTTLS")
			if strings.Contains(err.Error(), "doesn't support STARTTLS") {
				de.Transient = false
			}
			return nil, nil, de
		}
	} else {
		client = smtp.NewClient(conn)
	}
	release = func() {
		stop()
		client.Close()
	}

	if err := c.handshake(client); err != nil {
		release()
		return nil, nil, err
	}

	return client, release, nil
}

func (c *Client) handshake(client *smtp.Client) error {
	if err := client.Hello(c.hostname); err != nil {
		return c.categorizeError(err, "EHLO")
	}

	if c.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return &DeliveryError{
				Transient: false,
				Message:   "relay does not support AUTH",
			}
		}
		auth := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return c.categorizeError(err, "AUTH")
		}
	}

	return nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func (c *Client) categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Transient: smtpErr.Code < 500,
			Message:   msg,
		}
	}

	// Extract SMTP code from error message
	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 && strings.HasPrefix(matches[1], "5") {
		return &DeliveryError{
			Transient: false,
			Message:   msg,
		}
	}

	// Assume temporary by default
	return &DeliveryError{
		Transient: true,
		Message:   msg,
	}
}
