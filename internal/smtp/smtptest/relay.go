// Package smtptest provides an in-process SMTP relay for tests.
package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is a message accepted by the relay
type Message struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
	TLS      bool // Received after STARTTLS
}

// Options configures the relay
type Options struct {
	// Users enables AUTH PLAIN; when set, MAIL requires authentication
	Users map[string]string
	// Reject maps a recipient to the SMTP code returned on RCPT
	Reject map[string]int
	// Delay is applied before accepting DATA
	Delay time.Duration
	// TLSConfig enables STARTTLS
	TLSConfig *tls.Config
}

// Relay is a running test SMTP server
type Relay struct {
	Addr string

	opts     Options
	server   *smtp.Server
	listener net.Listener

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	messages []Message
	sessions int
}

// Start listens on a random local port and serves in the background
func Start(opts Options) (*Relay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	r := &Relay{
		Addr:     ln.Addr().String(),
		opts:     opts,
		listener: ln,
	}

	srv := smtp.NewServer(r)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.TLSConfig = opts.TLSConfig
	r.server = srv

	go srv.Serve(ln)
	return r, nil
}

// Host returns the listening host
func (r *Relay) Host() string {
	host, _, _ := net.SplitHostPort(r.Addr)
	return host
}

// Port returns the listening port
func (r *Relay) Port() int {
	return r.listener.Addr().(*net.TCPAddr).Port
}

// Messages returns a copy of all accepted messages
func (r *Relay) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Sessions returns how many connections were opened
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Close stops the relay. It is safe to call more than once.
// The listener is closed directly since Serve may not have registered it yet.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.listener.Close()
		if err := r.server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.closeErr = err
		}
	})
	return r.closeErr
}

// NewSession implements smtp.Backend
func (r *Relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
	return &session{relay: r, conn: c}, nil
}

type session struct {
	relay    *Relay
	conn     *smtp.Conn
	from     string
	to       []string
	authUser string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		expected, ok := s.relay.opts.Users[username]
		if !ok || expected != password {
			return smtp.ErrAuthFailed
		}
		s.authUser = username
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.relay.opts.Users != nil && s.authUser == "" {
		return &smtp.SMTPError{
			Code:    530,
			Message: "Authentication required",
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if code, ok := s.relay.opts.Reject[strings.ToLower(to)]; ok {
		return &smtp.SMTPError{
			Code:    code,
			Message: "Recipient rejected",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(rd io.Reader) error {
	data, err := io.ReadAll(rd)
	if err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}
	if s.relay.opts.Delay > 0 {
		time.Sleep(s.relay.opts.Delay)
	}

	_, isTLS := s.conn.TLSConnectionState()

	s.relay.mu.Lock()
	s.relay.messages = append(s.relay.messages, Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     data,
		AuthUser: s.authUser,
		TLS:      isTLS,
	})
	s.relay.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
