package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.io/infrasutra/mailgate/internal/forward"
	"github.io/infrasutra/mailgate/internal/ingest"
)

const (
	defaultDomain = "mailgate"
)

// Ingester runs one ingestion per recipient.
type Ingester interface {
	Receive(ctx context.Context, d ingest.Delivery) ingest.Outcome
}

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Options struct {
	Addr            string
	Domain          string
	Auth            AuthConfig
	MaxMessageBytes int64
	MaxRecipients   int
	ChunkSize       int
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

// New returns an SMTP server feeding every accepted message to ing. fwd may
// be nil, in which case forwarding targets are skipped with an error.
func New(ing Ingester, fwd forward.Forwarder, logger *slog.Logger, opts Options) *Server {
	backend := &backend{
		ingester:     ing,
		forwarder:    fwd,
		logger:       logger,
		chunkSize:    opts.ChunkSize,
		authEnabled:  opts.Auth.Enabled,
		authUsername: opts.Auth.Username,
		authPassword: opts.Auth.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = opts.Addr
	server.Domain = opts.Domain
	if server.Domain == "" {
		server.Domain = defaultDomain
	}
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	if opts.MaxRecipients > 0 {
		server.MaxRecipients = opts.MaxRecipients
	}
	server.MaxMessageBytes = 25 << 20
	if opts.MaxMessageBytes > 0 {
		server.MaxMessageBytes = opts.MaxMessageBytes
	}

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String())
	return s.smtp.Serve(l)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	ingester     Ingester
	forwarder    forward.Forwarder
	logger       *slog.Logger
	chunkSize    int
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	logger := b.logger.With("session", uuid.NewString())
	if c != nil && c.Conn() != nil {
		logger = logger.With("remote", c.Conn().RemoteAddr().String())
	}
	return &session{backend: b, logger: logger}, nil
}

type session struct {
	backend       *backend
	logger        *slog.Logger
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

// Data reads the message once and runs an ingestion per recipient. The
// transaction fails only when every recipient was rejected.
func (s *session) Data(r io.Reader) error {
	raw, err := ingest.Drain(r, s.backend.chunkSize)
	if err != nil {
		s.logger.Error("read smtp message", "error", err)
		return err
	}

	ctx := context.Background()
	var firstReason string
	rejected := 0
	for _, rcpt := range s.to {
		t := &transport{session: s, raw: raw}
		outcome := s.backend.ingester.Receive(ctx, ingest.Delivery{
			Raw:       bytes.NewReader(raw),
			Rcpt:      rcpt,
			Transport: t,
		})
		if outcome == ingest.Rejected {
			rejected++
			if firstReason == "" {
				firstReason = t.reason
			}
		}
	}

	if len(s.to) > 0 && rejected == len(s.to) {
		return rejectError(firstReason)
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// transport binds one recipient's ingestion to the SMTP transaction.
type transport struct {
	session *session
	raw     []byte
	reason  string
}

func (t *transport) Reject(reason string) {
	if t.reason == "" {
		t.reason = reason
	}
}

func (t *transport) Forward(ctx context.Context, addr string) error {
	fwd := t.session.backend.forwarder
	if fwd == nil {
		return errors.New("no forwarder configured")
	}
	return fwd.Forward(ctx, t.session.from, addr, t.raw)
}

func rejectError(reason string) *smtp.SMTPError {
	code := smtp.EnhancedCode{5, 7, 1}
	switch reason {
	case ingest.ReasonNoRecipient:
		code = smtp.EnhancedCode{5, 1, 1}
	case ingest.ReasonDisabled:
		code = smtp.EnhancedCode{5, 2, 1}
	}
	if reason == "" {
		reason = "Message rejected"
	}
	return &smtp.SMTPError{Code: 550, EnhancedCode: code, Message: reason}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
