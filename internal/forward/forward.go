// Package forward redelivers received messages to other mailboxes.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Forwarder redelivers the raw bytes of a message to one address.
type Forwarder interface {
	Forward(ctx context.Context, from, to string, raw []byte) error
	Name() string
}

type RelayConfig struct {
	Addr     string
	Username string
	Password string
	// Sender overrides the envelope sender when set.
	Sender string
	// Plaintext skips STARTTLS. Only for relays on a trusted network.
	Plaintext bool
}

// relayTimeout bounds a relay session when the context carries no deadline.
const relayTimeout = 2 * time.Minute

// Relay forwards through an SMTP submission server.
type Relay struct {
	cfg RelayConfig
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("smtp relay: address is required")
	}
	return &Relay{cfg: cfg}, nil
}

func (r *Relay) Name() string {
	return "smtp"
}

func (r *Relay) Forward(ctx context.Context, from, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cfg.Sender != "" {
		from = r.cfg.Sender
	}
	if err := r.send(ctx, from, to, raw); err != nil {
		return fmt.Errorf("relay to %s: %w", to, err)
	}
	return nil
}

func (r *Relay) send(ctx context.Context, from, to string, raw []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, relayTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return err
	}
	// The client resets socket deadlines per command, so the context bounds
	// the whole session by closing the connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = r.session(conn, from, to, raw)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Relay) session(conn net.Conn, from, to string, raw []byte) error {
	var c *smtp.Client
	if r.cfg.Plaintext {
		c = smtp.NewClient(conn)
	} else {
		host, _, _ := net.SplitHostPort(r.cfg.Addr)
		var err error
		if c, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: host}); err != nil {
			conn.Close()
			return err
		}
	}
	defer c.Close()

	if r.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return err
		}
	}
	if err := c.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		return err
	}
	return c.Quit()
}
