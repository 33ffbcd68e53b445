package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailgate/internal/forward"
	"github.io/infrasutra/mailgate/internal/ingest"
)

const rawMessage = "From: sender@example.net\r\nTo: box@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

type fakeIngester struct {
	mu     sync.Mutex
	rcpts  []string
	bodies []string
	fn     func(d ingest.Delivery) ingest.Outcome
}

func (f *fakeIngester) Receive(_ context.Context, d ingest.Delivery) ingest.Outcome {
	body, _ := io.ReadAll(d.Raw)
	f.mu.Lock()
	f.rcpts = append(f.rcpts, d.Rcpt)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(d)
	}
	return ingest.Accepted
}

type fakeForwarder struct {
	mu   sync.Mutex
	from string
	to   []string
}

func (f *fakeForwarder) Name() string { return "fake" }

func (f *fakeForwarder) Forward(_ context.Context, from, to string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.from = from
	f.to = append(f.to, to)
	return nil
}

func startServer(t *testing.T, ing Ingester, fwd *fakeForwarder, auth AuthConfig) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var f forward.Forwarder
	if fwd != nil {
		f = fwd
	}
	srv := New(ing, f, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Domain: "localhost", Auth: auth})
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func TestDataRunsOneIngestionPerRecipient(t *testing.T) {
	t.Parallel()
	ing := &fakeIngester{}
	addr := startServer(t, ing, nil, AuthConfig{})

	err := smtp.SendMail(addr, nil, "sender@example.net", []string{"Box@Example.com", "other@example.com"}, strings.NewReader(rawMessage))
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.rcpts) != 2 || ing.rcpts[0] != "box@example.com" || ing.rcpts[1] != "other@example.com" {
		t.Fatalf("recipients: got %q", ing.rcpts)
	}
	for i, body := range ing.bodies {
		if !strings.Contains(body, "Subject: hi") {
			t.Errorf("delivery %d: got body %q", i, body)
		}
	}
}

func TestDataRejectsWhenEveryRecipientRejected(t *testing.T) {
	t.Parallel()
	ing := &fakeIngester{fn: func(d ingest.Delivery) ingest.Outcome {
		d.Transport.Reject(ingest.ReasonNoRecipient)
		return ingest.Rejected
	}}
	addr := startServer(t, ing, nil, AuthConfig{})

	err := smtp.SendMail(addr, nil, "sender@example.net", []string{"a@example.com", "b@example.com"}, strings.NewReader(rawMessage))
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("SendMail: got %v, want SMTPError", err)
	}
	if smtpErr.Code != 550 || smtpErr.Message != ingest.ReasonNoRecipient {
		t.Errorf("reply: got %d %q", smtpErr.Code, smtpErr.Message)
	}
}

func TestDataAcceptsPartialRejection(t *testing.T) {
	t.Parallel()
	ing := &fakeIngester{fn: func(d ingest.Delivery) ingest.Outcome {
		if d.Rcpt == "closed@example.com" {
			d.Transport.Reject(ingest.ReasonDisabled)
			return ingest.Rejected
		}
		return ingest.Accepted
	}}
	addr := startServer(t, ing, nil, AuthConfig{})

	err := smtp.SendMail(addr, nil, "sender@example.net", []string{"closed@example.com", "open@example.com"}, strings.NewReader(rawMessage))
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}
}

func TestTransportForwardsRawMessage(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{}
	ing := &fakeIngester{fn: func(d ingest.Delivery) ingest.Outcome {
		if err := d.Transport.Forward(context.Background(), "copy@example.org"); err != nil {
			t.Errorf("Forward: %v", err)
		}
		return ingest.Accepted
	}}
	addr := startServer(t, ing, fwd, AuthConfig{})

	if err := smtp.SendMail(addr, nil, "Sender@Example.net", []string{"box@example.com"}, strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("SendMail: %v", err)
	}
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if fwd.from != "sender@example.net" || len(fwd.to) != 1 || fwd.to[0] != "copy@example.org" {
		t.Errorf("forwarded: got from %q to %q", fwd.from, fwd.to)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	ing := &fakeIngester{}
	addr := startServer(t, ing, nil, AuthConfig{Enabled: true, Username: "user", Password: "pass"})

	if err := smtp.SendMail(addr, nil, "sender@example.net", []string{"box@example.com"}, strings.NewReader(rawMessage)); err == nil {
		t.Fatal("SendMail without auth: want error")
	}
	auth := sasl.NewPlainClient("", "user", "pass")
	if err := smtp.SendMail(addr, auth, "sender@example.net", []string{"box@example.com"}, strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("SendMail with auth: %v", err)
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.rcpts) != 1 {
		t.Errorf("deliveries: got %d, want 1", len(ing.rcpts))
	}
}

func TestRejectErrorCodes(t *testing.T) {
	t.Parallel()
	cases := map[string]smtp.EnhancedCode{
		ingest.ReasonNoRecipient: {5, 1, 1},
		ingest.ReasonDisabled:    {5, 2, 1},
		ingest.ReasonSuspended:   {5, 7, 1},
	}
	for reason, want := range cases {
		err := rejectError(reason)
		if err.Code != 550 || err.EnhancedCode != want || err.Message != reason {
			t.Errorf("%s: got %d %v %q", reason, err.Code, err.EnhancedCode, err.Message)
		}
	}
	if got := rejectError(""); got.Message == "" {
		t.Errorf("empty reason: want a default message")
	}
}
