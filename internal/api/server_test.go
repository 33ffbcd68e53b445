package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.io/infrasutra/mailgate/internal/auth"
	"github.io/infrasutra/mailgate/internal/config"
	"github.io/infrasutra/mailgate/internal/preview"
	"github.io/infrasutra/mailgate/internal/sse"
	"github.io/infrasutra/mailgate/internal/store"
)

type fixture struct {
	store      *store.Store
	server     *Server
	hub        *sse.Hub
	adminToken string
	userToken  string
	userID     int64
}

func newFixture(t *testing.T, limits config.PreviewConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	adminID, err := s.UpsertUser(ctx, "admin@example.com", time.Now())
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	userID, err := s.UpsertUser(ctx, "user@example.com", time.Now())
	if err != nil {
		t.Fatalf("user: %v", err)
	}

	manager, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	adminToken, _ := manager.Issue(adminID, "admin@example.com", time.Now())
	userToken, _ := manager.Issue(userID, "user@example.com", time.Now())

	hub := sse.NewHub()
	server := NewServer(Deps{
		Store:   s,
		Auth:    manager,
		Hub:     hub,
		Gateway: &preview.Gateway{Store: s},
		Grants: &preview.Service{
			Store:   s,
			Issuer:  &preview.Issuer{Store: s},
			Admin:   "admin@example.com",
			Domains: []string{"example.com"},
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Preview: limits,
	})
	return &fixture{store: s, server: server, hub: hub, adminToken: adminToken, userToken: userToken, userID: userID}
}

func (f *fixture) do(t *testing.T, method, target, token, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec, env
}

func (f *fixture) createMailboxGrant(t *testing.T, body string) mailboxGrant {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/preview/create", f.adminToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body.String())
	}
	var grant mailboxGrant
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	return grant
}

func TestHealthReadyMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec, _ := f.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got %d, want 200", path, rec.Code)
		}
	}
}

func TestManagementRequiresIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	rec, env := f.do(t, http.MethodGet, "/api/preview/list", "", "")
	if rec.Code != http.StatusUnauthorized || env.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d/%d, want 401", rec.Code, env.Code)
	}
	rec, _ = f.do(t, http.MethodGet, "/api/preview/list", "garbage", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/api/preview/list", f.adminToken, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method: got %d, want 405", rec.Code)
	}
}

func TestMailboxGrantLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})

	rec, env := f.do(t, http.MethodPost, "/api/preview/create", f.userToken, `{"email":"demo@example.com"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("create as user: got %d, want 403", rec.Code)
	}
	rec, env = f.do(t, http.MethodPost, "/api/preview/create", f.adminToken, `{"email":"demo@elsewhere.net"}`)
	if rec.Code != http.StatusBadRequest || env.Message == "" {
		t.Fatalf("create outside domains: got %d %q, want 400", rec.Code, env.Message)
	}

	grant := f.createMailboxGrant(t, `{"email":"demo@example.com"}`)
	if len(grant.Token) != 2*preview.TokenBytes || grant.ExpireTime != nil {
		t.Fatalf("grant: got %+v", grant)
	}

	rec, env = f.do(t, http.MethodGet, "/api/preview/page/list?token="+grant.Token+"&size=5", "", "")
	if rec.Code != http.StatusOK || env.Code != http.StatusOK {
		t.Fatalf("page: got %d %s", rec.Code, rec.Body.String())
	}
	data, _ := env.Data.(map[string]any)
	if data["email"] != "demo@example.com" {
		t.Errorf("page email: got %v", data["email"])
	}

	rec, env = f.do(t, http.MethodPut, "/api/preview/expire", f.adminToken, `{"previewId":`+itoa(grant.PreviewID)+`,"days":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expire: got %d %s", rec.Code, rec.Body.String())
	}
	if data, _ := env.Data.(map[string]any); data["expireTime"] == nil {
		t.Errorf("expire: expireTime not set")
	}
	rec, env = f.do(t, http.MethodPut, "/api/preview/expire", f.adminToken, `{"previewId":`+itoa(grant.PreviewID)+`,"days":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear expire: got %d", rec.Code)
	}
	if data, _ := env.Data.(map[string]any); data["expireTime"] != nil {
		t.Errorf("clear expire: got %v", data["expireTime"])
	}
	rec, _ = f.do(t, http.MethodPut, "/api/preview/expire", f.adminToken, `{"previewId":`+itoa(grant.PreviewID)+`,"days":"-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative days: got %d, want 400", rec.Code)
	}

	rec, _ = f.do(t, http.MethodDelete, "/api/preview/delete?previewId="+itoa(grant.PreviewID), f.adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodGet, "/api/preview/page/list?token="+grant.Token, "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted grant: got %d, want 404", rec.Code)
	}
}

func TestExpiredGrantIsForbidden(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	grant := f.createMailboxGrant(t, `{"email":"demo@example.com","expireTime":"2001-01-01 00:00:00"}`)
	rec, env := f.do(t, http.MethodGet, "/api/preview/page/list?token="+grant.Token, "", "")
	if rec.Code != http.StatusForbidden || env.Code != http.StatusForbidden {
		t.Errorf("expired: got %d/%d, want 403", rec.Code, env.Code)
	}
}

func TestMessageGrantAndDetail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	ctx := context.Background()
	email, _, err := f.store.InsertEmail(ctx, store.Email{UserID: f.userID, AccountID: 1, Subject: "hello", Content: "<b>hi</b><script>x()</script>"}, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := f.store.CompleteReceive(ctx, email.ID, store.StatusReceived); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec, env := f.do(t, http.MethodPost, "/api/email-preview/create", f.adminToken, `{"emailId":`+itoa(email.ID)+`}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("create for foreign email: got %d, want 404", rec.Code)
	}
	rec, env = f.do(t, http.MethodPost, "/api/email-preview/create", f.userToken, `{"emailId":`+itoa(email.ID)+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body.String())
	}
	data, _ := env.Data.(map[string]any)
	token, _ := data["token"].(string)

	rec, env = f.do(t, http.MethodGet, "/api/preview/email?token="+token, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: got %d %s", rec.Code, rec.Body.String())
	}
	detail, _ := env.Data.(map[string]any)
	if detail["subject"] != "hello" {
		t.Errorf("subject: got %v", detail["subject"])
	}
	if content, _ := detail["content"].(string); strings.Contains(content, "<script") {
		t.Errorf("content not sanitized: %q", content)
	}

	rec, env = f.do(t, http.MethodGet, "/api/email-preview/list", f.userToken, "")
	if list, _ := env.Data.([]any); rec.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("list: got %d with %v", rec.Code, env.Data)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/preview/email?token=unknown", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token: got %d, want 404", rec.Code)
	}
}

func TestPublicEndpointsAreRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{RatePerMinute: 1, Burst: 2})
	for i := 0; i < 2; i++ {
		if rec, _ := f.do(t, http.MethodGet, "/api/preview/email?token=x", "", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("request %d: got %d, want 404", i, rec.Code)
		}
	}
	rec, _ := f.do(t, http.MethodGet, "/api/preview/email?token=x", "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request: got %d, want 429", rec.Code)
	}
}

func TestStreamDeliversMailboxEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	grant := f.createMailboxGrant(t, `{"email":"demo@example.com"}`)

	ts := httptest.NewServer(f.server)
	t.Cleanup(ts.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/preview/stream?token="+grant.Token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if line == "\n" {
				return strings.Join(lines, "")
			}
			lines = append(lines, line)
		}
	}
	if ev := readEvent(); !strings.HasPrefix(ev, "event: ready") {
		t.Fatalf("first event: got %q", ev)
	}

	payload, _ := sse.Event("email", map[string]int64{"emailId": 9})
	for f.hub.Subscribers(grant.AccountID) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	f.hub.Broadcast(grant.AccountID, payload)
	if ev := readEvent(); !strings.Contains(ev, `"emailId":9`) {
		t.Errorf("email event: got %q", ev)
	}
}

// openStream connects to the mailbox stream and consumes the ready event.
func (f *fixture) openStream(t *testing.T, token string) func() (string, error) {
	t.Helper()
	ts := httptest.NewServer(f.server)
	t.Cleanup(ts.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/preview/stream?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	next := func() (string, error) {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return strings.Join(lines, ""), err
			}
			if line == "\n" {
				return strings.Join(lines, ""), nil
			}
			lines = append(lines, line)
		}
	}
	if ev, err := next(); err != nil || !strings.HasPrefix(ev, "event: ready") {
		t.Fatalf("first event: got %q, %v", ev, err)
	}
	return next
}

func TestStreamClosesWhenGrantDeleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	grant := f.createMailboxGrant(t, `{"email":"demo@example.com"}`)
	next := f.openStream(t, grant.Token)

	rec, _ := f.do(t, http.MethodDelete, "/api/preview/delete?previewId="+itoa(grant.PreviewID), f.adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rec.Code)
	}
	payload, _ := sse.Event("email", map[string]any{"emailId": 42, "subject": "secret"})
	f.hub.Broadcast(grant.AccountID, payload)

	ev, err := next()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if strings.Contains(ev, "secret") || !strings.Contains(ev, "event: closed") || !strings.Contains(ev, "revoked") {
		t.Errorf("after delete: got %q, want closed/revoked", ev)
	}
	if ev, err := next(); err != io.EOF {
		t.Errorf("stream after close: got %q, %v; want EOF", ev, err)
	}
}

func TestStreamClosesAtExpiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.PreviewConfig{})
	grant := f.createMailboxGrant(t, `{"email":"demo@example.com"}`)
	expire := time.Now().Add(2 * time.Second)
	if _, err := f.store.SetMailboxPreviewExpiry(context.Background(), grant.PreviewID, &expire); err != nil {
		t.Fatalf("set expiry: %v", err)
	}
	next := f.openStream(t, grant.Token)

	ev, err := next()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(ev, "event: closed") || !strings.Contains(ev, "expired") {
		t.Errorf("at expiry: got %q, want closed/expired", ev)
	}

	payload, _ := sse.Event("email", map[string]any{"emailId": 43, "subject": "late"})
	f.hub.Broadcast(grant.AccountID, payload)
	if ev, err := next(); err != io.EOF || strings.Contains(ev, "late") {
		t.Errorf("stream after expiry: got %q, %v; want EOF", ev, err)
	}
}

func TestExpireDays(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		``:     "",
		`null`: "",
		`3`:    "3",
		`1.5`:  "1.5",
		`"7"`:  "7",
		`""`:   "",
	}
	for raw, want := range cases {
		if got := (expireRequest{Days: json.RawMessage(raw)}).days(); got != want {
			t.Errorf("days(%s): got %q, want %q", raw, got, want)
		}
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
