package preview

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.io/infrasutra/mailgate/internal/settings"
	"github.io/infrasutra/mailgate/internal/store"
)

func newGateway(e *env, now time.Time) *Gateway {
	return &Gateway{Store: e.store, Now: func() time.Time { return now }}
}

func TestResolveMailboxUnknownToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	g := newGateway(e, e.now)
	for _, token := range []string{"", "  ", "deadbeef"} {
		if _, err := g.ResolveMailbox(context.Background(), token); !errors.Is(err, ErrNotFound) {
			t.Errorf("token %q: got %v, want ErrNotFound", token, err)
		}
	}
}

func TestResolveMailboxWithoutExpiryNeverExpires(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	grant, err := e.service.CreateMailbox(ctx, e.admin, "demo@example.com", "")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	g := newGateway(e, e.now.AddDate(1, 0, 0))
	account, err := g.ResolveMailbox(ctx, grant.Token)
	if err != nil {
		t.Fatalf("ResolveMailbox a year later: %v", err)
	}
	if account.Email != "demo@example.com" {
		t.Errorf("account: got %q, want %q", account.Email, "demo@example.com")
	}
}

func TestResolveMailboxExpired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	grant, err := e.service.CreateMailbox(ctx, e.admin, "demo@example.com", "2026-03-02 12:00:00")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	if _, err := newGateway(e, e.now).ResolveMailbox(ctx, grant.Token); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	late := newGateway(e, time.Date(2026, 3, 2, 12, 0, 1, 0, time.UTC))
	if _, err := late.ResolveMailbox(ctx, grant.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("after expiry: got %v, want ErrExpired", err)
	}
}

func TestResolveMailboxDeletedAccount(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	grant, err := e.service.CreateMailbox(ctx, e.admin, "demo@example.com", "")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if err := e.store.SoftDeleteAccount(ctx, grant.AccountID); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := newGateway(e, e.now).ResolveMailbox(ctx, grant.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted account: got %v, want ErrNotFound", err)
	}
}

func TestMailboxPageIsScopedToMailbox(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	grant, err := e.service.CreateMailbox(ctx, e.admin, "demo@example.com", "")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	other, err := e.store.CreateAccount(ctx, store.Account{UserID: e.admin.UserID, Email: "other@example.com"})
	if err != nil {
		t.Fatalf("other account: %v", err)
	}
	for i := 0; i < 3; i++ {
		e.receivedEmail(t, e.admin, grant.AccountID)
	}
	e.receivedEmail(t, e.admin, other.ID)

	g := newGateway(e, e.now)
	page, err := g.MailboxPage(ctx, grant.Token, ListParams{Size: 2})
	if err != nil {
		t.Fatalf("MailboxPage: %v", err)
	}
	if page.Email != "demo@example.com" || page.Total != 3 || len(page.List) != 2 {
		t.Fatalf("page: got email %q total %d len %d", page.Email, page.Total, len(page.List))
	}
	if page.List[0].EmailID < page.List[1].EmailID {
		t.Errorf("page order: got %d before %d, want newest first", page.List[0].EmailID, page.List[1].EmailID)
	}

	next, err := g.MailboxPage(ctx, grant.Token, ListParams{Size: 2, Cursor: page.List[1].EmailID})
	if err != nil {
		t.Fatalf("next page: %v", err)
	}
	if next.Total != 3 || len(next.List) != 1 {
		t.Errorf("next page: got total %d len %d, want 3 and 1", next.Total, len(next.List))
	}
}

func TestMessageDetail(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	snap := settings.Default()
	snap.ObjectDomain = "cdn.example.com"
	if err := e.store.SaveSettings(ctx, snap); err != nil {
		t.Fatalf("settings: %v", err)
	}
	email, _, err := e.store.InsertEmail(ctx, store.Email{
		UserID:    e.user.UserID,
		AccountID: 1,
		Subject:   "report",
		Content:   `<p onclick="steal()">hello<script>alert(1)</script><img src="cid:logo1"></p>`,
		Text:      "hello",
	}, []store.Attachment{{Key: "attachments/abc.png", Filename: "logo.png", MimeType: "image/png", ContentID: "logo1", Size: 4, Inline: true}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := e.store.CompleteReceive(ctx, email.ID, store.StatusReceived); err != nil {
		t.Fatalf("complete: %v", err)
	}
	grant, err := e.service.CreateMessage(ctx, e.user, email.ID, "")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	g := newGateway(e, e.now)
	detail, err := g.MessageDetail(ctx, grant.Token)
	if err != nil {
		t.Fatalf("MessageDetail: %v", err)
	}
	if detail.Subject != "report" {
		t.Errorf("subject: got %q, want %q", detail.Subject, "report")
	}
	for _, banned := range []string{"<script", "onclick", "cid:"} {
		if strings.Contains(detail.Content, banned) {
			t.Errorf("content still contains %q: %s", banned, detail.Content)
		}
	}
	if !strings.Contains(detail.Content, "https://cdn.example.com/attachments/abc.png") {
		t.Errorf("content: got %s, want inline image rewritten", detail.Content)
	}
	if len(detail.AttList) != 1 || detail.AttList[0].URL != "https://cdn.example.com/attachments/abc.png" {
		t.Errorf("attachments: got %+v", detail.AttList)
	}

	if err := e.store.SoftDeleteEmail(ctx, email.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := g.MessageDetail(ctx, grant.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted message: got %v, want ErrNotFound", err)
	}
}

func TestMessageDetailExpired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	email := e.receivedEmail(t, e.user, 1)
	grant, err := e.service.CreateMessage(ctx, e.user, email.ID, "2026-03-01")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := newGateway(e, e.now).MessageDetail(ctx, grant.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("expired grant: got %v, want ErrExpired", err)
	}
	if _, err := newGateway(e, e.now).MessageDetail(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token: got %v, want ErrNotFound", err)
	}
}
