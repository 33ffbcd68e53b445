package preview

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.io/infrasutra/mailgate/internal/blob"
	"github.io/infrasutra/mailgate/internal/metrics"
	"github.io/infrasutra/mailgate/internal/settings"
	"github.io/infrasutra/mailgate/internal/store"
)

const excerptRunes = 200

var contentPolicy = newContentPolicy()

func newContentPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("div", "span", "center", "font")
	p.AllowAttrs("style").OnElements("span", "div", "p", "td", "table")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("align", "bgcolor", "border", "cellpadding", "cellspacing", "width").OnElements("table", "td", "tr")
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	return p
}

type GatewayStore interface {
	MailboxPreviewByToken(ctx context.Context, token string) (store.MailboxPreview, error)
	MessagePreviewByToken(ctx context.Context, token string) (store.MessagePreview, error)
	AccountByID(ctx context.Context, id int64, includeDeleted bool) (store.Account, error)
	ListEmails(ctx context.Context, q store.ListQuery) ([]store.EmailSummary, int64, error)
	GetEmail(ctx context.Context, id int64) (store.Email, error)
	AttachmentsByEmail(ctx context.Context, emailID int64) ([]store.Attachment, error)
	LoadSettings(ctx context.Context) (settings.Snapshot, error)
}

// Gateway validates presented tokens and projects the shared resource.
type Gateway struct {
	Store GatewayStore
	Now   func() time.Time
}

type ListParams struct {
	Cursor    int64
	Size      int
	Ascending bool
	Type      store.Direction
}

type EmailItem struct {
	EmailID        int64     `json:"emailId"`
	SendEmail      string    `json:"sendEmail"`
	Name           string    `json:"name"`
	Subject        string    `json:"subject"`
	Text           string    `json:"text"`
	CreateTime     time.Time `json:"createTime"`
	HasAttachments bool      `json:"hasAttachments"`
}

type MailboxPage struct {
	Email string      `json:"email"`
	Total int64       `json:"total"`
	List  []EmailItem `json:"list"`
}

type AttachmentItem struct {
	Key       string `json:"key"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	ContentID string `json:"contentId,omitempty"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
}

type MessageDetail struct {
	EmailID    int64            `json:"emailId"`
	Subject    string           `json:"subject"`
	Content    string           `json:"content"`
	Text       string           `json:"text"`
	CreateTime time.Time        `json:"createTime"`
	AttList    []AttachmentItem `json:"attList"`
}

// ResolveMailbox validates a mailbox token and returns the live mailbox it
// shares.
func (g *Gateway) ResolveMailbox(ctx context.Context, token string) (store.Account, error) {
	_, account, err := g.ResolveMailboxGrant(ctx, token)
	return account, err
}

// ResolveMailboxGrant is ResolveMailbox that also returns the grant, so
// long-lived readers can track its expiry.
func (g *Gateway) ResolveMailboxGrant(ctx context.Context, token string) (store.MailboxPreview, store.Account, error) {
	grant, account, err := g.resolveMailbox(ctx, token)
	metrics.PreviewLookups.WithLabelValues(NamespaceMailbox.String(), lookupResult(err)).Inc()
	return grant, account, err
}

func (g *Gateway) resolveMailbox(ctx context.Context, token string) (store.MailboxPreview, store.Account, error) {
	if strings.TrimSpace(token) == "" {
		return store.MailboxPreview{}, store.Account{}, ErrNotFound
	}
	grant, err := g.Store.MailboxPreviewByToken(ctx, token)
	if err != nil {
		return store.MailboxPreview{}, store.Account{}, notFound(err)
	}
	if g.expired(grant.ExpireTime) {
		return store.MailboxPreview{}, store.Account{}, ErrExpired
	}
	account, err := g.Store.AccountByID(ctx, grant.AccountID, false)
	if err != nil {
		return store.MailboxPreview{}, store.Account{}, notFound(err)
	}
	return grant, account, nil
}

// MailboxPage lists one page of the shared mailbox using the owner listing
// contract, pinned to that mailbox.
func (g *Gateway) MailboxPage(ctx context.Context, token string, params ListParams) (MailboxPage, error) {
	account, err := g.ResolveMailbox(ctx, token)
	if err != nil {
		return MailboxPage{}, err
	}
	emails, total, err := g.Store.ListEmails(ctx, store.ListQuery{
		UserID:    account.UserID,
		AccountID: account.ID,
		Type:      params.Type,
		Cursor:    params.Cursor,
		Size:      params.Size,
		Ascending: params.Ascending,
	})
	if err != nil {
		return MailboxPage{}, err
	}
	page := MailboxPage{Email: account.Email, Total: total, List: make([]EmailItem, 0, len(emails))}
	for _, e := range emails {
		page.List = append(page.List, EmailItem{
			EmailID:        e.ID,
			SendEmail:      e.SendEmail,
			Name:           e.Name,
			Subject:        e.Subject,
			Text:           excerpt(e.Text),
			CreateTime:     e.CreatedAt.UTC(),
			HasAttachments: e.HasAttachments,
		})
	}
	return page, nil
}

// MessageDetail returns the shared message with sanitized HTML. Inline
// images are pointed at object storage when a public domain is set.
func (g *Gateway) MessageDetail(ctx context.Context, token string) (MessageDetail, error) {
	detail, err := g.messageDetail(ctx, token)
	metrics.PreviewLookups.WithLabelValues(NamespaceMessage.String(), lookupResult(err)).Inc()
	return detail, err
}

func (g *Gateway) messageDetail(ctx context.Context, token string) (MessageDetail, error) {
	if strings.TrimSpace(token) == "" {
		return MessageDetail{}, ErrNotFound
	}
	grant, err := g.Store.MessagePreviewByToken(ctx, token)
	if err != nil {
		return MessageDetail{}, notFound(err)
	}
	if g.expired(grant.ExpireTime) {
		return MessageDetail{}, ErrExpired
	}
	email, err := g.Store.GetEmail(ctx, grant.EmailID)
	if err != nil {
		return MessageDetail{}, notFound(err)
	}
	if email.Deleted {
		return MessageDetail{}, ErrNotFound
	}

	atts, err := g.Store.AttachmentsByEmail(ctx, email.ID)
	if err != nil {
		return MessageDetail{}, err
	}
	snap, err := g.Store.LoadSettings(ctx)
	if err != nil {
		return MessageDetail{}, err
	}

	html := email.Content
	items := make([]AttachmentItem, 0, len(atts))
	for _, att := range atts {
		url := blob.URL(snap.ObjectDomain, att.Key)
		if att.ContentID != "" && snap.ObjectDomain != "" {
			html = strings.ReplaceAll(html, "cid:"+att.ContentID, url)
		}
		items = append(items, AttachmentItem{
			Key:       att.Key,
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			ContentID: att.ContentID,
			Size:      att.Size,
			URL:       url,
		})
	}

	return MessageDetail{
		EmailID:    email.ID,
		Subject:    email.Subject,
		Content:    contentPolicy.Sanitize(html),
		Text:       email.Text,
		CreateTime: email.CreatedAt.UTC(),
		AttList:    items,
	}, nil
}

func (g *Gateway) expired(expire *time.Time) bool {
	if expire == nil {
		return false
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return now().UTC().After(expire.UTC())
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func lookupResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "error"
	}
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	return string([]rune(text)[:excerptRunes])
}
