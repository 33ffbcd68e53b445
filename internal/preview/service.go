package preview

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailgate/internal/address"
	"github.io/infrasutra/mailgate/internal/store"
)

type ServiceStore interface {
	TokenStore
	UserByID(ctx context.Context, id int64) (store.User, error)
	UserByEmail(ctx context.Context, email string) (store.User, error)
	AccountByEmail(ctx context.Context, email string, includeDeleted bool) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) (store.Account, error)
	RestorePreviewAccount(ctx context.Context, id int64) error
	GetEmail(ctx context.Context, id int64) (store.Email, error)

	InsertMailboxPreview(ctx context.Context, p store.MailboxPreview) (store.MailboxPreview, error)
	ListMailboxPreviews(ctx context.Context) ([]store.MailboxPreview, error)
	DeleteMailboxPreview(ctx context.Context, id int64) error
	SetMailboxPreviewExpiry(ctx context.Context, id int64, expire *time.Time) (store.MailboxPreview, error)

	InsertMessagePreview(ctx context.Context, p store.MessagePreview) (store.MessagePreview, error)
	MessagePreviewFor(ctx context.Context, emailID, userID int64) (store.MessagePreview, error)
	ListMessagePreviews(ctx context.Context, userID int64) ([]store.MessagePreview, error)
	DeleteMessagePreview(ctx context.Context, id, userID int64) error
	SetMessagePreviewExpiry(ctx context.Context, id, userID int64, expire *time.Time) (store.MessagePreview, error)
}

// Caller is the authenticated identity managing grants.
type Caller struct {
	UserID int64
	Email  string
}

// Service manages grants. Mailbox grants are admin only; message grants are
// scoped to the owner of the message.
type Service struct {
	Store  ServiceStore
	Issuer *Issuer
	// Admin is the administrative user's address.
	Admin string
	// Domains lists the domains preview mailboxes may be created under.
	Domains []string
	Now     func() time.Time
}

// maxExpireDays keeps now+days inside time.Duration range.
const maxExpireDays = 36500

var expireLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// CreateMailbox shares a mailbox. The preview mailbox is created for the
// admin user, or restored when it was soft-deleted.
func (s *Service) CreateMailbox(ctx context.Context, caller Caller, email, expireTime string) (store.MailboxPreview, error) {
	admin, err := s.ensureAdmin(ctx, caller)
	if err != nil {
		return store.MailboxPreview{}, err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !address.IsEmail(email) {
		return store.MailboxPreview{}, invalid("invalid email address")
	}
	if !s.domainAllowed(email) {
		return store.MailboxPreview{}, invalid("domain is not configured")
	}
	expire, err := parseExpireTime(expireTime)
	if err != nil {
		return store.MailboxPreview{}, err
	}

	account, err := s.previewAccount(ctx, admin, email)
	if err != nil {
		return store.MailboxPreview{}, err
	}

	var grant store.MailboxPreview
	err = s.Issuer.IssueWith(ctx, NamespaceMailbox, func(token string) error {
		var err error
		grant, err = s.Store.InsertMailboxPreview(ctx, store.MailboxPreview{
			Email:      email,
			UserID:     admin.ID,
			Token:      token,
			AccountID:  account.ID,
			ExpireTime: expire,
			CreatedAt:  s.now(),
		})
		return err
	})
	if err != nil {
		return store.MailboxPreview{}, err
	}
	return grant, nil
}

func (s *Service) previewAccount(ctx context.Context, admin store.User, email string) (store.Account, error) {
	account, err := s.Store.AccountByEmail(ctx, email, true)
	if errors.Is(err, store.ErrNotFound) {
		return s.Store.CreateAccount(ctx, store.Account{
			UserID:    admin.ID,
			Email:     email,
			Name:      address.LocalName(email),
			Preview:   true,
			CreatedAt: s.now(),
		})
	}
	if err != nil {
		return store.Account{}, err
	}
	if account.UserID != admin.ID {
		return store.Account{}, invalid("mailbox is used by another user")
	}
	if account.Deleted {
		if err := s.Store.RestorePreviewAccount(ctx, account.ID); err != nil {
			return store.Account{}, err
		}
		account.Deleted = false
		account.Preview = true
	}
	return account, nil
}

func (s *Service) ListMailbox(ctx context.Context, caller Caller) ([]store.MailboxPreview, error) {
	if _, err := s.ensureAdmin(ctx, caller); err != nil {
		return nil, err
	}
	return s.Store.ListMailboxPreviews(ctx)
}

func (s *Service) DeleteMailbox(ctx context.Context, caller Caller, id int64) error {
	if _, err := s.ensureAdmin(ctx, caller); err != nil {
		return err
	}
	if id <= 0 {
		return invalid("previewId is required")
	}
	return s.Store.DeleteMailboxPreview(ctx, id)
}

// ResetMailboxExpiry moves a mailbox grant's expiry to now plus days. Empty
// days clears the expiry.
func (s *Service) ResetMailboxExpiry(ctx context.Context, caller Caller, id int64, days string) (store.MailboxPreview, error) {
	if _, err := s.ensureAdmin(ctx, caller); err != nil {
		return store.MailboxPreview{}, err
	}
	if id <= 0 {
		return store.MailboxPreview{}, invalid("previewId is required")
	}
	expire, err := s.expireAfter(days)
	if err != nil {
		return store.MailboxPreview{}, err
	}
	grant, err := s.Store.SetMailboxPreviewExpiry(ctx, id, expire)
	if err != nil {
		return store.MailboxPreview{}, notFound(err)
	}
	return grant, nil
}

// CreateMessage shares one of the caller's messages. An existing grant for
// the same message and caller is returned as is.
func (s *Service) CreateMessage(ctx context.Context, caller Caller, emailID int64, expireTime string) (store.MessagePreview, error) {
	if emailID <= 0 {
		return store.MessagePreview{}, invalid("emailId is required")
	}
	existing, err := s.Store.MessagePreviewFor(ctx, emailID, caller.UserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.MessagePreview{}, err
	}

	email, err := s.Store.GetEmail(ctx, emailID)
	if err != nil {
		return store.MessagePreview{}, notFound(err)
	}
	if email.UserID != caller.UserID || email.Deleted {
		return store.MessagePreview{}, ErrNotFound
	}
	expire, err := parseExpireTime(expireTime)
	if err != nil {
		return store.MessagePreview{}, err
	}

	var grant store.MessagePreview
	err = s.Issuer.IssueWith(ctx, NamespaceMessage, func(token string) error {
		var err error
		grant, err = s.Store.InsertMessagePreview(ctx, store.MessagePreview{
			EmailID:    email.ID,
			UserID:     caller.UserID,
			Token:      token,
			ExpireTime: expire,
			CreatedAt:  s.now(),
		})
		return err
	})
	if err != nil {
		return store.MessagePreview{}, err
	}
	return grant, nil
}

func (s *Service) ListMessage(ctx context.Context, caller Caller) ([]store.MessagePreview, error) {
	return s.Store.ListMessagePreviews(ctx, caller.UserID)
}

// DeleteMessage removes one of the caller's grants, or any grant when the
// caller is the administrative user. Unknown ids and grants of other users
// are ignored.
func (s *Service) DeleteMessage(ctx context.Context, caller Caller, id int64) error {
	if id <= 0 {
		return nil
	}
	scope, err := s.grantScope(ctx, caller)
	if err != nil {
		return err
	}
	return s.Store.DeleteMessagePreview(ctx, id, scope)
}

func (s *Service) ResetMessageExpiry(ctx context.Context, caller Caller, id int64, days string) (store.MessagePreview, error) {
	if id <= 0 {
		return store.MessagePreview{}, invalid("previewId is required")
	}
	expire, err := s.expireAfter(days)
	if err != nil {
		return store.MessagePreview{}, err
	}
	scope, err := s.grantScope(ctx, caller)
	if err != nil {
		return store.MessagePreview{}, err
	}
	grant, err := s.Store.SetMessagePreviewExpiry(ctx, id, scope, expire)
	if err != nil {
		return store.MessagePreview{}, notFound(err)
	}
	return grant, nil
}

// grantScope is the owner whose message grants caller may change. The
// administrative user may change every grant.
func (s *Service) grantScope(ctx context.Context, caller Caller) (int64, error) {
	_, err := s.ensureAdmin(ctx, caller)
	switch {
	case err == nil:
		return store.AnyUser, nil
	case errors.Is(err, ErrForbidden) && caller.UserID != store.AnyUser:
		return caller.UserID, nil
	default:
		return 0, err
	}
}

func (s *Service) ensureAdmin(ctx context.Context, caller Caller) (store.User, error) {
	if s.Admin == "" {
		return store.User{}, ErrForbidden
	}
	user, err := s.Store.UserByID(ctx, caller.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrForbidden
	}
	if err != nil {
		return store.User{}, err
	}
	if !strings.EqualFold(user.Email, s.Admin) {
		return store.User{}, ErrForbidden
	}
	return user, nil
}

func (s *Service) domainAllowed(email string) bool {
	domain := address.Domain(email)
	for _, d := range s.Domains {
		if address.CanonicalDomain(strings.TrimPrefix(strings.TrimSpace(d), "@")) == domain {
			return true
		}
	}
	return false
}

func (s *Service) expireAfter(days string) (*time.Time, error) {
	days = strings.TrimSpace(days)
	if days == "" || days == "null" {
		return nil, nil
	}
	n, err := strconv.ParseFloat(days, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return nil, invalid("days must be a positive number")
	}
	if n > maxExpireDays {
		return nil, invalid("days is too large")
	}
	expire := s.now().UTC().Add(time.Duration(n * float64(24*time.Hour))).Truncate(time.Second)
	return &expire, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// parseExpireTime accepts RFC 3339 or a plain date-time in UTC. An empty
// value means the grant never expires.
func parseExpireTime(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range expireLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC().Truncate(time.Second)
			return &t, nil
		}
	}
	return nil, invalid("invalid expire time")
}
