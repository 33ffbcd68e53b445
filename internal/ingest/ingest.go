// Package ingest turns one raw inbound message into a stored email and fans
// it out to the configured distribution targets.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.io/infrasutra/mailgate/internal/address"
	"github.io/infrasutra/mailgate/internal/attachment"
	"github.io/infrasutra/mailgate/internal/botrelay"
	"github.io/infrasutra/mailgate/internal/message"
	"github.io/infrasutra/mailgate/internal/metrics"
	"github.io/infrasutra/mailgate/internal/policy"
	"github.io/infrasutra/mailgate/internal/settings"
	"github.io/infrasutra/mailgate/internal/store"
	"github.io/infrasutra/mailgate/internal/taskgroup"
)

// Reject reasons handed to the transport.
const (
	ReasonSuspended   = "Service suspended"
	ReasonNoRecipient = "Recipient not found"
	ReasonDisabled    = "Mailbox disabled"
)

type Outcome int

const (
	// Accepted means the message was persisted.
	Accepted Outcome = iota
	// Rejected means the transport was told to refuse the message.
	Rejected
	// Dropped means processing failed after acceptance and the failure was
	// logged.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Transport is the mail transport that delivered the message.
type Transport interface {
	// Reject refuses the message with a stable reason.
	Reject(reason string)
	// Forward redelivers the original message to addr.
	Forward(ctx context.Context, addr string) error
}

// Store is the mailbox directory, policy store and message store consulted
// by a run.
type Store interface {
	LoadSettings(ctx context.Context) (settings.Snapshot, error)
	AccountByEmail(ctx context.Context, email string, includeDeleted bool) (store.Account, error)
	UserByID(ctx context.Context, id int64) (store.User, error)
	RoleByUser(ctx context.Context, userID int64) (store.Role, error)
	InsertEmail(ctx context.Context, email store.Email, cid []store.Attachment) (store.Email, []store.Attachment, error)
	CompleteReceive(ctx context.Context, emailID int64, status store.Status) error
	AddAttachments(ctx context.Context, atts []store.Attachment) error
}

type BlobStore interface {
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) (bool, error)
}

type Notifier interface {
	Send(ctx context.Context, chatID string, s botrelay.Summary) error
}

type Broadcaster interface {
	Broadcast(accountID int64, payload []byte)
}

type Pipeline struct {
	Store Store
	// Blobs is nil when object storage is not configured.
	Blobs BlobStore
	// Bot is nil when no bot token is configured.
	Bot Notifier
	Hub Broadcaster
	Log *slog.Logger
	// Admin is the address of the administrative user. Its mailboxes skip
	// ban rules.
	Admin     string
	TaskLimit int
	ChunkSize int
}

type Delivery struct {
	Raw       io.Reader
	Rcpt      string
	Transport Transport
}

// Receive runs one ingestion. It never fails: rejections are reported to the
// transport, and every other failure is logged and reported as Dropped.
func (p *Pipeline) Receive(ctx context.Context, d Delivery) (outcome Outcome) {
	log := p.logger().With("run", uuid.NewString(), "rcpt", d.Rcpt)
	var reason string
	defer func() {
		if r := recover(); r != nil {
			log.Error("ingest panic", "panic", r)
			outcome, reason = Dropped, "panic"
		}
		metrics.IngestOutcome.WithLabelValues(outcome.String(), reason).Inc()
	}()

	outcome, reason = p.receive(ctx, log, d)
	return outcome
}

func (p *Pipeline) receive(ctx context.Context, log *slog.Logger, d Delivery) (Outcome, string) {
	snap, err := p.Store.LoadSettings(ctx)
	if err != nil {
		log.Error("load settings", "error", err)
		return Dropped, "settings"
	}
	if snap.Receive == settings.ReceiveClosed {
		return p.reject(log, d, ReasonSuspended)
	}

	raw, err := Drain(d.Raw, p.ChunkSize)
	if err != nil {
		log.Error("read message", "error", err)
		return Dropped, "read"
	}
	msg, err := message.Parse(raw)
	if err != nil {
		log.Error("parse message", "error", err, "size", len(raw))
		return Dropped, "parse"
	}
	address.Normalize(msg)

	rcpt := strings.TrimSpace(d.Rcpt)
	account, found, err := p.resolve(ctx, rcpt)
	if err != nil {
		log.Error("resolve mailbox", "error", err)
		return Dropped, "lookup"
	}
	if !found && snap.UnknownRecipient == settings.RejectUnknown {
		return p.reject(log, d, ReasonNoRecipient)
	}

	if found {
		admin, err := p.ownedByAdmin(ctx, account)
		if err != nil {
			log.Error("resolve mailbox owner", "error", err, "account", account.ID)
			return Dropped, "lookup"
		}
		if !admin {
			role, err := p.Store.RoleByUser(ctx, account.UserID)
			if err != nil {
				log.Error("load mailbox policy", "error", err, "account", account.ID)
				return Dropped, "lookup"
			}
			rules := policy.Rules{
				BanList:      policy.ParseBanList(role.BanEmail),
				Kind:         role.BanKind,
				AvailDomains: role.AvailDomain,
			}
			switch policy.Evaluate(rules, rcpt, msg) {
			case policy.Reject:
				return p.reject(log, d, ReasonDisabled)
			case policy.Strip:
				log.Info("content stripped by ban rule", "sender", msg.From.Address)
			}
		}
	}

	if len(msg.To) == 0 {
		msg.To = []message.Address{{Address: rcpt, Name: address.LocalName(rcpt)}}
	}

	var owner *store.Account
	if found {
		owner = &account
	}
	record, err := buildEmail(msg, rcpt, owner)
	if err != nil {
		log.Error("build email", "error", err)
		return Dropped, "build"
	}
	all, cid := attachment.Prepare(msg.Attachments)

	saved, _, err := p.Store.InsertEmail(ctx, record, attachmentRows(cid))
	if err != nil {
		log.Error("persist email", "error", err)
		return Dropped, "persist"
	}
	log = log.With("email", saved.ID)

	tasks := taskgroup.New(ctx, p.TaskLimit)
	defer p.await(log, tasks)

	if len(all) > 0 && p.Blobs != nil {
		tasks.Go("attachments", func(ctx context.Context) error {
			return p.storeAttachments(ctx, snap.AttachmentScope, saved, all)
		})
	}

	status := store.StatusNoOwner
	if found {
		status = store.StatusReceived
	}
	if err := p.Store.CompleteReceive(ctx, saved.ID, status); err != nil {
		log.Error("complete receive", "error", err)
		return Dropped, "complete"
	}
	saved.Status = status
	p.announce(log, saved)

	if !snap.RuleAllows(rcpt) {
		log.Debug("recipient outside rule list, skipping distribution")
		return Accepted, ""
	}

	if p.Bot != nil && snap.BotEnabled() {
		summary := summarize(saved)
		chats := snap.BotChatIDs
		tasks.Go("bot", func(ctx context.Context) error {
			return p.notify(ctx, chats, summary)
		})
	}

	if d.Transport != nil && snap.ForwardEnabled() {
		for _, addr := range snap.ForwardEmails {
			tasks.Go("forward:"+addr, func(ctx context.Context) error {
				return d.Transport.Forward(ctx, addr)
			})
		}
	}
	return Accepted, ""
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Pipeline) reject(log *slog.Logger, d Delivery, reason string) (Outcome, string) {
	log.Info("message rejected", "reason", reason)
	if d.Transport != nil {
		d.Transport.Reject(reason)
	}
	return Rejected, reason
}

func (p *Pipeline) resolve(ctx context.Context, rcpt string) (store.Account, bool, error) {
	account, err := p.Store.AccountByEmail(ctx, address.ForLookup(rcpt), true)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{}, false, nil
	}
	if err != nil {
		return store.Account{}, false, err
	}
	return account, true, nil
}

func (p *Pipeline) ownedByAdmin(ctx context.Context, account store.Account) (bool, error) {
	if p.Admin == "" {
		return false, nil
	}
	user, err := p.Store.UserByID(ctx, account.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(user.Email, p.Admin), nil
}

func (p *Pipeline) await(log *slog.Logger, tasks *taskgroup.Group) {
	for _, result := range tasks.Wait() {
		if result.Err == nil {
			continue
		}
		target, _, _ := strings.Cut(result.Name, ":")
		metrics.DistributionFailures.WithLabelValues(target).Inc()
		log.Warn("distribution task failed", "task", result.Name, "error", result.Err)
	}
}

func buildEmail(msg *message.Inbound, rcpt string, owner *store.Account) (store.Email, error) {
	cc, err := encodeList(msg.Cc)
	if err != nil {
		return store.Email{}, err
	}
	bcc, err := encodeList(msg.Bcc)
	if err != nil {
		return store.Email{}, err
	}
	recipients, err := encodeList(msg.To)
	if err != nil {
		return store.Email{}, err
	}

	var toName string
	if to, ok := msg.Recipient(rcpt); ok {
		toName = to.Name
	}
	name := msg.From.Name
	if name == "" {
		name = address.LocalName(msg.From.Address)
	}

	email := store.Email{
		Type:      store.DirectionReceive,
		SendEmail: msg.From.Address,
		Name:      name,
		ToEmail:   rcpt,
		ToName:    toName,
		Subject:   msg.Subject,
		Content:   msg.HTML,
		Text:      msg.Text,
		Cc:        cc,
		Bcc:       bcc,
		Recipient: recipients,
		InReplyTo: msg.InReplyTo,
		Relation:  msg.References,
		MessageID: msg.MessageID,
	}
	if owner != nil {
		email.UserID = owner.UserID
		email.AccountID = owner.ID
	}
	return email, nil
}

func encodeList(list []message.Address) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode address list: %w", err)
	}
	return string(data), nil
}

func attachmentRows(prepared []attachment.Prepared) []store.Attachment {
	rows := make([]store.Attachment, 0, len(prepared))
	for _, p := range prepared {
		rows = append(rows, store.Attachment{
			Key:       p.Key,
			Filename:  p.Filename,
			MimeType:  p.MimeType,
			ContentID: p.ContentID,
			Size:      p.Size,
			Inline:    p.Inline,
		})
	}
	return rows
}
