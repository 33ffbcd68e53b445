package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.io/infrasutra/mailgate/internal/attachment"
	"github.io/infrasutra/mailgate/internal/botrelay"
	"github.io/infrasutra/mailgate/internal/settings"
	"github.io/infrasutra/mailgate/internal/sse"
	"github.io/infrasutra/mailgate/internal/store"
)

// storeAttachments uploads the in-scope attachments under their content keys
// and records metadata rows for the uploaded ones that were not already
// written alongside the email.
func (p *Pipeline) storeAttachments(ctx context.Context, scope settings.AttachmentScope, saved store.Email, all []attachment.Prepared) error {
	var errs []error
	var rows []store.Attachment
	for _, att := range all {
		if scope == settings.ScopeInline && !att.Inline {
			continue
		}
		if _, err := p.Blobs.PutIfAbsent(ctx, att.Key, att.Content, att.MimeType); err != nil {
			errs = append(errs, err)
			continue
		}
		if att.Inline {
			continue
		}
		rows = append(rows, store.Attachment{
			EmailID:   saved.ID,
			UserID:    saved.UserID,
			AccountID: saved.AccountID,
			Key:       att.Key,
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			Size:      att.Size,
			CreatedAt: saved.CreatedAt,
		})
	}
	if err := p.Store.AddAttachments(ctx, rows); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// notify posts the summary to every chat. One chat failing does not stop
// the others.
func (p *Pipeline) notify(ctx context.Context, chats []string, summary botrelay.Summary) error {
	var errs []error
	for _, chat := range chats {
		if err := p.Bot.Send(ctx, chat, summary); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chat, err))
		}
	}
	return errors.Join(errs...)
}

func summarize(e store.Email) botrelay.Summary {
	return botrelay.Summary{
		From:     e.SendEmail,
		FromName: e.Name,
		To:       e.ToEmail,
		Subject:  e.Subject,
		Text:     e.Text,
		HTML:     e.Content,
		Received: e.CreatedAt,
	}
}

type newMailEvent struct {
	ID        int64  `json:"emailId"`
	SendEmail string `json:"sendEmail"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createTime"`
}

// announce tells live preview subscribers of the mailbox about new mail.
func (p *Pipeline) announce(log *slog.Logger, e store.Email) {
	if p.Hub == nil || e.AccountID == 0 {
		return
	}
	payload, err := sse.Event("email", newMailEvent{
		ID:        e.ID,
		SendEmail: e.SendEmail,
		Name:      e.Name,
		Subject:   e.Subject,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn("build new mail event", "error", err)
		return
	}
	p.Hub.Broadcast(e.AccountID, payload)
}
