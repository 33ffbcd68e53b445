package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.io/infrasutra/mailgate/internal/settings"
)

// LoadSettings returns the current delivery settings. A missing row yields
// the defaults.
func (s *Store) LoadSettings(ctx context.Context) (settings.Snapshot, error) {
	var (
		receive, noRecipient, ruleType, ruleEmail     string
		botStatus, chatID, forwardStatus, forwardList string
		scope, domain                                 string
	)
	err := s.db.QueryRowContext(ctx, `SELECT receive, no_recipient, rule_type, rule_email,
            tg_bot_status, tg_chat_id, forward_status, forward_email, att_scope, r2_domain
        FROM setting WHERE id = 1;`).Scan(
		&receive, &noRecipient, &ruleType, &ruleEmail,
		&botStatus, &chatID, &forwardStatus, &forwardList,
		&scope, &domain,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings.Default(), nil
		}
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}

	snap := settings.Snapshot{
		RuleEmails:    settings.SplitList(ruleEmail),
		BotChatIDs:    settings.SplitList(chatID),
		ForwardEmails: settings.SplitList(forwardList),
		ObjectDomain:  strings.TrimSpace(domain),
	}
	if snap.Receive, err = settings.ParseReceiveMode(receive); err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	if snap.UnknownRecipient, err = settings.ParseUnknownRecipientPolicy(noRecipient); err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	if snap.Rule, err = settings.ParseRuleMode(ruleType); err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	if snap.Bot, err = settings.ParseToggle(botStatus); err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	if snap.Forward, err = settings.ParseToggle(forwardStatus); err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	if snap.AttachmentScope, err = settings.ParseAttachmentScope(scope); err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	return snap, nil
}

const insertSettings = `INSERT INTO setting (id, receive, no_recipient, rule_type, rule_email,
            tg_bot_status, tg_chat_id, forward_status, forward_email, att_scope, r2_domain)
        VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SeedSettings stores snap only when no settings row exists yet. It reports
// whether the row was written.
func (s *Store) SeedSettings(ctx context.Context, snap settings.Snapshot) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertSettings+` ON CONFLICT(id) DO NOTHING;`, settingsArgs(snap)...)
	if err != nil {
		return false, fmt.Errorf("seed settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed settings: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SaveSettings(ctx context.Context, snap settings.Snapshot) error {
	_, err := s.db.ExecContext(ctx, insertSettings+`
        ON CONFLICT(id) DO UPDATE SET
            receive = excluded.receive,
            no_recipient = excluded.no_recipient,
            rule_type = excluded.rule_type,
            rule_email = excluded.rule_email,
            tg_bot_status = excluded.tg_bot_status,
            tg_chat_id = excluded.tg_chat_id,
            forward_status = excluded.forward_status,
            forward_email = excluded.forward_email,
            att_scope = excluded.att_scope,
            r2_domain = excluded.r2_domain;`, settingsArgs(snap)...)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func settingsArgs(snap settings.Snapshot) []any {
	return []any{
		snap.Receive.String(),
		snap.UnknownRecipient.String(),
		snap.Rule.String(),
		strings.Join(snap.RuleEmails, ","),
		snap.Bot.String(),
		strings.Join(snap.BotChatIDs, ","),
		snap.Forward.String(),
		strings.Join(snap.ForwardEmails, ","),
		snap.AttachmentScope.String(),
		snap.ObjectDomain,
	}
}
