package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MaxListSize caps a single listing page.
const MaxListSize = 50

// InsertEmail persists a message in the SAVING state together with the
// attachments its body references by content id. The returned email and
// attachments carry the assigned ids.
func (s *Store) InsertEmail(ctx context.Context, email Email, cid []Attachment) (Email, []Attachment, error) {
	if email.CreatedAt.IsZero() {
		email.CreatedAt = s.now()
	}
	email.Status = StatusSaving

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Email{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `INSERT INTO email
        (user_id, account_id, type, send_email, name, to_email, to_name, subject, content, text,
         cc, bcc, recipient, in_reply_to, relation, message_id, status, is_del, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
        RETURNING email_id;`,
		email.UserID,
		email.AccountID,
		int(email.Type),
		email.SendEmail,
		email.Name,
		email.ToEmail,
		email.ToName,
		email.Subject,
		email.Content,
		email.Text,
		email.Cc,
		email.Bcc,
		email.Recipient,
		email.InReplyTo,
		email.Relation,
		email.MessageID,
		int(email.Status),
		email.CreatedAt.Unix(),
	).Scan(&email.ID)
	if err != nil {
		return Email{}, nil, fmt.Errorf("insert email: %w", err)
	}

	stamped := make([]Attachment, 0, len(cid))
	for _, att := range cid {
		att.EmailID = email.ID
		att.UserID = email.UserID
		att.AccountID = email.AccountID
		att.CreatedAt = email.CreatedAt
		if att.ID, err = insertAttachment(ctx, tx, att); err != nil {
			return Email{}, nil, err
		}
		stamped = append(stamped, att)
	}

	if err := tx.Commit(); err != nil {
		return Email{}, nil, fmt.Errorf("commit email: %w", err)
	}
	return email, stamped, nil
}

func insertAttachment(ctx context.Context, tx *sql.Tx, att Attachment) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `INSERT INTO attachments
        (email_id, user_id, account_id, att_key, filename, mime_type, content_id, size, inline, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING att_id;`,
		att.EmailID,
		att.UserID,
		att.AccountID,
		att.Key,
		att.Filename,
		att.MimeType,
		att.ContentID,
		att.Size,
		boolInt(att.Inline),
		att.CreatedAt.Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert attachment: %w", err)
	}
	return id, nil
}

// CompleteReceive moves a SAVING message to its terminal status.
func (s *Store) CompleteReceive(ctx context.Context, emailID int64, status Status) error {
	if status != StatusReceived && status != StatusNoOwner {
		return fmt.Errorf("complete receive: invalid terminal status %s", status)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE email SET status = ? WHERE email_id = ? AND status = ?;`,
		int(status), emailID, int(StatusSaving))
	if err != nil {
		return fmt.Errorf("complete receive: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete receive: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AddAttachments records attachment metadata for an already persisted email.
func (s *Store) AddAttachments(ctx context.Context, atts []Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, att := range atts {
		if att.CreatedAt.IsZero() {
			att.CreatedAt = s.now()
		}
		if _, err := insertAttachment(ctx, tx, att); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attachments: %w", err)
	}
	return nil
}

// ListEmails pages through the received, non-deleted mail of one mailbox.
// The total ignores the cursor.
func (s *Store) ListEmails(ctx context.Context, q ListQuery) ([]EmailSummary, int64, error) {
	size := q.Size
	if size <= 0 || size > MaxListSize {
		size = MaxListSize
	}

	whereQuery := " WHERE e.account_id = ? AND e.type = ? AND e.status = ? AND e.is_del = 0"
	args := []any{q.AccountID, int(q.Type), int(StatusReceived)}
	if q.UserID != 0 {
		whereQuery += " AND e.user_id = ?"
		args = append(args, q.UserID)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM email e"+whereQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count emails: %w", err)
	}

	orderBy := " ORDER BY e.email_id DESC"
	if q.Ascending {
		orderBy = " ORDER BY e.email_id ASC"
	}
	listArgs := append([]any{}, args...)
	if q.Cursor > 0 {
		if q.Ascending {
			whereQuery += " AND e.email_id > ?"
		} else {
			whereQuery += " AND e.email_id < ?"
		}
		listArgs = append(listArgs, q.Cursor)
	}
	listArgs = append(listArgs, size)

	rows, err := s.db.QueryContext(ctx, `SELECT e.email_id, e.account_id, e.send_email, e.name, e.to_email, e.subject, e.text, e.created_at,
        EXISTS(SELECT 1 FROM attachments a WHERE a.email_id = e.email_id AND a.inline = 0) AS has_attachments
        FROM email e`+whereQuery+orderBy+" LIMIT ?;", listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var emails []EmailSummary
	for rows.Next() {
		var summary EmailSummary
		var createdAt int64
		if err := rows.Scan(
			&summary.ID,
			&summary.AccountID,
			&summary.SendEmail,
			&summary.Name,
			&summary.ToEmail,
			&summary.Subject,
			&summary.Text,
			&createdAt,
			&summary.HasAttachments,
		); err != nil {
			return nil, 0, fmt.Errorf("scan email: %w", err)
		}
		summary.CreatedAt = time.Unix(createdAt, 0)
		emails = append(emails, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list emails: %w", err)
	}
	return emails, total, nil
}

// GetEmail returns an email regardless of its status or delete flag.
func (s *Store) GetEmail(ctx context.Context, id int64) (Email, error) {
	var email Email
	var typ, status int
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT email_id, user_id, account_id, type, send_email, name, to_email, to_name,
            subject, content, text, cc, bcc, recipient, in_reply_to, relation, message_id, status, is_del, created_at
        FROM email WHERE email_id = ?;`, id).Scan(
		&email.ID,
		&email.UserID,
		&email.AccountID,
		&typ,
		&email.SendEmail,
		&email.Name,
		&email.ToEmail,
		&email.ToName,
		&email.Subject,
		&email.Content,
		&email.Text,
		&email.Cc,
		&email.Bcc,
		&email.Recipient,
		&email.InReplyTo,
		&email.Relation,
		&email.MessageID,
		&status,
		&email.Deleted,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Email{}, ErrNotFound
		}
		return Email{}, fmt.Errorf("get email: %w", err)
	}
	email.Type = Direction(typ)
	email.Status = Status(status)
	email.CreatedAt = time.Unix(createdAt, 0)
	return email, nil
}

func (s *Store) AttachmentsByEmail(ctx context.Context, emailID int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT att_id, email_id, user_id, account_id, att_key, filename, mime_type,
            content_id, size, inline, created_at
        FROM attachments WHERE email_id = ? ORDER BY att_id;`, emailID)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var atts []Attachment
	for rows.Next() {
		var att Attachment
		var createdAt int64
		if err := rows.Scan(
			&att.ID,
			&att.EmailID,
			&att.UserID,
			&att.AccountID,
			&att.Key,
			&att.Filename,
			&att.MimeType,
			&att.ContentID,
			&att.Size,
			&att.Inline,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		att.CreatedAt = time.Unix(createdAt, 0)
		atts = append(atts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	return atts, nil
}

func (s *Store) SoftDeleteEmail(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE email SET is_del = 1 WHERE email_id = ?;`, id); err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	return nil
}
