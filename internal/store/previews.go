package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) MailboxTokenExists(ctx context.Context, token string) (bool, error) {
	return s.tokenExists(ctx, `SELECT EXISTS(SELECT 1 FROM preview WHERE token = ?);`, token)
}

func (s *Store) MessageTokenExists(ctx context.Context, token string) (bool, error) {
	return s.tokenExists(ctx, `SELECT EXISTS(SELECT 1 FROM email_preview WHERE token = ?);`, token)
}

func (s *Store) tokenExists(ctx context.Context, query, token string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, token).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup token: %w", err)
	}
	return exists, nil
}

// InsertMailboxPreview stores a new mailbox grant. A token already present in
// the table yields ErrDuplicateToken.
func (s *Store) InsertMailboxPreview(ctx context.Context, p MailboxPreview) (MailboxPreview, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO preview (email, user_id, token, account_id, expire_time, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        RETURNING preview_id;`,
		p.Email, p.UserID, p.Token, p.AccountID, nullableUnix(p.ExpireTime), p.CreatedAt.Unix(),
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return MailboxPreview{}, ErrDuplicateToken
		}
		return MailboxPreview{}, fmt.Errorf("insert preview: %w", err)
	}
	return p, nil
}

const mailboxPreviewColumns = `preview_id, email, user_id, token, account_id, expire_time, created_at`

func (s *Store) MailboxPreviewByToken(ctx context.Context, token string) (MailboxPreview, error) {
	return scanMailboxPreview(s.db.QueryRowContext(ctx, `SELECT `+mailboxPreviewColumns+` FROM preview WHERE token = ?;`, token))
}

func (s *Store) MailboxPreviewByID(ctx context.Context, id int64) (MailboxPreview, error) {
	return scanMailboxPreview(s.db.QueryRowContext(ctx, `SELECT `+mailboxPreviewColumns+` FROM preview WHERE preview_id = ?;`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailboxPreview(row rowScanner) (MailboxPreview, error) {
	var p MailboxPreview
	var expire sql.NullInt64
	var createdAt int64
	if err := row.Scan(&p.ID, &p.Email, &p.UserID, &p.Token, &p.AccountID, &expire, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MailboxPreview{}, ErrNotFound
		}
		return MailboxPreview{}, fmt.Errorf("get preview: %w", err)
	}
	p.ExpireTime = fromNullableUnix(expire)
	p.CreatedAt = time.Unix(createdAt, 0)
	return p, nil
}

// ListMailboxPreviews returns every mailbox grant, newest first.
func (s *Store) ListMailboxPreviews(ctx context.Context) ([]MailboxPreview, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mailboxPreviewColumns+` FROM preview ORDER BY preview_id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	defer rows.Close()

	var previews []MailboxPreview
	for rows.Next() {
		p, err := scanMailboxPreview(rows)
		if err != nil {
			return nil, err
		}
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	return previews, nil
}

func (s *Store) DeleteMailboxPreview(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preview WHERE preview_id = ?;`, id); err != nil {
		return fmt.Errorf("delete preview: %w", err)
	}
	return nil
}

// SetMailboxPreviewExpiry re-dates a grant. A nil expiry clears it.
func (s *Store) SetMailboxPreviewExpiry(ctx context.Context, id int64, expire *time.Time) (MailboxPreview, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE preview SET expire_time = ? WHERE preview_id = ?;`, nullableUnix(expire), id); err != nil {
		return MailboxPreview{}, fmt.Errorf("update preview expiry: %w", err)
	}
	return s.MailboxPreviewByID(ctx, id)
}

// InsertMessagePreview stores a new message grant. A token already present in
// the table yields ErrDuplicateToken.
func (s *Store) InsertMessagePreview(ctx context.Context, p MessagePreview) (MessagePreview, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO email_preview (email_id, user_id, token, expire_time, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING preview_id;`,
		p.EmailID, p.UserID, p.Token, nullableUnix(p.ExpireTime), p.CreatedAt.Unix(),
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return MessagePreview{}, ErrDuplicateToken
		}
		return MessagePreview{}, fmt.Errorf("insert email preview: %w", err)
	}
	return p, nil
}

// AnyUser lifts the owner scoping of message grant updates.
const AnyUser int64 = 0

const messagePreviewColumns = `preview_id, email_id, user_id, token, expire_time, created_at`

func (s *Store) MessagePreviewByToken(ctx context.Context, token string) (MessagePreview, error) {
	return scanMessagePreview(s.db.QueryRowContext(ctx, `SELECT `+messagePreviewColumns+` FROM email_preview WHERE token = ?;`, token))
}

// MessagePreviewFor returns the newest grant a user holds on an email.
func (s *Store) MessagePreviewFor(ctx context.Context, emailID, userID int64) (MessagePreview, error) {
	return scanMessagePreview(s.db.QueryRowContext(ctx, `SELECT `+messagePreviewColumns+` FROM email_preview
        WHERE email_id = ? AND user_id = ?
        ORDER BY preview_id DESC LIMIT 1;`, emailID, userID))
}

func (s *Store) messagePreviewByID(ctx context.Context, id, userID int64) (MessagePreview, error) {
	return scanMessagePreview(s.db.QueryRowContext(ctx, `SELECT `+messagePreviewColumns+` FROM email_preview
        WHERE preview_id = ? AND (? = 0 OR user_id = ?);`, id, userID, userID))
}

func scanMessagePreview(row rowScanner) (MessagePreview, error) {
	var p MessagePreview
	var expire sql.NullInt64
	var createdAt int64
	if err := row.Scan(&p.ID, &p.EmailID, &p.UserID, &p.Token, &expire, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessagePreview{}, ErrNotFound
		}
		return MessagePreview{}, fmt.Errorf("get email preview: %w", err)
	}
	p.ExpireTime = fromNullableUnix(expire)
	p.CreatedAt = time.Unix(createdAt, 0)
	return p, nil
}

// ListMessagePreviews returns a user's message grants joined with the subject
// and creation time of the shared email, newest first.
func (s *Store) ListMessagePreviews(ctx context.Context, userID int64) ([]MessagePreview, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT p.preview_id, p.email_id, p.user_id, p.token, p.expire_time, p.created_at,
            COALESCE(e.subject, ''), e.created_at
        FROM email_preview p
        LEFT JOIN email e ON e.email_id = p.email_id
        WHERE p.user_id = ?
        ORDER BY p.preview_id DESC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list email previews: %w", err)
	}
	defer rows.Close()

	var previews []MessagePreview
	for rows.Next() {
		var p MessagePreview
		var expire, emailCreated sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.EmailID, &p.UserID, &p.Token, &expire, &createdAt, &p.Subject, &emailCreated); err != nil {
			return nil, fmt.Errorf("scan email preview: %w", err)
		}
		p.ExpireTime = fromNullableUnix(expire)
		p.CreatedAt = time.Unix(createdAt, 0)
		p.EmailCreatedAt = fromNullableUnix(emailCreated)
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list email previews: %w", err)
	}
	return previews, nil
}

// DeleteMessagePreview removes a grant owned by userID. Grants of other
// users are left untouched unless userID is AnyUser.
func (s *Store) DeleteMessagePreview(ctx context.Context, id, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM email_preview WHERE preview_id = ? AND (? = 0 OR user_id = ?);`,
		id, userID, userID); err != nil {
		return fmt.Errorf("delete email preview: %w", err)
	}
	return nil
}

// SetMessagePreviewExpiry re-dates a grant owned by userID, or any grant
// when userID is AnyUser. A nil expiry clears it.
func (s *Store) SetMessagePreviewExpiry(ctx context.Context, id, userID int64, expire *time.Time) (MessagePreview, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE email_preview SET expire_time = ? WHERE preview_id = ? AND (? = 0 OR user_id = ?);`,
		nullableUnix(expire), id, userID, userID); err != nil {
		return MessagePreview{}, fmt.Errorf("update email preview expiry: %w", err)
	}
	return s.messagePreviewByID(ctx, id, userID)
}
