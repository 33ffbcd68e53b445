package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.io/infrasutra/mailgate/internal/settings"
)

func (s *Store) UpsertUser(ctx context.Context, email string, now time.Time) (int64, error) {
	query := `INSERT INTO user (email, created_at)
        VALUES (?, ?)
        ON CONFLICT(email) DO UPDATE SET is_del = 0
        RETURNING user_id;`
	var id int64
	if err := s.db.QueryRowContext(ctx, query, email, now.Unix()).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT user_id, email, is_del, created_at FROM user WHERE user_id = ?;`, id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT user_id, email, is_del, created_at FROM user WHERE email = ? COLLATE NOCASE;`, email))
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var user User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Email, &user.Deleted, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return user, nil
}

const accountColumns = `account_id, user_id, email, name, is_del, is_preview, created_at`

// AccountByEmail resolves a mailbox by address, soft-deleted ones included
// when includeDeleted is set.
func (s *Store) AccountByEmail(ctx context.Context, email string, includeDeleted bool) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM account WHERE email = ? COLLATE NOCASE`
	if !includeDeleted {
		query += ` AND is_del = 0`
	}
	return s.scanAccount(s.db.QueryRowContext(ctx, query+";", strings.TrimSpace(email)))
}

func (s *Store) AccountByID(ctx context.Context, id int64, includeDeleted bool) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM account WHERE account_id = ?`
	if !includeDeleted {
		query += ` AND is_del = 0`
	}
	return s.scanAccount(s.db.QueryRowContext(ctx, query+";", id))
}

func (s *Store) scanAccount(row *sql.Row) (Account, error) {
	var account Account
	var createdAt int64
	if err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.Email,
		&account.Name,
		&account.Deleted,
		&account.Preview,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	account.CreatedAt = time.Unix(createdAt, 0)
	return account, nil
}

func (s *Store) CreateAccount(ctx context.Context, account Account) (Account, error) {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO account (user_id, email, name, is_del, is_preview, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        RETURNING account_id;`,
		account.UserID,
		account.Email,
		account.Name,
		boolInt(account.Deleted),
		boolInt(account.Preview),
		account.CreatedAt.Unix(),
	).Scan(&account.ID)
	if err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// RestorePreviewAccount clears the soft-delete flag and marks the account as
// a preview mailbox.
func (s *Store) RestorePreviewAccount(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE account SET is_del = 0, is_preview = 1 WHERE account_id = ?;`, id); err != nil {
		return fmt.Errorf("restore account: %w", err)
	}
	return nil
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE account SET is_del = 1 WHERE account_id = ?;`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// RoleByUser returns the mailbox policy of a user. Users without a role row
// get an empty policy.
func (s *Store) RoleByUser(ctx context.Context, userID int64) (Role, error) {
	role := Role{UserID: userID}
	var banType int
	var availDomain string
	err := s.db.QueryRowContext(ctx, `SELECT ban_email, ban_email_type, avail_domain FROM role WHERE user_id = ?;`, userID).
		Scan(&role.BanEmail, &banType, &availDomain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return role, nil
		}
		return Role{}, fmt.Errorf("get role: %w", err)
	}
	role.BanKind = settings.BanKind(banType)
	role.AvailDomain = settings.SplitList(availDomain)
	return role, nil
}

func (s *Store) SaveRole(ctx context.Context, role Role) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO role (user_id, ban_email, ban_email_type, avail_domain)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            ban_email = excluded.ban_email,
            ban_email_type = excluded.ban_email_type,
            avail_domain = excluded.avail_domain;`,
		role.UserID, role.BanEmail, int(role.BanKind), strings.Join(role.AvailDomain, ","))
	if err != nil {
		return fmt.Errorf("save role: %w", err)
	}
	return nil
}
