package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateToken = errors.New("duplicate token")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS user (
            user_id INTEGER PRIMARY KEY AUTOINCREMENT,
            email TEXT NOT NULL UNIQUE,
            is_del INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS account (
            account_id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            email TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL DEFAULT '',
            is_del INTEGER NOT NULL DEFAULT 0,
            is_preview INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS role (
            user_id INTEGER PRIMARY KEY,
            ban_email TEXT NOT NULL DEFAULT '',
            ban_email_type INTEGER NOT NULL DEFAULT 0,
            avail_domain TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS setting (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            receive TEXT NOT NULL,
            no_recipient TEXT NOT NULL,
            rule_type TEXT NOT NULL,
            rule_email TEXT NOT NULL DEFAULT '',
            tg_bot_status TEXT NOT NULL,
            tg_chat_id TEXT NOT NULL DEFAULT '',
            forward_status TEXT NOT NULL,
            forward_email TEXT NOT NULL DEFAULT '',
            att_scope TEXT NOT NULL,
            r2_domain TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS email (
            email_id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL DEFAULT 0,
            account_id INTEGER NOT NULL DEFAULT 0,
            type INTEGER NOT NULL DEFAULT 0,
            send_email TEXT NOT NULL DEFAULT '',
            name TEXT NOT NULL DEFAULT '',
            to_email TEXT NOT NULL DEFAULT '',
            to_name TEXT NOT NULL DEFAULT '',
            subject TEXT NOT NULL DEFAULT '',
            content TEXT NOT NULL DEFAULT '',
            text TEXT NOT NULL DEFAULT '',
            cc TEXT NOT NULL DEFAULT '[]',
            bcc TEXT NOT NULL DEFAULT '[]',
            recipient TEXT NOT NULL DEFAULT '[]',
            in_reply_to TEXT NOT NULL DEFAULT '',
            relation TEXT NOT NULL DEFAULT '',
            message_id TEXT NOT NULL DEFAULT '',
            status INTEGER NOT NULL,
            is_del INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            att_id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id INTEGER NOT NULL,
            user_id INTEGER NOT NULL DEFAULT 0,
            account_id INTEGER NOT NULL DEFAULT 0,
            att_key TEXT NOT NULL,
            filename TEXT NOT NULL DEFAULT '',
            mime_type TEXT NOT NULL DEFAULT '',
            content_id TEXT NOT NULL DEFAULT '',
            size INTEGER NOT NULL,
            inline INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            FOREIGN KEY(email_id) REFERENCES email(email_id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS preview (
            preview_id INTEGER PRIMARY KEY AUTOINCREMENT,
            email TEXT NOT NULL,
            user_id INTEGER NOT NULL DEFAULT 0,
            token TEXT NOT NULL,
            account_id INTEGER NOT NULL,
            expire_time INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS email_preview (
            preview_id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id INTEGER NOT NULL,
            user_id INTEGER NOT NULL,
            token TEXT NOT NULL,
            expire_time INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_preview_token ON preview(token);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_preview_token ON email_preview(token);`,
		`CREATE INDEX IF NOT EXISTS idx_email_preview_owner ON email_preview(user_id, email_id);`,
		`CREATE INDEX IF NOT EXISTS idx_account_user ON account(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_email_account ON email(account_id, type, status, is_del, email_id);`,
		`CREATE INDEX IF NOT EXISTS idx_email_user ON email(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return s.addColumn(ctx, "preview", "user_id", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column to a table created by an older schema.
func (s *Store) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?);`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	rows.Close()
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+decl+`;`); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func fromNullableUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
