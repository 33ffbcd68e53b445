package store

import (
	"time"

	"github.io/infrasutra/mailgate/internal/settings"
)

type Status int

const (
	StatusSaving Status = iota + 1
	StatusReceived
	StatusNoOwner
)

func (s Status) String() string {
	switch s {
	case StatusSaving:
		return "saving"
	case StatusReceived:
		return "received"
	case StatusNoOwner:
		return "no_owner"
	default:
		return "unknown"
	}
}

type Direction int

const (
	DirectionReceive Direction = iota
	DirectionSend
)

type User struct {
	ID        int64
	Email     string
	Deleted   bool
	CreatedAt time.Time
}

type Account struct {
	ID        int64
	UserID    int64
	Email     string
	Name      string
	Deleted   bool
	Preview   bool
	CreatedAt time.Time
}

type Role struct {
	UserID      int64
	BanEmail    string
	BanKind     settings.BanKind
	AvailDomain []string
}

type Email struct {
	ID        int64
	UserID    int64
	AccountID int64
	Type      Direction
	SendEmail string
	Name      string
	ToEmail   string
	ToName    string
	Subject   string
	Content   string
	Text      string
	Cc        string
	Bcc       string
	Recipient string
	InReplyTo string
	Relation  string
	MessageID string
	Status    Status
	Deleted   bool
	CreatedAt time.Time
}

type Attachment struct {
	ID        int64
	EmailID   int64
	UserID    int64
	AccountID int64
	Key       string
	Filename  string
	MimeType  string
	ContentID string
	Size      int64
	Inline    bool
	CreatedAt time.Time
}

type EmailSummary struct {
	ID             int64
	AccountID      int64
	SendEmail      string
	Name           string
	ToEmail        string
	Subject        string
	Text           string
	CreatedAt      time.Time
	HasAttachments bool
}

// ListQuery is the listing contract shared by owner lists and mailbox
// previews. Cursor is the last email id of the previous page.
type ListQuery struct {
	UserID    int64
	AccountID int64
	Type      Direction
	Cursor    int64
	Size      int
	Ascending bool
}

type MailboxPreview struct {
	ID    int64
	Email string
	// UserID is the user who issued the grant.
	UserID     int64
	Token      string
	AccountID  int64
	ExpireTime *time.Time
	CreatedAt  time.Time
}

type MessagePreview struct {
	ID         int64
	EmailID    int64
	UserID     int64
	Token      string
	ExpireTime *time.Time
	CreatedAt  time.Time

	// Filled by ListMessagePreviews only.
	Subject        string
	EmailCreatedAt *time.Time
}
