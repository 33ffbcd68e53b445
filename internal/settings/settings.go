// Package settings holds the delivery settings snapshot consulted by every
// ingestion run. A snapshot is loaded once per run and never mutated.
package settings

import (
	"fmt"
	"strings"
)

type ReceiveMode int

const (
	ReceiveOpen ReceiveMode = iota
	ReceiveClosed
)

type UnknownRecipientPolicy int

const (
	// KeepUnknown stores mail for unknown recipients as NO_OWNER.
	KeepUnknown UnknownRecipientPolicy = iota
	RejectUnknown
)

type RuleMode int

const (
	RuleAll RuleMode = iota
	// RuleList restricts distribution to the recipients in RuleEmails.
	RuleList
)

type Toggle int

const (
	Off Toggle = iota
	On
)

type AttachmentScope int

const (
	ScopeAll AttachmentScope = iota
	ScopeInline
)

type BanKind int

const (
	// BanReject refuses the whole message.
	BanReject BanKind = iota
	// BanStrip replaces the body with a notice and drops attachments.
	BanStrip
)

// Snapshot is the typed view of the setting row.
type Snapshot struct {
	Receive          ReceiveMode
	UnknownRecipient UnknownRecipientPolicy
	Rule             RuleMode
	RuleEmails       []string
	Bot              Toggle
	BotChatIDs       []string
	Forward          Toggle
	ForwardEmails    []string
	AttachmentScope  AttachmentScope
	// ObjectDomain is the public base URL for stored attachment objects.
	ObjectDomain string
}

func Default() Snapshot {
	return Snapshot{
		Receive:          ReceiveOpen,
		UnknownRecipient: KeepUnknown,
		Rule:             RuleAll,
		Bot:              Off,
		Forward:          Off,
		AttachmentScope:  ScopeAll,
	}
}

// RuleAllows reports whether distribution may run for rcpt. Addresses
// compare case-insensitively.
func (s Snapshot) RuleAllows(rcpt string) bool {
	switch s.Rule {
	case RuleList:
		rcpt = strings.TrimSpace(rcpt)
		for _, email := range s.RuleEmails {
			if strings.EqualFold(strings.TrimSpace(email), rcpt) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (s Snapshot) BotEnabled() bool {
	return s.Bot == On && len(s.BotChatIDs) > 0
}

func (s Snapshot) ForwardEnabled() bool {
	return s.Forward == On && len(s.ForwardEmails) > 0
}

// SplitList splits a comma-separated list, trimming entries and dropping
// empty ones.
func SplitList(csv string) []string {
	var out []string
	for _, item := range strings.Split(csv, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func ParseReceiveMode(s string) (ReceiveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return ReceiveOpen, nil
	case "closed", "close":
		return ReceiveClosed, nil
	}
	return 0, fmt.Errorf("invalid receive mode %q", s)
}

func (m ReceiveMode) String() string {
	if m == ReceiveClosed {
		return "closed"
	}
	return "open"
}

func ParseUnknownRecipientPolicy(s string) (UnknownRecipientPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return KeepUnknown, nil
	case "reject":
		return RejectUnknown, nil
	}
	return 0, fmt.Errorf("invalid unknown recipient policy %q", s)
}

func (p UnknownRecipientPolicy) String() string {
	if p == RejectUnknown {
		return "reject"
	}
	return "keep"
}

func ParseRuleMode(s string) (RuleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return RuleAll, nil
	case "list", "rule":
		return RuleList, nil
	}
	return 0, fmt.Errorf("invalid rule mode %q", s)
}

func (m RuleMode) String() string {
	if m == RuleList {
		return "list"
	}
	return "all"
}

func ParseToggle(s string) (Toggle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "false", "0":
		return Off, nil
	case "on", "true", "1":
		return On, nil
	}
	return 0, fmt.Errorf("invalid toggle %q", s)
}

func (t Toggle) String() string {
	if t == On {
		return "on"
	}
	return "off"
}

func ParseAttachmentScope(s string) (AttachmentScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ScopeAll, nil
	case "inline", "cid":
		return ScopeInline, nil
	}
	return 0, fmt.Errorf("invalid attachment scope %q", s)
}

func (s AttachmentScope) String() string {
	if s == ScopeInline {
		return "inline"
	}
	return "all"
}

func ParseBanKind(s string) (BanKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject", "all":
		return BanReject, nil
	case "strip", "content":
		return BanStrip, nil
	}
	return 0, fmt.Errorf("invalid ban kind %q", s)
}

func (k BanKind) String() string {
	if k == BanStrip {
		return "strip"
	}
	return "reject"
}
