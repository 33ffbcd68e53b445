// Package policy decides what happens to a message addressed to a mailbox
// whose owner has configured block rules.
package policy

import (
	"strings"

	"github.io/infrasutra/mailgate/internal/address"
	"github.io/infrasutra/mailgate/internal/message"
	"github.io/infrasutra/mailgate/internal/settings"
)

// Wildcard in a ban list blocks every sender.
const Wildcard = "*"

// StrippedNotice replaces the bodies of messages hit by a strip ban.
const StrippedNotice = "The content has been deleted"

type Decision int

const (
	Allow Decision = iota
	// Strip means the message was redacted in place and may be stored.
	Strip
	Reject
)

func (d Decision) String() string {
	switch d {
	case Strip:
		return "strip"
	case Reject:
		return "reject"
	default:
		return "allow"
	}
}

// Rules is the per-mailbox policy taken from the owner's role.
type Rules struct {
	BanList      []string
	Kind         settings.BanKind
	AvailDomains []string
}

// ParseBanList splits the stored comma-separated ban list.
func ParseBanList(csv string) []string {
	var out []string
	for _, item := range strings.Split(csv, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// DomainPermitted reports whether rcpt's domain is in avail. An empty set
// permits every domain.
func DomainPermitted(avail []string, rcpt string) bool {
	if len(avail) == 0 {
		return true
	}
	domain := address.Domain(rcpt)
	for _, d := range avail {
		if address.CanonicalDomain(strings.TrimPrefix(strings.TrimSpace(d), "@")) == domain {
			return true
		}
	}
	return false
}

// Evaluate applies rules to msg addressed to rcpt. A Strip decision has
// already rewritten msg when Evaluate returns.
func Evaluate(rules Rules, rcpt string, msg *message.Inbound) Decision {
	if !DomainPermitted(rules.AvailDomains, rcpt) {
		return Reject
	}

	for _, item := range rules.BanList {
		if item == Wildcard {
			return apply(rules.Kind, msg)
		}
	}

	sender := strings.ToLower(strings.TrimSpace(msg.From.Address))
	senderDomain := address.Domain(sender)
	for _, item := range rules.BanList {
		if item == "" || item == Wildcard {
			continue
		}
		var hit bool
		if address.IsDomain(item) {
			hit = senderDomain != "" && address.CanonicalDomain(item) == senderDomain
		} else {
			hit = strings.ToLower(item) == sender
		}
		if hit {
			return apply(rules.Kind, msg)
		}
	}
	return Allow
}

func apply(kind settings.BanKind, msg *message.Inbound) Decision {
	switch kind {
	case settings.BanStrip:
		msg.HTML = StrippedNotice
		msg.Text = StrippedNotice
		msg.Attachments = nil
		return Strip
	case settings.BanReject:
		return Reject
	}
	return Reject
}
