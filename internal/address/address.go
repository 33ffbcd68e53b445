// Package address normalizes the sender and recipient fields of parsed mail
// and provides the domain helpers used by mailbox policy.
package address

import (
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.io/infrasutra/mailgate/internal/message"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeWords decodes RFC 2047 encoded words in s. Undecodable input is
// returned unchanged so a broken header never interrupts ingestion.
func DecodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// Normalize decodes every address field of msg in place.
func Normalize(msg *message.Inbound) {
	msg.From = decodeAddress(msg.From)
	decodeList(msg.To)
	decodeList(msg.Cc)
	decodeList(msg.Bcc)
	decodeList(msg.ReplyTo)
}

func decodeAddress(addr message.Address) message.Address {
	return message.Address{
		Name:    DecodeWords(addr.Name),
		Address: DecodeWords(addr.Address),
	}
}

func decodeList(list []message.Address) {
	for i := range list {
		list[i] = decodeAddress(list[i])
	}
}

// Split returns the local part and domain of addr. The domain is empty when
// addr has no '@'.
func Split(addr string) (string, string) {
	idx := strings.LastIndexByte(addr, '@')
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

// LocalName returns the local part of addr.
func LocalName(addr string) string {
	local, _ := Split(strings.TrimSpace(addr))
	return local
}

// Domain returns the canonical lower-case domain of addr.
func Domain(addr string) string {
	_, domain := Split(strings.TrimSpace(addr))
	return CanonicalDomain(domain)
}

// CanonicalDomain lower-cases domain and converts internationalized labels
// to their ASCII form. Invalid input is only lower-cased.
func CanonicalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// IsDomain reports whether s is written as a bare domain rather than a full
// address.
func IsDomain(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "@ \t") || !strings.Contains(s, ".") {
		return false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	_, err := idna.Lookup.ToASCII(strings.ToLower(s))
	return err == nil
}

// IsEmail reports whether s looks like local@domain.
func IsEmail(s string) bool {
	local, domain := Split(strings.TrimSpace(s))
	if local == "" || domain == "" || strings.ContainsAny(local, " \t<>") {
		return false
	}
	return IsDomain(domain)
}

// ForLookup returns the form of addr used for mailbox directory lookups.
func ForLookup(addr string) string {
	local, domain := Split(strings.TrimSpace(addr))
	local = strings.ToLower(norm.NFC.String(local))
	if domain == "" {
		return local
	}
	return local + "@" + CanonicalDomain(domain)
}
