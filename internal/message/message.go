package message

import "strings"

type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Attachment struct {
	Filename    string
	MimeType    string
	ContentID   string
	Disposition string
	Content     []byte
}

// Inbound is the parsed form of one raw message. It lives for a single
// ingestion run.
type Inbound struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	Subject     string
	HTML        string
	Text        string
	MessageID   string
	InReplyTo   string
	References  string
	Attachments []Attachment
}

// Recipient returns the To entry matching addr, ignoring case.
func (m *Inbound) Recipient(addr string) (Address, bool) {
	for _, to := range m.To {
		if strings.EqualFold(to.Address, addr) {
			return to, true
		}
	}
	return Address{}, false
}
