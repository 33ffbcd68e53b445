package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var ErrEmpty = errors.New("empty message")

// Parse decodes a full raw message. Unknown charsets in individual parts are
// tolerated; the undecoded bytes are kept.
func Parse(raw []byte) (*Inbound, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmpty
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer reader.Close()

	msg := &Inbound{}
	header := reader.Header

	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = header.Get("Subject")
	}
	if from := addressList(header, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(header, "To")
	msg.Cc = addressList(header, "Cc")
	msg.Bcc = addressList(header, "Bcc")
	msg.ReplyTo = addressList(header, "Reply-To")

	if id, err := header.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}
	if ids, err := header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = "<" + ids[0] + ">"
	}
	if ids, err := header.MsgIDList("References"); err == nil && len(ids) > 0 {
		refs := make([]string, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, "<"+id+">")
		}
		msg.References = strings.Join(refs, " ")
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err) {
				continue
			}
			return nil, fmt.Errorf("read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "" || mediaType == "text/plain":
				msg.Text = joinBody(msg.Text, string(body))
			case mediaType == "text/html":
				msg.HTML = joinBody(msg.HTML, string(body))
			default:
				filename := params["name"]
				if _, dispParams, err := h.ContentDisposition(); err == nil && dispParams["filename"] != "" {
					filename = dispParams["filename"]
				}
				msg.Attachments = append(msg.Attachments, Attachment{
					Filename:    filename,
					MimeType:    mediaType,
					ContentID:   contentID(h.Get("Content-Id")),
					Disposition: "inline",
					Content:     body,
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			// A part without Content-Type or disposition is plain text.
			if disp, _, _ := h.ContentDisposition(); mediaType == "" && disp == "" && filename == "" {
				msg.Text = joinBody(msg.Text, string(body))
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				MimeType:    mediaType,
				ContentID:   contentID(h.Get("Content-Id")),
				Disposition: "attachment",
				Content:     body,
			})
		}
	}

	return msg, nil
}

func addressList(header mail.Header, key string) []Address {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, addr := range list {
		out = append(out, Address{Name: addr.Name, Address: addr.Address})
	}
	return out
}

func joinBody(current, next string) string {
	if current == "" {
		return next
	}
	return current + "\n" + next
}

func contentID(raw string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(raw), "<"), ">")
}
