// Package attachment derives deduplicating storage keys for attachment
// content.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.io/infrasutra/mailgate/internal/message"
)

// KeyPrefix is the object storage prefix shared by all attachment keys.
const KeyPrefix = "attachments/"

// Key returns KeyPrefix + hex SHA-256 of content + the lower-cased
// extension of filename.
func Key(content []byte, filename string) string {
	sum := sha256.Sum256(content)
	return KeyPrefix + hex.EncodeToString(sum[:]) + Ext(filename)
}

// Ext returns the lower-cased extension of filename including the dot.
func Ext(filename string) string {
	ext := path.Ext(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if ext == "." {
		return ""
	}
	return strings.ToLower(ext)
}

type Prepared struct {
	message.Attachment
	Key    string
	Size   int64
	Inline bool
}

// Prepare keys every attachment and returns them in order, plus the subset
// carrying a content id.
func Prepare(atts []message.Attachment) (all []Prepared, cid []Prepared) {
	for _, att := range atts {
		p := Prepared{
			Attachment: att,
			Key:        Key(att.Content, att.Filename),
			Size:       int64(len(att.Content)),
			Inline:     att.ContentID != "",
		}
		all = append(all, p)
		if p.Inline {
			cid = append(cid, p)
		}
	}
	return all, cid
}
