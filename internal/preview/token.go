// Package preview issues share tokens for mailboxes and single messages and
// resolves presented tokens into read-only views.
package preview

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.io/infrasutra/mailgate/internal/store"
)

// TokenBytes is the entropy of a token before hex encoding.
const TokenBytes = 20

// maxDraws bounds the redraw loop. With 160 random bits a second draw is
// already improbable; hitting the bound means the random source is broken.
const maxDraws = 64

type Namespace int

const (
	NamespaceMailbox Namespace = iota
	NamespaceMessage
)

func (n Namespace) String() string {
	if n == NamespaceMessage {
		return "message"
	}
	return "mailbox"
}

type TokenStore interface {
	MailboxTokenExists(ctx context.Context, token string) (bool, error)
	MessageTokenExists(ctx context.Context, token string) (bool, error)
}

type Issuer struct {
	Store TokenStore
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

// Generate draws tokens until one is unused in ns. Expired grants still
// occupy their token.
func (i *Issuer) Generate(ctx context.Context, ns Namespace) (string, error) {
	for draw := 0; draw < maxDraws; draw++ {
		token, err := i.draw()
		if err != nil {
			return "", err
		}
		exists, err := i.exists(ctx, ns, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
	}
	return "", fmt.Errorf("generate %s token: no unused token after %d draws", ns, maxDraws)
}

// IssueWith generates a token and hands it to insert. An insert that loses a
// race for the same token reports store.ErrDuplicateToken and is retried
// with a fresh token.
func (i *Issuer) IssueWith(ctx context.Context, ns Namespace, insert func(token string) error) error {
	for attempt := 0; attempt < maxDraws; attempt++ {
		token, err := i.Generate(ctx, ns)
		if err != nil {
			return err
		}
		err = insert(token)
		if errors.Is(err, store.ErrDuplicateToken) {
			continue
		}
		return err
	}
	return fmt.Errorf("issue %s token: insert kept colliding", ns)
}

func (i *Issuer) draw() (string, error) {
	src := i.Rand
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (i *Issuer) exists(ctx context.Context, ns Namespace, token string) (bool, error) {
	switch ns {
	case NamespaceMessage:
		return i.Store.MessageTokenExists(ctx, token)
	default:
		return i.Store.MailboxTokenExists(ctx, token)
	}
}
