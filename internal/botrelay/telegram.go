// Package botrelay posts summaries of received mail to Telegram chats.
package botrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	// Telegram rejects message texts above 4096 characters.
	maxTextRunes = 4096
	excerptRunes = 1000
)

var stripPolicy = bluemonday.StrictPolicy()

type Summary struct {
	From     string
	FromName string
	To       string
	Subject  string
	Text     string
	HTML     string
	Received time.Time
}

type Telegram struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func New(token string) *Telegram {
	return &Telegram{
		BaseURL: DefaultBaseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts s to one chat.
func (t *Telegram) Send(ctx context.Context, chatID string, s Summary) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  Format(s),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	endpoint := strings.TrimRight(t.BaseURL, "/") + "/bot" + t.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &decoded)
	if resp.StatusCode != http.StatusOK || !decoded.OK {
		return fmt.Errorf("send telegram message: status %d: %s", resp.StatusCode, decoded.Description)
	}
	return nil
}

// Format renders the plain-text chat message for s.
func Format(s Summary) string {
	from := s.From
	if s.FromName != "" {
		from = s.FromName + " <" + s.From + ">"
	}
	body := strings.TrimSpace(s.Text)
	if body == "" {
		body = strings.TrimSpace(stripPolicy.Sanitize(s.HTML))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: %s\n", s.To)
	fmt.Fprintf(&b, "Subject: %s\n", s.Subject)
	if !s.Received.IsZero() {
		fmt.Fprintf(&b, "Time: %s\n", s.Received.UTC().Format("2006-01-02 15:04:05"))
	}
	if body != "" {
		b.WriteString("\n")
		b.WriteString(truncate(body, excerptRunes))
	}
	return truncate(b.String(), maxTextRunes)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
