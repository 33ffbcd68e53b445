package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailgate/internal/pagination"
	"github.io/infrasutra/mailgate/internal/preview"
	"github.io/infrasutra/mailgate/internal/sse"
	"github.io/infrasutra/mailgate/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

type mailboxPageResponse struct {
	Email   string              `json:"email"`
	Total   int64               `json:"total"`
	List    []preview.EmailItem `json:"list"`
	HasMore bool                `json:"hasMore"`
}

func (s *Server) handleMailboxPage(w http.ResponseWriter, r *http.Request) {
	p := pagination.GetListParams(r.URL.Query())
	page, err := s.gateway.MailboxPage(r.Context(), queryToken(r), preview.ListParams{
		Cursor:    p.Cursor,
		Size:      p.Size,
		Ascending: p.Ascending,
		Type:      p.Type,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, mailboxPageResponse{
		Email:   page.Email,
		Total:   page.Total,
		List:    page.List,
		HasMore: pagination.HasMore(len(page.List), p.Size),
	})
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.gateway.MessageDetail(r.Context(), queryToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, detail)
}

// handleStream pushes new-mail events of the shared mailbox until the
// client goes away or the grant stops admitting it. The grant is checked
// again before every write and when it reaches its expiry.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := queryToken(r)
	grant, account, err := s.gateway.ResolveMailboxGrant(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(account.ID)
	defer unsubscribe()

	ready, _ := sse.Event("ready", map[string]string{"email": account.Email})
	_, _ = w.Write(ready)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	var expiry expiryTimer
	expiry.reset(grant.ExpireTime)
	defer expiry.stop()

	admitted := func() bool {
		grant, _, err := s.gateway.ResolveMailboxGrant(r.Context(), token)
		if err != nil {
			s.endStream(w, flusher, r, err)
			return false
		}
		expiry.reset(grant.ExpireTime)
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-expiry.C():
			expiry.stop()
			if !admitted() {
				return
			}
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if !admitted() {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			if !admitted() {
				return
			}
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

// endStream tells the client why the stream stops.
func (s *Server) endStream(w http.ResponseWriter, flusher http.Flusher, r *http.Request, err error) {
	reason := "revoked"
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, preview.ErrExpired):
		reason = "expired"
	case !errors.Is(err, preview.ErrNotFound):
		s.logger.Error("revalidate preview stream", "path", r.URL.Path, "error", err)
	}
	payload, _ := sse.Event("closed", map[string]string{"reason": reason})
	_, _ = w.Write(payload)
	flusher.Flush()
}

// expiryTimer fires once when a grant's expiry passes. A grant without
// expiry never fires.
type expiryTimer struct {
	timer *time.Timer
	at    time.Time
}

func (e *expiryTimer) reset(expire *time.Time) {
	if expire == nil {
		e.stop()
		return
	}
	if e.timer != nil && e.at.Equal(*expire) {
		return
	}
	e.stop()
	e.at = *expire
	e.timer = time.NewTimer(time.Until(*expire))
}

func (e *expiryTimer) stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.at = time.Time{}
}

func (e *expiryTimer) C() <-chan time.Time {
	if e.timer == nil {
		return nil
	}
	return e.timer.C
}

type mailboxGrant struct {
	PreviewID  int64   `json:"previewId"`
	Email      string  `json:"email"`
	UserID     int64   `json:"userId"`
	Token      string  `json:"token"`
	AccountID  int64   `json:"accountId"`
	ExpireTime *string `json:"expireTime"`
	CreateTime string  `json:"createTime"`
}

func toMailboxGrant(p store.MailboxPreview) mailboxGrant {
	return mailboxGrant{
		PreviewID:  p.ID,
		Email:      p.Email,
		UserID:     p.UserID,
		Token:      p.Token,
		AccountID:  p.AccountID,
		ExpireTime: formatTime(p.ExpireTime),
		CreateTime: p.CreatedAt.UTC().Format(timeLayout),
	}
}

type messageGrant struct {
	PreviewID       int64   `json:"previewId"`
	EmailID         int64   `json:"emailId"`
	Token           string  `json:"token"`
	ExpireTime      *string `json:"expireTime"`
	CreateTime      string  `json:"createTime"`
	Subject         string  `json:"subject,omitempty"`
	EmailCreateTime *string `json:"emailCreateTime,omitempty"`
}

func toMessageGrant(p store.MessagePreview) messageGrant {
	return messageGrant{
		PreviewID:       p.ID,
		EmailID:         p.EmailID,
		Token:           p.Token,
		ExpireTime:      formatTime(p.ExpireTime),
		CreateTime:      p.CreatedAt.UTC().Format(timeLayout),
		Subject:         p.Subject,
		EmailCreateTime: formatTime(p.EmailCreatedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

type createMailboxRequest struct {
	Email      string `json:"email"`
	ExpireTime string `json:"expireTime"`
}

type createMessageRequest struct {
	EmailID    int64  `json:"emailId"`
	ExpireTime string `json:"expireTime"`
}

// expireRequest carries days as a number, a string or null.
type expireRequest struct {
	PreviewID int64           `json:"previewId"`
	Days      json.RawMessage `json:"days"`
}

func (e expireRequest) days() string {
	raw := bytes.TrimSpace(e.Days)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

func (s *Server) handleMailboxList(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	grants, err := s.grants.ListMailbox(r.Context(), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]mailboxGrant, 0, len(grants))
	for _, g := range grants {
		out = append(out, toMailboxGrant(g))
	}
	s.respondOK(w, out)
}

func (s *Server) handleMailboxCreate(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	var payload createMailboxRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	grant, err := s.grants.CreateMailbox(r.Context(), caller, payload.Email, payload.ExpireTime)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, toMailboxGrant(grant))
}

func (s *Server) handleMailboxDelete(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	if err := s.grants.DeleteMailbox(r.Context(), caller, queryID(r, "previewId")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, nil)
}

func (s *Server) handleMailboxExpire(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	var payload expireRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	grant, err := s.grants.ResetMailboxExpiry(r.Context(), caller, payload.PreviewID, payload.days())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, toMailboxGrant(grant))
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	grants, err := s.grants.ListMessage(r.Context(), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]messageGrant, 0, len(grants))
	for _, g := range grants {
		out = append(out, toMessageGrant(g))
	}
	s.respondOK(w, out)
}

func (s *Server) handleMessageCreate(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	var payload createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	grant, err := s.grants.CreateMessage(r.Context(), caller, payload.EmailID, payload.ExpireTime)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, toMessageGrant(grant))
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	if err := s.grants.DeleteMessage(r.Context(), caller, queryID(r, "previewId")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, nil)
}

func (s *Server) handleMessageExpire(w http.ResponseWriter, r *http.Request, caller preview.Caller) {
	var payload expireRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	grant, err := s.grants.ResetMessageExpiry(r.Context(), caller, payload.PreviewID, payload.days())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondOK(w, toMessageGrant(grant))
}

func queryID(r *http.Request, key string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(key)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
