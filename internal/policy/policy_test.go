package policy

import (
	"testing"

	"github.io/infrasutra/mailgate/internal/message"
	"github.io/infrasutra/mailgate/internal/settings"
)

func newMessage(from string) *message.Inbound {
	return &message.Inbound{
		From:        message.Address{Address: from},
		HTML:        "<p>secret</p>",
		Text:        "secret",
		Attachments: []message.Attachment{{Filename: "a.txt", Content: []byte("a")}},
	}
}

func TestEvaluateWildcardReject(t *testing.T) {
	t.Parallel()
	msg := newMessage("anyone@example.net")
	got := Evaluate(Rules{BanList: []string{"x@y.z", Wildcard}, Kind: settings.BanReject}, "box@example.com", msg)
	if got != Reject {
		t.Errorf("decision: got %s, want %s", got, Reject)
	}
	if msg.Text != "secret" {
		t.Errorf("rejected message was modified")
	}
}

func TestEvaluateWildcardStrip(t *testing.T) {
	t.Parallel()
	msg := newMessage("anyone@example.net")
	got := Evaluate(Rules{BanList: []string{Wildcard}, Kind: settings.BanStrip}, "box@example.com", msg)
	if got != Strip {
		t.Fatalf("decision: got %s, want %s", got, Strip)
	}
	if msg.HTML != StrippedNotice || msg.Text != StrippedNotice || msg.Attachments != nil {
		t.Errorf("stripped message: got html %q text %q atts %d", msg.HTML, msg.Text, len(msg.Attachments))
	}
}

func TestEvaluateDomainMatch(t *testing.T) {
	t.Parallel()
	rules := Rules{BanList: []string{"Spam.Example"}, Kind: settings.BanReject}
	if got := Evaluate(rules, "box@example.com", newMessage("Bot@SPAM.example")); got != Reject {
		t.Errorf("case-insensitive domain: got %s, want %s", got, Reject)
	}
	if got := Evaluate(rules, "box@example.com", newMessage("bot@notspam.example")); got != Allow {
		t.Errorf("other domain: got %s, want %s", got, Allow)
	}
	if got := Evaluate(rules, "box@example.com", newMessage("bot@sub.spam.example")); got != Allow {
		t.Errorf("subdomain: got %s, want %s", got, Allow)
	}
}

func TestEvaluateAddressMatch(t *testing.T) {
	t.Parallel()
	rules := Rules{BanList: []string{"pest@example.net"}, Kind: settings.BanStrip}
	msg := newMessage("PEST@example.net")
	if got := Evaluate(rules, "box@example.com", msg); got != Strip {
		t.Errorf("address match: got %s, want %s", got, Strip)
	}
	if got := Evaluate(rules, "box@example.com", newMessage("friend@example.net")); got != Allow {
		t.Errorf("other address: got %s, want %s", got, Allow)
	}
}

func TestEvaluateDomainPermission(t *testing.T) {
	t.Parallel()
	rules := Rules{AvailDomains: []string{"@Example.com"}}
	if got := Evaluate(rules, "box@example.com", newMessage("a@b.c")); got != Allow {
		t.Errorf("permitted domain: got %s, want %s", got, Allow)
	}
	if got := Evaluate(rules, "box@other.com", newMessage("a@b.c")); got != Reject {
		t.Errorf("unpermitted domain: got %s, want %s", got, Reject)
	}
	if !DomainPermitted(nil, "box@anything.org") {
		t.Errorf("empty domain set should permit every domain")
	}
}

func TestParseBanList(t *testing.T) {
	t.Parallel()
	got := ParseBanList(" a@b.c, ,spam.example,*,")
	want := []string{"a@b.c", "spam.example", "*"}
	if len(got) != len(want) {
		t.Fatalf("ParseBanList: got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
