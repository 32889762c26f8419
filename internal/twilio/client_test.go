package twilio

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
)

func TestSayTwiMLEscapesMessage(t *testing.T) {
	got, err := SayTwiML("Take 2 pills <after> lunch & rest")
	if err != nil {
		t.Fatalf("SayTwiML: %v", err)
	}
	want := "<Response><Say>Take 2 pills &lt;after&gt; lunch &amp; rest</Say></Response>"
	if !strings.HasSuffix(got, want) {
		t.Fatalf("SayTwiML = %q, want suffix %q", got, want)
	}
	if !strings.HasPrefix(got, "<?xml") {
		t.Fatalf("missing xml header: %q", got)
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]string{
		"+15550001111":     "+15550001111",
		" 15550001111 ":    "+15550001111",
		"tel:+15550001111": "+15550001111",
		"":                 "",
	}
	for in, want := range cases {
		if got := normalizeNumber(in); got != want {
			t.Fatalf("normalizeNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := New("", "", "+15550009999")
	if _, err := c.PlaceCall(context.Background(), "+15550001111", "hello", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("PlaceCall error = %v, want ErrNotConfigured", err)
	}
	if !c.ValidWebhook("https://example.org/twilio/status", url.Values{"CallSid": {"CA1"}}, "") {
		t.Fatalf("webhooks should pass when no credentials are configured")
	}
}

func TestDecodeForm(t *testing.T) {
	got := DecodeForm(url.Values{"CallSid": {"CA1", "CA2"}, "Empty": {}})
	if got["CallSid"] != "CA1" {
		t.Fatalf("CallSid = %q", got["CallSid"])
	}
	if _, ok := got["Empty"]; ok {
		t.Fatalf("empty values should be skipped")
	}
}
