package openai

import (
	"context"
	"testing"
)

func TestFallbackWithoutAPIKey(t *testing.T) {
	c := New("")
	if c.Enabled() {
		t.Fatalf("client without key reports enabled")
	}

	const text = "Okay, I'll remind you at 9:00 AM."
	if got := c.Confirm(context.Background(), text); got != text {
		t.Fatalf("Confirm = %q, want template", got)
	}
	if got := c.Announce(context.Background(), " take your blood pressure pill "); got != "This is your reminder: take your blood pressure pill" {
		t.Fatalf("Announce = %q", got)
	}
}

func TestNilClientFallsBack(t *testing.T) {
	var c *Client
	if got := c.Confirm(context.Background(), "done"); got != "done" {
		t.Fatalf("Confirm on nil client = %q", got)
	}
}
