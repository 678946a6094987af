package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("ntf")
	if !strings.HasPrefix(id, "ntf_") {
		t.Fatalf("expected ntf_ prefix, got %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected unique ids")
	}
}

func TestCompositeIDRoundTrip(t *testing.T) {
	id := CompositeID("user-1", "team-1")
	if id != "user-1::team-1" {
		t.Fatalf("unexpected composite id %q", id)
	}
	left, right, ok := SplitCompositeID(id)
	if !ok || left != "user-1" || right != "team-1" {
		t.Fatalf("SplitCompositeID(%q) = %q, %q, %v", id, left, right, ok)
	}
	if _, _, ok := SplitCompositeID("no-separator"); ok {
		t.Fatal("expected split to fail without separator")
	}
}

func TestShortIDLength(t *testing.T) {
	if got := len(ShortID()); got != 20 {
		t.Fatalf("expected 20 char short id, got %d", got)
	}
}
