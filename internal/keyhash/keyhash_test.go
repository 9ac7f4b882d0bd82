package keyhash

import (
	"crypto"
	"regexp"
	"strconv"
	"testing"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestKey_KnownDigests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		identifier string
		expected   string
	}{
		{identifier: "", expected: "d41d8cd98f00b204e9800998ecf8427e"},
		{identifier: "abc", expected: "900150983cd24fb0d6963f7d28e17f72"},
		{identifier: "The quick brown fox jumps over the lazy dog", expected: "9e107d9d372bb6826bd81d3542a419d6"},
	}

	for _, tt := range tests {
		if got := Key(tt.identifier); got != tt.expected {
			t.Errorf("Key(%q) = %q, want %q", tt.identifier, got, tt.expected)
		}
	}
}

func TestKey_DeterministicAndFixedLength(t *testing.T) {
	t.Parallel()
	h := New()
	if h.Degraded() {
		t.Fatal("Expected MD5 to be available")
	}
	urls := []string{
		"https://example.com/a.png",
		"https://example.com/a.png?size=large",
		"https://例子.测试/图片.jpg",
	}
	for _, u := range urls {
		first := h.Key(u)
		second := h.Key(u)
		if first != second {
			t.Errorf("Expected stable key for %q, got %q then %q", u, first, second)
		}
		if !hexKey.MatchString(first) {
			t.Errorf("Expected 32 lowercase hex chars for %q, got %q", u, first)
		}
		if first != Key(u) {
			t.Errorf("Expected package Key to match hasher Key for %q", u)
		}
	}
}

func TestKey_DistinctIdentifiers(t *testing.T) {
	t.Parallel()
	if Key("https://example.com/1.png") == Key("https://example.com/2.png") {
		t.Error("Expected different identifiers to produce different keys")
	}
}

func TestHasher_DegradedFallback(t *testing.T) {
	t.Parallel()
	// MD4 is never linked into this binary, so the hasher must degrade.
	h := newHasher(crypto.MD4)
	if !h.Degraded() {
		t.Fatal("Expected hasher to report degraded mode")
	}
	key := h.Key("https://example.com/a.png")
	if _, err := strconv.ParseUint(key, 10, 64); err != nil {
		t.Errorf("Expected decimal fallback key, got %q", key)
	}
	if key != h.Key("https://example.com/a.png") {
		t.Error("Expected degraded keys to be deterministic")
	}
}
