package pagestash

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "My Bookmarks", "My Bookmarks"},
		{"trims whitespace", "  padded  ", "padded"},
		{"strips tags", "<b>bold</b> and <i>italic</i>", "bold and italic"},
		{"strips bracketed span", "1 < 2 > 0", "1  0"},
		{"strips unclosed bracket", "before <img src=x onerror=alert(1)", "before img src=x onerror=alert(1)"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeTitle(tc.input); got != tc.want {
				t.Fatalf("sanitizeTitle(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSanitizeTitleTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := sanitizeTitle(long)
	if runes := []rune(got); len(runes) != MaxTitleLength {
		t.Fatalf("expected %d units, got %d", MaxTitleLength, len(runes))
	}
	if !strings.HasPrefix(long, got) {
		t.Fatalf("truncation must keep the prefix intact")
	}
}

func TestCanonicalURL(t *testing.T) {
	valid := []string{
		"https://example.com/a",
		"http://example.com",
		"HTTPS://EXAMPLE.COM/path?q=1#frag",
		"  https://example.com/padded  ",
	}
	for _, raw := range valid {
		if _, err := canonicalURL(raw); err != nil {
			t.Fatalf("canonicalURL(%q) unexpected error: %v", raw, err)
		}
	}

	folded, err := canonicalURL("HTTPS://EXAMPLE.COM/Path?Q=1")
	if err != nil {
		t.Fatalf("canonicalURL failed: %v", err)
	}
	if folded != "https://example.com/Path?Q=1" {
		t.Fatalf("scheme and host must fold to lower case, got %q", folded)
	}

	invalid := []string{
		"javascript:alert(1)",
		"data:text/html,<script></script>",
		"not-a-url",
		"ftp://example.com",
		"//example.com/protocol-relative",
		"https://",
		"",
	}
	for _, raw := range invalid {
		if _, err := canonicalURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("canonicalURL(%q) expected ErrInvalidURL, got %v", raw, err)
		}
	}
}

func TestFaviconURL(t *testing.T) {
	if got := faviconURL("https://example.com:8443/deep/path"); got != "https://example.com/favicon.ico" {
		t.Fatalf("unexpected favicon url: %q", got)
	}
	if got := faviconURL("http://sub.example.com/a"); got != "https://sub.example.com/favicon.ico" {
		t.Fatalf("unexpected favicon url: %q", got)
	}
}

func TestSortByAddedAtStable(t *testing.T) {
	items := []Item{
		{ID: "old", AddedAt: 100},
		{ID: "tie_first", AddedAt: 200},
		{ID: "tie_second", AddedAt: 200},
		{ID: "new", AddedAt: 300},
	}
	sortByAddedAt(items)
	want := []string{"new", "tie_first", "tie_second", "old"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("position %d: got %q want %q", i, items[i].ID, id)
		}
	}
}
