package pagestash

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const (
	MaxItems       = 512
	MaxTitleLength = 255
)

type Item struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FaviconURL string `json:"faviconUrl,omitempty"`
	AddedAt    int64  `json:"addedAt"`
}

var markupPattern = regexp.MustCompile(`<[^>]*>|[<>]`)

func sanitizeTitle(raw string) string {
	cleaned := markupPattern.ReplaceAllString(raw, "")
	cleaned = strings.TrimSpace(cleaned)
	runes := []rune(cleaned)
	if len(runes) > MaxTitleLength {
		cleaned = string(runes[:MaxTitleLength])
	}
	return cleaned
}

func canonicalURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	// Scheme and host are case-insensitive per RFC 3986; fold them so
	// the same page saved with different casing dedups to one item.
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), nil
}

func faviconURL(itemURL string) string {
	parsed, err := url.Parse(itemURL)
	if err != nil || parsed.Hostname() == "" {
		return ""
	}
	return "https://" + parsed.Hostname() + "/favicon.ico"
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	return append([]Item(nil), items...)
}

// sortByAddedAt orders newest first; equal timestamps keep their
// relative order from the underlying collection.
func sortByAddedAt(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AddedAt > items[j].AddedAt
	})
}

func matchesQuery(item Item, loweredQuery string) bool {
	if loweredQuery == "" {
		return true
	}
	return strings.Contains(strings.ToLower(item.Title), loweredQuery) ||
		strings.Contains(strings.ToLower(item.URL), loweredQuery)
}
