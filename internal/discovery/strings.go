package discovery

import (
	"net/url"
	"strings"
)

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(strings.TrimSpace(needle)))
}

// NormalizeSourceID strips query-string and fragment suffixes that some
// backends append to platform-native ids.
func NormalizeSourceID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		id = id[:i]
	}
	return id
}

// NormalizeURL drops the query string, fragment and trailing slash so that
// tracking parameters do not defeat URL-prefix matching.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimRight(raw, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/")
}

// URLPrefixKey is the normalized URL used by the URL-prefix dedup tier. It
// is empty when the URL names no path, since a bare host would prefix every
// event on the site.
func URLPrefixKey(raw string) string {
	normalized := NormalizeURL(raw)
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return ""
	}
	return normalized
}
