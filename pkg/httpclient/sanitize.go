package httpclient

import (
	"net/url"
	"strings"
)

// credentialMarkers are substrings of query parameter names that flag a
// value as secret. The daemon API itself carries credentials in headers,
// but execution contexts can point runs at external targets whose URLs
// embed keys or signed tokens in the query string.
var credentialMarkers = []string{
	"token",
	"key",
	"secret",
	"password",
	"auth",
	"credential",
	"signature",
}

// sanitizeURL returns the URL with credential-bearing query values
// redacted, safe for request logs. URLs without such values pass through
// unchanged, query order included.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	redacted := false
	for name := range q {
		if credentialParam(name) {
			q.Set(name, "[REDACTED]")
			redacted = true
		}
	}
	if !redacted {
		return u.String()
	}

	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}

// credentialParam matches parameter names case-insensitively, so
// API_KEY, Api_Key, and bearer_token are all caught.
func credentialParam(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range credentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
