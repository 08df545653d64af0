package musicapi

import (
	"net/url"
	"strings"
)

// Key derives the cache key for a request. Identical method, endpoint and
// encoded body always produce the same key.
func Key(method, endpoint string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(endpoint) + len(body) + 2)
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(endpoint)
	b.WriteByte(' ')
	b.Write(body)
	return b.String()
}

// Endpoint joins path and query. Query parameters are encoded in sorted key
// order so equal queries yield equal endpoints, and so equal cache keys.
func Endpoint(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
