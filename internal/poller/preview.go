package poller

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// Preview renders body for a log line: JSON is compacted, and anything
// longer than limit bytes is cut at a rune boundary and suffixed with
// "...". A non-positive limit disables truncation.
func Preview(body []byte, limit int) string {
	var buf bytes.Buffer
	if json.Valid(body) && json.Compact(&buf, body) == nil {
		body = buf.Bytes()
	}
	if limit <= 0 || len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
