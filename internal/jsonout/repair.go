// Package jsonout recovers JSON from model replies that wrap it in prose or
// markdown.
package jsonout

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Repair strips markdown code fences and trims to the outermost JSON object
// or array. It reports true only when the result is valid JSON.
func Repair(s string) (string, bool) {
	s = strings.TrimSpace(s)

	// ```json ... ``` or ``` ... ```
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) >= 6 {
		s = strings.TrimSpace(s[3 : len(s)-3])
		if strings.HasPrefix(strings.ToLower(s), "json") {
			s = strings.TrimSpace(s[4:])
		}
	}
	if gjson.Valid(s) {
		return s, true
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s, false
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s, false
	}
	s = s[start : end+1]
	return s, gjson.Valid(s)
}
