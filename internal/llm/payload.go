package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoPayload = errors.New("no JSON object in response")

// DecodeJSON locates the first JSON object in a model response, tolerating
// markdown code fences and surrounding prose, and decodes it into v.
func DecodeJSON(content string, v any) error {
	raw, ok := firstObject(content)
	if !ok {
		return ErrNoPayload
	}
	return json.Unmarshal([]byte(raw), v)
}

func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end, ok := matchBrace(s, start); ok {
			return s[start : end+1], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
