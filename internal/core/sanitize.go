package core

import (
	"regexp"
	"strings"
	"unicode"
)

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// sanitizeKey cleans a store key the way the host sanitizes text fields:
// tags and control characters are stripped and whitespace is trimmed.
func sanitizeKey(key string) string {
	key = htmlTagPattern.ReplaceAllString(key, "")
	key = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, key)
	return strings.TrimSpace(key)
}

// sanitizeIdentifier keeps only characters valid in a constant, function or
// class name: ASCII letters, digits, underscores and the namespace separator.
func sanitizeIdentifier(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '\\':
			return r
		default:
			return -1
		}
	}, name)
}

func stringField(m *Map, key string) string {
	value, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}
