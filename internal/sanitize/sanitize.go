package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

// MaxQueryLength caps inbound queries after trimming.
const MaxQueryLength = 5000

// injectionPatterns flag inputs that look like SQL/script/prompt injection
// attempts. Matching input is rejected before any external call is made.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update)\s`),
	regexp.MustCompile(`(?i)\bunion\s+select\b`),
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)\bjavascript\s*:`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`--\s*$`),
}

// Query trims, strips control characters, caps the length, and rejects
// empty or injection-flagged input.
func Query(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > MaxQueryLength {
		// Back off to a rune boundary so the cap never leaves invalid UTF-8.
		cut := MaxQueryLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	if cleaned == "" {
		return "", taskerr.New(taskerr.KindValidation, "query must not be empty")
	}
	for _, p := range injectionPatterns {
		if p.MatchString(cleaned) {
			return "", taskerr.New(taskerr.KindValidation, "query contains disallowed content")
		}
	}
	return cleaned, nil
}
