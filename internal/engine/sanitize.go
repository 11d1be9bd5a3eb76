package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/relayboard/internal/board"
)

const DefaultMaxContentRunes = 2000

// Sanitizer turns user-supplied note text into the stored form: NFC
// normalized, trimmed, with all markup removed and the remainder HTML
// escaped.
type Sanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

func NewSanitizer(maxRunes int) *Sanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxContentRunes
	}
	return &Sanitizer{policy: bluemonday.StrictPolicy(), maxRunes: maxRunes}
}

func (s *Sanitizer) Sanitize(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", &board.ValidationError{Field: "content", Reason: "is not valid UTF-8"}
	}
	normalized := strings.TrimSpace(norm.NFC.String(raw))
	if utf8.RuneCountInString(normalized) > s.maxRunes {
		return "", &board.ValidationError{Field: "content", Reason: "exceeds maximum length"}
	}
	clean := strings.TrimSpace(s.policy.Sanitize(normalized))
	if clean == "" {
		return "", &board.ValidationError{Field: "content", Reason: "is empty"}
	}
	return clean, nil
}
