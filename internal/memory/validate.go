package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Content size limits (approximate token → char conversion: 1 token ≈ 4 chars).
const (
	maxContentChars = 40000 // ~10K tokens
	maxTags         = 32
	maxTagChars     = 64
)

// DefaultType is stored when a record is added without a type.
const DefaultType = "note"

// ErrEmptyContent is returned when content is blank after trimming.
var ErrEmptyContent = errors.New("memory content is empty")

// cleanTag trims a tag and caps its length, keeping the caller's spelling.
func cleanTag(tag string) string {
	return truncateRunes(strings.TrimSpace(tag), maxTagChars)
}

// sanitizeTags splits on commas, drops blanks and case-insensitive repeats,
// and caps the list, keeping first-seen order and spelling.
func sanitizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, raw := range tags {
		// Accept "a,b" inside a single element too.
		for _, part := range strings.Split(raw, ",") {
			t := cleanTag(part)
			key := strings.ToLower(t)
			if t == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, t)
			if len(out) == maxTags {
				return out
			}
		}
	}
	return out
}

// cleanContent trims content and truncates it past the size ceiling.
func cleanContent(content string, logger *zap.Logger) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if len(content) > maxContentChars {
		logger.Warn("truncating memory content",
			zap.Int("chars", len(content)), zap.Int("max", maxContentChars))
		content = truncateClean(content, maxContentChars)
	}
	return content, nil
}

func cleanType(t string) string {
	t = cleanTag(t)
	if t == "" {
		return DefaultType
	}
	return t
}

func checkMetadata(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return fmt.Errorf("metadata is not valid JSON")
	}
	return nil
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
