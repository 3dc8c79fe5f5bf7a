// Package util holds small string and map helpers shared by the engine,
// the context store and the aggregator.
package util

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParseNumericValue extracts a number from a value an agent may have
// reported as a number or as free text ("42", "42 rows", "total is 42").
func ParseNumericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		return parseNumericText(n)
	}
	return 0, false
}

// Preference order: direct parse, "equals|is N" pattern, then first numeric token.
func parseNumericText(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if val, err := strconv.ParseFloat(s, 64); err == nil {
		return val, true
	}
	fields := strings.Fields(s)
	first, found := 0.0, false
	for i, f := range fields {
		token := strings.Trim(f, ".,!?:;")
		if (strings.EqualFold(token, "equals") || strings.EqualFold(token, "is")) && i+1 < len(fields) {
			if v, err := strconv.ParseFloat(strings.Trim(fields[i+1], ".,!?:;"), 64); err == nil {
				return v, true
			}
		}
		if v, err := strconv.ParseFloat(token, 64); err == nil && !found {
			first, found = v, true
		}
	}
	return first, found
}

// TruncateString truncates s to maxLen runes, appending "..." when cut.
// With preserveWords it cuts at the last whitespace before the limit when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	runes := []rune(s)
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBefore(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

func lastSpaceBefore(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}
