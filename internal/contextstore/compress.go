package contextstore

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Kocoro-lab/orchestra/internal/util"
)

// retainedFields survive structured-data compression.
var retainedFields = []string{
	"summary", "title", "status", "rowCount", "row_count", "count", "total",
	"columns", "insights", "chart_type", "metrics", "error",
}

// salienceKeywords mark sentences worth keeping in free text.
var salienceKeywords = []string{
	"total", "increase", "decrease", "growth", "decline", "trend", "average",
	"significant", "peak", "anomal", "conclusion", "result", "key", "%",
}

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// compressContent shrinks content to at most targetTokens using a strategy
// chosen by the content's shape: structured objects keep an allow-list of
// fields, collections keep a prefix plus a remainder count, free text keeps
// salient sentences. The result is always hard-capped at the target.
func compressContent(content string, targetTokens, charsPerToken int) string {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	if targetTokens < 1 {
		targetTokens = 1
	}
	if EstimateTokens(content, charsPerToken) <= targetTokens {
		return content
	}
	maxChars := targetTokens * charsPerToken

	trimmed := strings.TrimSpace(content)
	var out string
	switch {
	case strings.HasPrefix(trimmed, "{"):
		out = compressObject(trimmed, maxChars)
	case strings.HasPrefix(trimmed, "["):
		out = compressArray(trimmed, maxChars)
	}
	if out == "" {
		out = compressText(trimmed)
	}
	return util.TruncateString(out, maxChars, true)
}

func compressObject(content string, maxChars int) string {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return ""
	}
	kept := make(map[string]interface{})
	for _, f := range retainedFields {
		if v, ok := obj[f]; ok {
			kept[f] = v
		}
	}
	if len(kept) == 0 {
		// numeric summary: field count plus any top-level numbers
		kept["_fields"] = len(obj)
		for k, v := range obj {
			if n, ok := v.(float64); ok {
				kept[k] = n
			}
		}
	}
	for k, v := range kept {
		if arr, ok := v.([]interface{}); ok && len(arr) > 3 {
			kept[k] = append(arr[:3:3], map[string]interface{}{"_remaining": len(arr) - 3})
		}
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return ""
	}
	if len([]rune(string(b))) > maxChars {
		// drop down to the bare field list
		keys := make([]string, 0, len(kept))
		for k := range kept {
			keys = append(keys, k)
		}
		b, _ = json.Marshal(map[string]interface{}{"_fields": keys})
	}
	return string(b)
}

func compressArray(content string, maxChars int) string {
	var items []interface{}
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return ""
	}
	for n := len(items); n >= 0; n-- {
		head := append([]interface{}(nil), items[:n]...)
		if rest := len(items) - n; rest > 0 {
			head = append(head, map[string]interface{}{"_remaining": rest})
		}
		b, err := json.Marshal(head)
		if err != nil {
			return ""
		}
		if len([]rune(string(b))) <= maxChars || n == 0 {
			return string(b)
		}
	}
	return ""
}

func compressText(content string) string {
	sentences := sentenceBoundary.Split(content, -1)
	var kept []string
	for _, s := range sentences {
		lower := strings.ToLower(s)
		for _, kw := range salienceKeywords {
			if strings.Contains(lower, kw) {
				kept = append(kept, strings.TrimSpace(s))
				break
			}
		}
	}
	if len(kept) == 0 {
		return content
	}
	return strings.Join(kept, ". ")
}
