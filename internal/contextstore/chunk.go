// Package contextstore keeps intermediate step output inside a fixed token
// budget, compressing and evicting low-value content as the budget fills.
package contextstore

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

// ContentType classifies a chunk for retrieval filtering.
type ContentType string

const (
	ContentData     ContentType = "data"
	ContentAnalysis ContentType = "analysis"
	ContentSummary  ContentType = "summary"
	ContentMetadata ContentType = "metadata"
)

// CompressionLevel only ever increases for a given chunk.
type CompressionLevel int

const (
	LevelNone CompressionLevel = iota
	LevelLight
	LevelMedium
	LevelHeavy
)

func (l CompressionLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLight:
		return "light"
	case LevelMedium:
		return "medium"
	case LevelHeavy:
		return "heavy"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Ratio is the fraction of the original size a chunk keeps at this level.
func (l CompressionLevel) Ratio() float64 {
	switch l {
	case LevelLight:
		return 0.7
	case LevelMedium:
		return 0.5
	case LevelHeavy:
		return 0.3
	}
	return 1
}

// Chunk is one piece of stored content.
type Chunk struct {
	ID          string      `json:"id"`
	ContentType ContentType `json:"content_type"`
	Content     string      `json:"content"`
	Priority    int         `json:"priority"`
	// TokenCount is an estimate, recomputed whenever Content changes.
	TokenCount int `json:"token_count"`
	// OriginalTokens is the size at ingest; compression targets are relative to it.
	OriginalTokens int              `json:"original_tokens"`
	CreatedAt      time.Time        `json:"created_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
	Level          CompressionLevel `json:"compression_level"`
}

// Window describes the token budget.
type Window struct {
	MaxTokens      int `json:"max_tokens"`
	ReservedTokens int `json:"reserved_tokens"`
	CurrentTokens  int `json:"current_tokens"`
}

// Available is the budget usable by stored content.
func (w Window) Available() int {
	if a := w.MaxTokens - w.ReservedTokens; a > 0 {
		return a
	}
	return 0
}

// EstimateTokens approximates the token count of s at charsPerToken runes per
// token, rounding up. It is an estimate, never exact.
func EstimateTokens(s string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// ContentTypeFor is the content type a capability's output is stored as.
func ContentTypeFor(c models.Capability) ContentType {
	switch c {
	case models.CapabilityAnalyze:
		return ContentAnalysis
	case models.CapabilityGenerateContent:
		return ContentSummary
	default:
		return ContentData
	}
}

// Render turns an agent value into storable text. Strings pass through;
// everything else is JSON encoded.
func Render(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
