package aggregate

import (
	"strings"

	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/util"
)

// Bucket groups step results by what the step produced.
type Bucket string

const (
	BucketQuery         Bucket = "query"
	BucketAnalysis      Bucket = "analysis"
	BucketVisualization Bucket = "visualization"
	BucketContent       Bucket = "content"
	BucketOther         Bucket = "other"
)

// bucketOrder is the presentation order of buckets.
var bucketOrder = []Bucket{BucketQuery, BucketAnalysis, BucketVisualization, BucketContent, BucketOther}

// Classify buckets a step by its id.
func Classify(stepID string) Bucket {
	id := strings.ToLower(stepID)
	switch {
	case containsAny(id, "query", "sql", "fetch"):
		return BucketQuery
	case strings.Contains(id, "analy"):
		return BucketAnalysis
	case containsAny(id, "visual", "chart"):
		return BucketVisualization
	case containsAny(id, "content", "report", "generat"):
		return BucketContent
	default:
		return BucketOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// BucketMetrics summarizes one bucket. Skipped steps are counted apart and
// excluded from Count and SuccessRate.
type BucketMetrics struct {
	Count       int                `json:"count"`
	Succeeded   int                `json:"succeeded"`
	Skipped     int                `json:"skipped,omitempty"`
	SuccessRate float64            `json:"success_rate"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

func (b *BucketMetrics) add(bucket Bucket, res models.ExecutionResult) {
	if res.Skipped {
		b.Skipped++
		return
	}
	b.Count++
	if !res.Success {
		return
	}
	b.Succeeded++
	if b.Metrics == nil {
		b.Metrics = make(map[string]float64)
	}
	obj, _ := res.Value.(map[string]interface{})

	switch bucket {
	case BucketQuery:
		if n, ok := firstNumber(obj, "rowCount", "row_count", "rows_returned"); ok {
			b.Metrics["total_rows"] += n
		} else if rows, ok := obj["rows"].([]interface{}); ok {
			b.Metrics["total_rows"] += float64(len(rows))
		}
	case BucketAnalysis:
		b.Metrics["insights"] += float64(listLen(obj["insights"]))
	case BucketVisualization:
		b.Metrics["charts"]++
	case BucketContent:
		b.Metrics["words"] += float64(wordCount(res.Value))
	}
}

func (b *BucketMetrics) finish() {
	if b.Count > 0 {
		b.SuccessRate = float64(b.Succeeded) / float64(b.Count)
	}
}

func firstNumber(obj map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if n, ok := util.ParseNumericValue(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func listLen(v interface{}) int {
	switch l := v.(type) {
	case []interface{}:
		return len(l)
	case []string:
		return len(l)
	case []map[string]interface{}:
		return len(l)
	}
	return 0
}

func wordCount(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(strings.Fields(t))
	case map[string]interface{}:
		n := 0
		for _, field := range t {
			if s, ok := field.(string); ok {
				n += len(strings.Fields(s))
			}
		}
		return n
	}
	return 0
}
