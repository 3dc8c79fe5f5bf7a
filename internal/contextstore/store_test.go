package contextstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

type tickClock struct{ t time.Time }

func (c *tickClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := New(cfg, zaptest.NewLogger(t))
	clock := &tickClock{t: time.Unix(1700000000, 0)}
	s.now = clock.now
	return s
}

// filler returns text of exactly tokens*4 characters with no salient words
// and no whitespace, so truncation lands exactly on the target.
func filler(tokens int) string {
	return strings.Repeat("abcd", tokens)
}

func TestIngestBelowThresholdDoesNotCompress(t *testing.T) {
	s := newStore(t, Config{MaxTokens: 1000, ReservedTokens: 200, CompressionThreshold: 0.8})
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Ingest(Chunk{ID: fmt.Sprintf("c%d", i), Content: filler(100)}))
	}
	assert.Equal(t, 600, s.CurrentTokens())
	assert.Equal(t, 0, s.Stats().CompressionPasses)
}

func TestIngestOverThresholdCompresses(t *testing.T) {
	// 700 tokens against 0.8 * (1000 - 200) = 640
	s := newStore(t, Config{MaxTokens: 1000, ReservedTokens: 200, CompressionThreshold: 0.8})
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Ingest(Chunk{ID: fmt.Sprintf("c%d", i), Content: filler(100)}))
	}

	assert.LessOrEqual(t, s.CurrentTokens(), 640)
	st := s.Stats()
	assert.Equal(t, 1, st.CompressionPasses)
	assert.Equal(t, 0, st.Evictions)
	assert.Equal(t, 7, st.ByLevel["light"])
	assert.Equal(t, s.CurrentTokens(), st.Window.CurrentTokens)

	c, ok := s.Get("c0")
	require.True(t, ok)
	assert.Equal(t, LevelLight, c.Level)
	assert.Equal(t, 100, c.OriginalTokens)
	assert.LessOrEqual(t, c.TokenCount, 70)
}

func TestBudgetHoldsAfterEveryIngest(t *testing.T) {
	s := newStore(t, Config{MaxTokens: 500, ReservedTokens: 100, CompressionThreshold: 0.8})
	available := s.Window().Available()
	for i := 0; i < 40; i++ {
		size := 20 + (i*37)%180
		require.NoError(t, s.Ingest(Chunk{
			ID:       fmt.Sprintf("c%d", i),
			Content:  filler(size),
			Priority: 1 + i%10,
		}))
		assert.LessOrEqual(t, s.CurrentTokens(), available, "after ingest %d", i)
	}
	assert.Greater(t, s.Stats().Evictions, 0)
}

func TestHeavyCompressionIsIdempotent(t *testing.T) {
	s := newStore(t, Config{MaxTokens: 100, ReservedTokens: 0, CompressionThreshold: 0.8})

	require.NoError(t, s.Ingest(Chunk{ID: "big", Content: filler(200), Priority: 10}))
	first, ok := s.Get("big")
	require.True(t, ok)
	require.Equal(t, LevelHeavy, first.Level)
	require.LessOrEqual(t, first.TokenCount, 60)

	// a second oversized chunk triggers another Heavy pass
	require.NoError(t, s.Ingest(Chunk{ID: "other", Content: filler(200), Priority: 1}))
	again, ok := s.Get("big")
	require.True(t, ok)
	assert.Equal(t, LevelHeavy, again.Level)
	assert.Equal(t, first.Content, again.Content)
	assert.Equal(t, first.TokenCount, again.TokenCount)

	_, ok = s.Get("other")
	assert.False(t, ok, "low-priority chunk that does not fit is evicted")
	assert.Equal(t, 1, s.Stats().Evictions)
}

func TestQueryRefreshKeepsChunkAlive(t *testing.T) {
	s := newStore(t, Config{MaxTokens: 100, ReservedTokens: 0, CompressionThreshold: 0.8})

	require.NoError(t, s.Ingest(Chunk{ID: "a", ContentType: ContentData, Content: filler(40)}))
	require.NoError(t, s.Ingest(Chunk{ID: "b", ContentType: ContentAnalysis, Content: filler(40)}))

	// the query agent reads data only, so only "a" is touched
	got := s.Query(models.CapabilityQuery)
	assert.Contains(t, got, "a")
	assert.NotContains(t, got, "b")

	require.NoError(t, s.Ingest(Chunk{ID: "c", ContentType: ContentData, Content: filler(40)}))

	_, okA := s.Get("a")
	_, okB := s.Get("b")
	_, okC := s.Get("c")
	assert.True(t, okA, "recently read chunk survives")
	assert.False(t, okB, "stale chunk is evicted")
	assert.True(t, okC)
	assert.LessOrEqual(t, s.CurrentTokens(), 80)
}

func TestQueryAllowList(t *testing.T) {
	s := newStore(t, DefaultConfig())
	for _, ct := range []ContentType{ContentData, ContentAnalysis, ContentSummary, ContentMetadata} {
		require.NoError(t, s.Ingest(Chunk{ID: string(ct), ContentType: ct, Content: "x"}))
	}

	keys := func(m map[string]string) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"data", "analysis"}, keys(s.Query(models.CapabilityVisualize)))
	assert.ElementsMatch(t, []string{"data", "metadata"}, keys(s.Query(models.CapabilityQuery)))
	assert.ElementsMatch(t, []string{"data", "analysis", "summary"}, keys(s.Query(models.CapabilityGenerateContent)))
	assert.ElementsMatch(t, []string{"data"}, keys(s.Query(models.Capability("unknown"))))

	before, _ := s.Get("metadata")
	s.Query(models.CapabilityVisualize)
	after, _ := s.Get("metadata")
	assert.Equal(t, before.LastAccessedAt, after.LastAccessedAt)
}

func TestIngestRejectsEmptyID(t *testing.T) {
	s := newStore(t, DefaultConfig())
	assert.ErrorIs(t, s.Ingest(Chunk{Content: "x"}), ErrEmptyChunkID)
}

func TestRemaining(t *testing.T) {
	s := newStore(t, Config{MaxTokens: 1000, ReservedTokens: 200})
	require.NoError(t, s.Ingest(Chunk{ID: "a", Content: filler(100)}))
	assert.Equal(t, 700, s.Remaining())
}

func TestCompressContentStrategies(t *testing.T) {
	t.Run("object keeps allow-listed fields", func(t *testing.T) {
		rows := make([]map[string]int, 100)
		for i := range rows {
			rows[i] = map[string]int{"id": i}
		}
		raw, err := json.Marshal(map[string]interface{}{"summary": "sales up", "rowCount": 100, "rows": rows})
		require.NoError(t, err)

		out := compressContent(string(raw), 20, 4)
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &obj))
		assert.Equal(t, "sales up", obj["summary"])
		assert.Equal(t, float64(100), obj["rowCount"])
		assert.NotContains(t, obj, "rows")
	})

	t.Run("array keeps a prefix and counts the rest", func(t *testing.T) {
		items := make([]int, 200)
		raw, _ := json.Marshal(items)
		out := compressContent(string(raw), 20, 4)
		assert.LessOrEqual(t, len(out), 80)

		var arr []interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &arr))
		last, ok := arr[len(arr)-1].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(200-(len(arr)-1)), last["_remaining"])
	})

	t.Run("text keeps salient sentences", func(t *testing.T) {
		text := "Revenue was flat in the north. Total revenue grew 12% in Q3. The weather was nice. Average order value declined."
		out := compressContent(text, 20, 4)
		assert.Contains(t, out, "12%")
		assert.Contains(t, out, "Average order value")
		assert.NotContains(t, out, "weather")
	})

	t.Run("small content is untouched", func(t *testing.T) {
		assert.Equal(t, "ok", compressContent("ok", 10, 4))
	})
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", 4))
	assert.Equal(t, 1, EstimateTokens("abc", 4))
	assert.Equal(t, 2, EstimateTokens("abcde", 4))
	assert.Equal(t, 1, EstimateTokens("日本", 0))
}

func TestRenderAndContentType(t *testing.T) {
	assert.Equal(t, "plain", Render("plain"))
	assert.Equal(t, `{"a":1}`, Render(map[string]int{"a": 1}))
	assert.Equal(t, "", Render(nil))
	assert.Equal(t, ContentAnalysis, ContentTypeFor(models.CapabilityAnalyze))
	assert.Equal(t, ContentSummary, ContentTypeFor(models.CapabilityGenerateContent))
	assert.Equal(t, ContentData, ContentTypeFor(models.CapabilityVisualize))
}
