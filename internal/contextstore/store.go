package contextstore

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
)

// ErrEmptyChunkID rejects chunks without an id.
var ErrEmptyChunkID = errors.New("chunk id is required")

// Config sizes the window.
type Config struct {
	MaxTokens            int     `mapstructure:"max_tokens"`
	ReservedTokens       int     `mapstructure:"reserved_tokens"`
	CompressionThreshold float64 `mapstructure:"compression_threshold"`
	CharsPerToken        int     `mapstructure:"chars_per_token"`
}

// DefaultConfig returns an 8000 token window with 1000 reserved and a 0.8 threshold.
func DefaultConfig() Config {
	return Config{
		MaxTokens:            8000,
		ReservedTokens:       1000,
		CompressionThreshold: 0.8,
		CharsPerToken:        4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.ReservedTokens < 0 {
		c.ReservedTokens = 0
	}
	if c.CompressionThreshold <= 0 || c.CompressionThreshold > 1 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = d.CharsPerToken
	}
	return c
}

// queryAllowList is what each capability may read.
var queryAllowList = map[models.Capability][]ContentType{
	models.CapabilityQuery:           {ContentData, ContentMetadata},
	models.CapabilityAnalyze:         {ContentData, ContentSummary},
	models.CapabilityVisualize:       {ContentData, ContentAnalysis},
	models.CapabilityGenerateContent: {ContentAnalysis, ContentSummary, ContentData},
}

// AllowedContent returns the content types visible to a capability.
// Unknown capabilities see data only.
func AllowedContent(c models.Capability) []ContentType {
	if types, ok := queryAllowList[c]; ok {
		return append([]ContentType(nil), types...)
	}
	return []ContentType{ContentData}
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Window            Window              `json:"window"`
	Chunks            int                 `json:"chunks"`
	CompressionPasses int                 `json:"compression_passes"`
	Evictions         int                 `json:"evictions"`
	ByLevel           map[string]int      `json:"by_level"`
	ByType            map[ContentType]int `json:"by_type"`
}

// Store is a bounded chunk store scoped to one workflow run. Every method
// holds an exclusive lock, so readers never see a half-finished compression.
type Store struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	chunks    map[string]*Chunk
	passes    int
	evictions int
}

// New creates an empty store.
func New(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		chunks: make(map[string]*Chunk),
	}
}

// Ingest stores chunk, replacing any chunk with the same id, and runs a
// compression pass before returning when the live total crosses the
// threshold. After Ingest returns the live total is within the window.
func (s *Store) Ingest(chunk Chunk) error {
	if chunk.ID == "" {
		return ErrEmptyChunkID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := chunk
	c.Priority = models.ClampPriority(c.Priority)
	if c.ContentType == "" {
		c.ContentType = ContentData
	}
	c.TokenCount = EstimateTokens(c.Content, s.cfg.CharsPerToken)
	c.OriginalTokens = c.TokenCount
	c.Level = LevelNone
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastAccessedAt.IsZero() {
		c.LastAccessedAt = c.CreatedAt
	}
	s.chunks[c.ID] = &c

	current := s.currentTokens()
	available := s.window().Available()
	if float64(current) > float64(available)*s.cfg.CompressionThreshold {
		s.compress(current, available)
		current = s.currentTokens()
	}
	metrics.ContextTokens.Observe(float64(current))
	return nil
}

// targetLevel maps overshoot to a compression level: more than 1.5x the
// available budget is Heavy, more than 1.2x Medium, otherwise Light.
func targetLevel(current, available int) CompressionLevel {
	if available <= 0 {
		return LevelHeavy
	}
	ratio := float64(current) / float64(available)
	switch {
	case ratio > 1.5:
		return LevelHeavy
	case ratio > 1.2:
		return LevelMedium
	default:
		return LevelLight
	}
}

// compress must be called with s.mu held.
func (s *Store) compress(current, available int) {
	level := targetLevel(current, available)
	budget := int(math.Floor(float64(available) * s.cfg.CompressionThreshold))

	live := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		live = append(live, c)
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.After(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})

	running, evicted := 0, 0
	for _, c := range live {
		s.compressChunk(c, level)
		if running+c.TokenCount <= budget {
			running += c.TokenCount
			continue
		}
		delete(s.chunks, c.ID)
		evicted++
	}

	s.passes++
	s.evictions += evicted
	metrics.CompressionPasses.WithLabelValues(level.String()).Inc()
	metrics.ChunksEvicted.Add(float64(evicted))

	s.logger.Debug("Context compression pass",
		zap.String("level", level.String()),
		zap.Int("tokens_before", current),
		zap.Int("tokens_after", s.currentTokens()),
		zap.Int("evicted", evicted),
		zap.Int("budget", budget),
	)
}

// compressChunk raises c to level. A chunk already at or beyond level is
// left untouched, so repeated passes never shrink it further.
func (s *Store) compressChunk(c *Chunk, level CompressionLevel) {
	if c.Level >= level {
		return
	}
	target := int(math.Floor(float64(c.OriginalTokens) * level.Ratio()))
	c.Content = compressContent(c.Content, target, s.cfg.CharsPerToken)
	c.TokenCount = EstimateTokens(c.Content, s.cfg.CharsPerToken)
	c.Level = level
}

// Query returns the content of every live chunk the capability may read and
// marks each returned chunk as accessed.
func (s *Store) Query(capability models.Capability) map[string]string {
	allowed := AllowedContent(capability)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]string)
	for id, c := range s.chunks {
		if !containsType(allowed, c.ContentType) {
			continue
		}
		c.LastAccessedAt = now
		out[id] = c.Content
	}
	return out
}

func containsType(types []ContentType, t ContentType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// Get returns a copy of one chunk without touching its access time.
func (s *Store) Get(id string) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return Chunk{}, false
	}
	return *c, true
}

// Chunks returns copies of every live chunk ordered by id.
func (s *Store) Chunks() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentTokens is the live total, always derived from the chunks.
func (s *Store) CurrentTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTokens()
}

func (s *Store) currentTokens() int {
	total := 0
	for _, c := range s.chunks {
		total += c.TokenCount
	}
	return total
}

// Window returns the budget with a freshly derived CurrentTokens.
func (s *Store) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window()
}

func (s *Store) window() Window {
	return Window{
		MaxTokens:      s.cfg.MaxTokens,
		ReservedTokens: s.cfg.ReservedTokens,
		CurrentTokens:  s.currentTokens(),
	}
}

// Remaining is the unused part of the available budget.
func (s *Store) Remaining() int {
	w := s.Window()
	if r := w.Available() - w.CurrentTokens; r > 0 {
		return r
	}
	return 0
}

// Stats summarizes the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Window:            s.window(),
		Chunks:            len(s.chunks),
		CompressionPasses: s.passes,
		Evictions:         s.evictions,
		ByLevel:           make(map[string]int),
		ByType:            make(map[ContentType]int),
	}
	for _, c := range s.chunks {
		st.ByLevel[c.Level.String()]++
		st.ByType[c.ContentType]++
	}
	return st
}
