// Package dedup vets proposed replies against the existing discussion so
// the account never repeats what a thread already says.
//
// Similarity is lexical: token-set Jaccard after stop-word removal, raised
// to the coverage of the proposal's product-like key terms when that is
// higher. Both are local computations with no external calls.
package dedup

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/logging"
)

// ErrInsufficientContent is returned when the proposed text has too few
// content words to compare meaningfully.
var ErrInsufficientContent = errors.New("insufficient content")

// MetricsSink defines the interface for recording dedup metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DedupVerdict(verdict string)
}

const (
	VerdictUnique       = "unique"
	VerdictDuplicate    = "duplicate"
	VerdictInsufficient = "insufficient"
)

type Config struct {
	// Threshold: a score strictly above it is a duplicate.
	Threshold        float64
	MinContentTokens int

	CacheSize int
	CacheTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:        0.6,
		MinContentTokens: 3,
		CacheSize:        4096,
		CacheTTL:         time.Hour,
	}
}

// Evaluation is the verdict on one proposed text.
type Evaluation struct {
	IsDuplicate bool
	Score       float64
	// MatchedText is the most similar existing text; MatchedIndex is -1 when none.
	MatchedText     string
	MatchedIndex    int
	SuggestedAngles []Angle
	Warnings        []string
}

type analysis struct {
	content map[string]struct{}
	keys    map[string]struct{}
}

type Detector struct {
	config  Config
	cache   *expirable.LRU[string, analysis]
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
}

func New(config Config, logger *zap.Logger) *Detector {
	size := config.CacheSize
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	return &Detector{
		config: config,
		cache:  expirable.NewLRU[string, analysis](size, nil, config.CacheTTL),
		logger: logging.OrNop(logger).Named("dedup"),
	}
}

// WithMetrics attaches a metrics sink to the detector.
func (d *Detector) WithMetrics(sink MetricsSink) *Detector {
	d.metrics = sink
	return d
}

// Evaluate scores proposed against each existing text and reports the
// maximum. It returns ErrInsufficientContent (wrapped) for proposals shorter
// than MinContentTokens content words; that is not a duplicate verdict.
func (d *Detector) Evaluate(proposed string, existing []string) (Evaluation, error) {
	p := d.analyze(proposed)
	if len(p.content) < d.config.MinContentTokens {
		d.observe(VerdictInsufficient)
		return Evaluation{MatchedIndex: -1}, fmt.Errorf("%w: %d content words, need %d",
			ErrInsufficientContent, len(p.content), d.config.MinContentTokens)
	}

	ev := Evaluation{MatchedIndex: -1}
	for i, text := range existing {
		score := similarity(p, d.analyze(text))
		if score > ev.Score {
			ev.Score = score
			ev.MatchedIndex = i
			ev.MatchedText = text
		}
	}
	ev.IsDuplicate = ev.Score > d.config.Threshold
	ev.SuggestedAngles = SuggestAngles(existing)
	ev.Warnings = Lint(proposed)

	if ev.IsDuplicate {
		d.observe(VerdictDuplicate)
		d.logger.Debug("duplicate proposal",
			zap.Float64("score", ev.Score),
			zap.Int("matched_index", ev.MatchedIndex))
	} else {
		d.observe(VerdictUnique)
	}
	return ev, nil
}

func (d *Detector) analyze(text string) analysis {
	if a, ok := d.cache.Get(text); ok {
		return a
	}
	toks := tokenize(text)
	a := analysis{content: contentSet(toks), keys: keyTerms(toks)}
	d.cache.Add(text, a)
	return a
}

func (d *Detector) observe(verdict string) {
	if d.metrics != nil {
		d.metrics.DedupVerdict(verdict)
	}
}

func similarity(proposed, existing analysis) float64 {
	return max(jaccard(proposed.content, existing.content), coverage(proposed.keys, existing.content))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// coverage is the fraction of keys present in set.
func coverage(keys, set map[string]struct{}) float64 {
	if len(keys) == 0 {
		return 0
	}
	hit := 0
	for k := range keys {
		if _, ok := set[k]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(keys))
}
