package dedup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector() *Detector {
	return New(DefaultConfig(), nil)
}

func TestEvaluate_SameProductIsDuplicate(t *testing.T) {
	d := newDetector()
	existing := []string{"I use Otter.ai for transcription"}

	ev, err := d.Evaluate("I recommend Otter.ai, it's great!", existing)
	require.NoError(t, err)
	assert.True(t, ev.IsDuplicate, "score=%v", ev.Score)
	assert.Greater(t, ev.Score, 0.6)
	assert.Equal(t, 0, ev.MatchedIndex)
	assert.Equal(t, existing[0], ev.MatchedText)
}

func TestEvaluate_NewAngleIsUnique(t *testing.T) {
	d := newDetector()
	ev, err := d.Evaluate("Local processing keeps everything offline and private",
		[]string{"I use Otter.ai for transcription"})
	require.NoError(t, err)
	assert.False(t, ev.IsDuplicate)
	assert.LessOrEqual(t, ev.Score, 0.6)
}

func TestEvaluate_EmptyExistingNeverDuplicate(t *testing.T) {
	d := newDetector()
	for _, text := range []string{
		"I recommend Otter.ai, it's great!",
		"Local processing keeps everything offline and private",
		"Whisper runs locally on my laptop for free",
	} {
		ev, err := d.Evaluate(text, nil)
		require.NoError(t, err)
		assert.False(t, ev.IsDuplicate)
		assert.Zero(t, ev.Score)
		assert.Equal(t, -1, ev.MatchedIndex)
		assert.Len(t, ev.SuggestedAngles, len(catalog))
	}
}

func TestEvaluate_IdenticalTextScoresOne(t *testing.T) {
	d := newDetector()
	text := "Descript handles transcription and editing in one place"
	ev, err := d.Evaluate(text, []string{"unrelated musings about gardening tools", text})
	require.NoError(t, err)
	assert.True(t, ev.IsDuplicate)
	assert.InDelta(t, 1.0, ev.Score, 1e-9)
	assert.Equal(t, 1, ev.MatchedIndex)
}

func TestEvaluate_Monotonic(t *testing.T) {
	d := newDetector()
	proposed := "Whisper transcribes my meeting recordings locally without uploads"
	existing := []string{
		"I pay for a cloud service and it works fine",
		"Notion has a decent meeting template",
	}
	near := []string{
		"Whisper transcribes meeting recordings locally without any uploads",
		"whisper transcribes my meeting recordings",
		"totally unrelated gardening chatter",
	}

	base, err := d.Evaluate(proposed, existing)
	require.NoError(t, err)
	prev := base.Score
	grown := append([]string(nil), existing...)
	for _, n := range near {
		grown = append(grown, n)
		ev, err := d.Evaluate(proposed, grown)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ev.Score, prev, "adding %q decreased the score", n)
		prev = ev.Score
	}
}

func TestEvaluate_InsufficientContent(t *testing.T) {
	d := newDetector()
	_, err := d.Evaluate("Great app!", []string{"I use Otter.ai for transcription"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientContent))

	_, err = d.Evaluate("", nil)
	assert.ErrorIs(t, err, ErrInsufficientContent)
}

func TestEvaluate_ThresholdIsStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 1.0
	d := New(cfg, nil)
	text := "Descript handles transcription and editing"
	ev, err := d.Evaluate(text, []string{text})
	require.NoError(t, err)
	assert.False(t, ev.IsDuplicate, "a score equal to the threshold is not a duplicate")
}

type countingSink struct{ verdicts map[string]int }

func (c *countingSink) DedupVerdict(v string) { c.verdicts[v]++ }

func TestEvaluate_Metrics(t *testing.T) {
	sink := &countingSink{verdicts: map[string]int{}}
	d := newDetector().WithMetrics(sink)
	existing := []string{"I use Otter.ai for transcription"}

	d.Evaluate("I recommend Otter.ai, it's great!", existing)
	d.Evaluate("Local processing keeps everything offline and private", existing)
	d.Evaluate("ok", existing)

	assert.Equal(t, map[string]int{
		VerdictDuplicate:    1,
		VerdictUnique:       1,
		VerdictInsufficient: 1,
	}, sink.verdicts)
}

func TestContentWords(t *testing.T) {
	assert.Equal(t, []string{"naive", "otter.ai", "rocks"}, contentWords("It's naïve: Otter.ai rocks."))
	assert.Equal(t, []string{"use", "otter.ai", "transcription"}, contentWords("I use Otter.ai for transcription"))
	assert.Empty(t, contentWords("   "))
}

func TestKeyTerms(t *testing.T) {
	keys := keyTerms(tokenize("I tried Otter.ai and then MacWhisper. Descript was next, plus Notion and GPT4"))
	for _, want := range []string{"otter.ai", "macwhisper", "notion", "gpt4"} {
		assert.Contains(t, keys, want)
	}
	// Sentence-initial capitals are ordinary words.
	assert.NotContains(t, keys, "descript")
	assert.NotContains(t, keys, "i")
}

func TestSimilarity_Symmetric(t *testing.T) {
	d := newDetector()
	a := "offline transcription keeps recordings private"
	b := "private recordings stay offline"
	assert.InDelta(t, similarity(d.analyze(a), d.analyze(b)), similarity(d.analyze(b), d.analyze(a)), 1e-9)
}
