package agent

import (
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// GainTracker measures how much new information each observation adds to the
// session, as the fraction of its tokens not seen in any earlier observation.
type GainTracker struct {
	seen          map[string]struct{}
	threshold     float64
	consecutiveLo int
}

// NewGainTracker creates a tracker. Observations with a novel-token ratio
// below threshold count as no-gain.
func NewGainTracker(threshold float64) *GainTracker {
	return &GainTracker{
		seen:      make(map[string]struct{}),
		threshold: threshold,
	}
}

// Observe folds one observation in and returns its novel-token ratio. Empty
// observations score zero.
func (g *GainTracker) Observe(observation string) float64 {
	tokens := util.Tokenize(observation)
	if len(tokens) == 0 {
		g.consecutiveLo++
		return 0
	}

	// Novelty is judged against earlier observations only: a word repeated
	// within this observation must not count against itself.
	distinct := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		distinct[tok] = struct{}{}
	}
	novel := 0
	for _, tok := range tokens {
		if _, ok := g.seen[tok]; !ok {
			novel++
		}
	}
	ratio := float64(novel) / float64(len(tokens))
	for tok := range distinct {
		g.seen[tok] = struct{}{}
	}
	if ratio < g.threshold {
		g.consecutiveLo++
	} else {
		g.consecutiveLo = 0
	}
	return ratio
}

// ConsecutiveNoGain reports how many low-gain observations arrived in a row.
func (g *GainTracker) ConsecutiveNoGain() int { return g.consecutiveLo }

// Reset clears the consecutive counter without forgetting seen tokens. Used
// when a plan step flips to a genuinely new sub-question.
func (g *GainTracker) Reset() { g.consecutiveLo = 0 }
