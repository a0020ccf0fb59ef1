package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGainTrackerNovelTokens(t *testing.T) {
	g := NewGainTracker(0.1)

	first := g.Observe("GDP grew by 5.2 percent in 2023 driven by exports")
	assert.Equal(t, 1.0, first, "all tokens novel on the first observation")
	assert.Equal(t, 0, g.ConsecutiveNoGain())

	repeat := g.Observe("GDP grew by 5.2 percent in 2023 driven by exports")
	assert.Equal(t, 0.0, repeat)
	assert.Equal(t, 1, g.ConsecutiveNoGain())

	fresh := g.Observe("manufacturing output expanded while services contracted sharply")
	assert.Greater(t, fresh, 0.5)
	assert.Equal(t, 0, g.ConsecutiveNoGain(), "novel observation resets the streak")
}

func TestGainTrackerRepeatedWordWithinObservation(t *testing.T) {
	g := NewGainTracker(0.1)

	// A word repeated inside a single observation is judged against earlier
	// observations, not against its own first occurrence.
	first := g.Observe("exports exports exports rose sharply")
	assert.Equal(t, 1.0, first)

	// The repeats still register as seen for later observations.
	second := g.Observe("exports fell")
	assert.Equal(t, 0.5, second)
}

func TestGainTrackerEmptyObservation(t *testing.T) {
	g := NewGainTracker(0.1)
	assert.Equal(t, 0.0, g.Observe(""))
	assert.Equal(t, 1, g.ConsecutiveNoGain())
	assert.Equal(t, 0.0, g.Observe("   "))
	assert.Equal(t, 2, g.ConsecutiveNoGain())
}

func TestGainTrackerMostlyOverlapping(t *testing.T) {
	g := NewGainTracker(0.1)
	g.Observe("alpha beta gamma delta epsilon zeta eta theta iota kappa")
	// One novel token out of ten is below the 0.1 threshold boundary only if
	// strictly less; exactly at threshold does not count as no-gain.
	ratio := g.Observe("alpha beta gamma delta epsilon zeta eta theta iota lambda")
	assert.InDelta(t, 0.1, ratio, 0.001)
	assert.Equal(t, 0, g.ConsecutiveNoGain())
}

func TestGainTrackerReset(t *testing.T) {
	g := NewGainTracker(0.1)
	g.Observe("one two three")
	g.Observe("one two three")
	assert.Equal(t, 1, g.ConsecutiveNoGain())
	g.Reset()
	assert.Equal(t, 0, g.ConsecutiveNoGain())
}
