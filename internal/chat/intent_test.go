package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBandFor(t *testing.T) {
	assert.Equal(t, BandHigh, bandFor(0.9))
	assert.Equal(t, BandHigh, bandFor(HighThreshold))
	assert.Equal(t, BandMedium, bandFor(0.8))
	assert.Equal(t, BandMedium, bandFor(MediumThreshold))
	assert.Equal(t, BandLow, bandFor(0.71))
	assert.Equal(t, BandLow, bandFor(0))
}

func TestHeuristicIntents(t *testing.T) {
	cases := []struct {
		message  string
		intent   string
		band     string
		mutating bool
	}{
		{"hello there", "chat.smalltalk", BandHigh, false},
		{"please apply the change to main.go", "codecraft.apply", BandHigh, true},
		{"run command ls -la", "tools.exec", BandHigh, true},
		{"what is the capital of France?", "chat.question", BandMedium, false},
		{"search for Go release notes", "search.web", BandMedium, false},
		{"xyzzy", "chat.general", BandLow, false},
	}
	for _, tc := range cases {
		got := heuristic(tc.message)
		assert.Equal(t, tc.intent, got.Name, tc.message)
		assert.Equal(t, tc.band, got.Band, tc.message)
		assert.Equal(t, tc.mutating, got.Mutating, tc.message)
	}
}

func TestClassifyWithoutRouterNeverRefines(t *testing.T) {
	c := NewClassifier(nil, true)
	got := c.Classify(context.Background(), "xyzzy", "trace-1")
	assert.Equal(t, "chat.general", got.Name)
	assert.False(t, got.Refined)
	assert.Equal(t, BandLow, got.Band)
}
