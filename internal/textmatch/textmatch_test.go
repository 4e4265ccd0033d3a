package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   ", ""},
		{"case and spaces", "  Brake   PAD  ", "brake pad"},
		{"punctuation", "Brake Pad, Set (Front)", "brake pad set front"},
		{"hyphen", "Heavy-Duty", "heavy duty"},
		{"abbreviations", "Brk Pad Frt HD", "brake pad front heavy duty"},
		{"diacritics", "Café Pad", "cafe pad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestContainsPhrase(t *testing.T) {
	t.Parallel()

	assert.True(t, ContainsPhrase("Brake Pad Set Front HD", "heavy duty"))
	assert.True(t, ContainsPhrase("Brake Pad Set Front HD", "PAD"))
	assert.False(t, ContainsPhrase("Padding Kit", "pad"))
	assert.False(t, ContainsPhrase("Brake Pad", ""))
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Similarity("Brake Pad Set Front Heavy Duty", "brake pad set front heavy-duty"))
	assert.Equal(t, 1.0, Similarity("Brake Pad Set Front Heavy Duty", "Front Brake Pad Set Heavy Duty"))
	assert.Greater(t, Similarity("brake pad front", "brake pad frnt"), 0.9)
	assert.Less(t, Similarity("brake pad front", "leaf spring"), 0.5)
	assert.Zero(t, Similarity("", "brake"))
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.5, Jaccard("brake pad front", "brake pad rear"), 0.0001)
	assert.InDelta(t, 1.0, Jaccard("Brake Pad", "pad brake"), 0.0001)
	assert.Zero(t, Jaccard("", "pad"))
}
