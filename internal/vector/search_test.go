package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"fix", "flaky", "ci"}, Tokenize("Fix  flaky,CI a , b"))
	assert.Empty(t, Tokenize(" , x "))
}

func TestExactMatchBoost(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		tags   []string
		want   float64
	}{
		{"none", []string{"go"}, nil, 0},
		{"no tokens", nil, []string{"go"}, 0},
		{"full", []string{"go", "testing"}, []string{"Go", "testing"}, 1},
		{"half", []string{"go", "rust"}, []string{"golang"}, 0.5},
		{"token contains tag", []string{"golang"}, []string{"go"}, 1},
		{"miss", []string{"python"}, []string{"go"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ExactMatchBoost(tt.tokens, tt.tags), 1e-9)
		})
	}
}

func TestSanitizeLexical(t *testing.T) {
	assert.Equal(t, `"fix"* OR "flaky"* OR "test"*`, SanitizeLexical(`fix "flaky" test*`))
	assert.Equal(t, `"near"*`, SanitizeLexical(`NEAR( ) -- ;`))
	assert.Equal(t, "", SanitizeLexical(`"" () *`))

	long := ""
	for i := 0; i < maxLexicalTokens+5; i++ {
		long += "word "
	}
	assert.Len(t, Tokenize(SanitizeLexical(long)), maxLexicalTokens*2-1)
}

func TestLexicalSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, LexicalSimilarity(0), 1e-9)
	assert.InDelta(t, 0.5, LexicalSimilarity(-1), 1e-9)
	assert.Greater(t, LexicalSimilarity(-0.5), LexicalSimilarity(-3))
}

func TestSortResults(t *testing.T) {
	rs := []Result{
		{Similarity: 0.5},
		{Similarity: 0.9},
		{Similarity: 0.5},
	}
	rs[0].Memory.CreatedAt = 1
	rs[2].Memory.CreatedAt = 2
	sortResults(rs)
	assert.InDelta(t, 0.9, rs[0].Similarity, 1e-9)
	assert.EqualValues(t, 2, rs[1].Memory.CreatedAt)
}
