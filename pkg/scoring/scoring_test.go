package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovemartin/ACGS-sub005/pkg/retry"
)

func TestLexicalScorer_Similarity(t *testing.T) {
	s := NewLexicalScorer()
	ctx := context.Background()

	same, err := s.Score(ctx, Input{Kind: KindSimilarity, Left: "Systems must retain user data", Right: "systems must retain user data"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-9)

	near, err := s.Score(ctx, Input{Kind: KindSimilarity, Left: "Systems must retain user data", Right: "Systems must not retain user data"})
	require.NoError(t, err)
	assert.Greater(t, near, 0.7)

	none, err := s.Score(ctx, Input{Kind: KindSimilarity, Left: "alpha beta", Right: "gamma delta"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, none)
}

func TestLexicalScorer_Contradiction(t *testing.T) {
	s := NewLexicalScorer()
	ctx := context.Background()

	tests := []struct {
		name        string
		left, right string
		want        func(float64) bool
	}{
		{"opposed modal", "Systems must retain user data", "Systems must not retain user data", func(v float64) bool { return v > 0.99 }},
		{"contraction", "Operators can share logs", "Operators cannot share logs", func(v float64) bool { return v > 0.6 }},
		{"antonym", "Agents may allow export", "Agents may forbid export", func(v float64) bool { return v > 0.6 }},
		{"agreeing", "Systems must retain data", "Systems must retain records", func(v float64) bool { return v == 0 }},
		{"unrelated opposition", "Users must vote", "Admins must not sleep", func(v float64) bool { return v == 0.6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := s.Score(ctx, Input{Kind: KindContradiction, Left: tt.left, Right: tt.right})
			require.NoError(t, err)
			assert.True(t, tt.want(v), "score %v", v)
		})
	}
}

func TestLexicalScorer_UnknownKind(t *testing.T) {
	_, err := NewLexicalScorer().Score(context.Background(), Input{Kind: "bogus"})
	require.Error(t, err)
}

func TestHTTPScorer_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in Input
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, KindSimilarity, in.Kind)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"score": 1.7}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(HTTPConfig{URL: srv.URL, Retry: retry.Policy{BaseMs: 1, MaxMs: 5, MaxAttempts: 3}})
	v, err := s.Score(context.Background(), Input{Kind: KindSimilarity, Left: "a", Right: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "scores are clamped")
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPScorer_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPScorer(HTTPConfig{URL: srv.URL, Retry: retry.Policy{BaseMs: 1, MaxAttempts: 3}})
	_, err := s.Score(context.Background(), Input{Kind: KindContradiction, Left: "a", Right: "b"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
