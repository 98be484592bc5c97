package principle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

const sampleYAML = `
principles:
  - id: privacy-first
    text: "Personal data must not be shared without consent."
    version: "1.2.0"
    scope_keywords: [Data, "privacy ", data]
    priority_weight: 0.9
    stakeholder_impact:
      citizens: 0.9
      operators: 0.2
    normative_statements:
      - "Personal data must not be shared without consent."
  - id: transparency
    text: "Decisions must be explained."
    scope_keywords: [decisions]
    priority_weight: 0.4
`

func TestLoadDocument_YAML(t *testing.T) {
	ps, err := LoadDocument([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, ps, 2)

	assert.Equal(t, "privacy-first", ps[0].ID)
	assert.Equal(t, []string{"data", "privacy"}, ps[0].ScopeKeywords)
	assert.InDelta(t, 0.9, ps[0].StakeholderImpact["citizens"], 1e-9)
	assert.Equal(t, "1.2.0", ps[0].Version)
}

func TestLoadDocument_JSON(t *testing.T) {
	doc := `{"principles":[{"id":"a","text":"t","priority_weight":0.5}]}`
	ps, err := LoadDocument([]byte(doc))
	require.NoError(t, err)
	assert.Len(t, ps, 1)
}

func TestLoadDocument_RejectsOutOfRangeWeight(t *testing.T) {
	doc := `{"principles":[{"id":"a","text":"t","priority_weight":1.5}]}`
	_, err := LoadDocument([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrValidationFailure))
}

func TestLoadDocument_RejectsBadVersion(t *testing.T) {
	doc := `{"principles":[{"id":"a","text":"t","priority_weight":0.5,"version":"one"}]}`
	_, err := LoadDocument([]byte(doc))
	assert.True(t, errors.Is(err, contracts.ErrValidationFailure))
}

func TestLoadDocument_RejectsDuplicateIDs(t *testing.T) {
	doc := `{"principles":[{"id":"a","text":"t","priority_weight":0.5},{"id":"a","text":"u","priority_weight":0.1}]}`
	_, err := LoadDocument([]byte(doc))
	assert.True(t, errors.Is(err, contracts.ErrValidationFailure))
}

func TestNormalize_NFC(t *testing.T) {
	decomposed := "cafe\u0301"
	p := Normalize(contracts.Principle{Text: decomposed, ScopeKeywords: []string{" Cafe\u0301 "}})
	assert.Equal(t, "caf\u00e9", p.Text)
	assert.Equal(t, []string{"caf\u00e9"}, p.ScopeKeywords)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(contracts.Principle{ID: "b"}, contracts.Principle{ID: "a"})

	got, err := s.GetPrinciplesByIDs(ctx, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "b", got[0].ID)

	_, err = s.GetPrinciplesByIDs(ctx, []string{"missing"})
	assert.True(t, errors.Is(err, contracts.ErrNotFound))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", all[0].ID)
}
