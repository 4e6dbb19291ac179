package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsBuildRegistry(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(Defaults())
	require.NoError(t, err)
	assert.Equal(t, 8, r.Len())

	rulings, ok := r.Lookup("rulings")
	require.True(t, ok)
	assert.Equal(t, TextOnly, rulings.Rule.Kind)
	assert.Equal(t, "contents", rulings.Rule.Anchor)

	scout, ok := r.Lookup("Scout")
	require.True(t, ok)
	assert.Equal(t, Structural, scout.Rule.Kind)
	assert.Equal(t, DefaultAnchor, scout.Rule.Anchor)
}

func TestNewRegistryRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		specs []Spec
	}{
		{name: "empty name", specs: []Spec{{URL: "https://a.example"}}},
		{name: "reserved name", specs: []Spec{{Name: "all", URL: "https://a.example"}}},
		{name: "bad url", specs: []Spec{{Name: "a", URL: "ftp://a.example"}}},
		{name: "duplicate", specs: []Spec{{Name: "a", URL: "https://a.example"}, {Name: "A", URL: "https://b.example"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.specs)
			assert.Error(t, err)
		})
	}
}

func TestParseRuleKind(t *testing.T) {
	t.Parallel()
	k, err := ParseRuleKind("html")
	require.NoError(t, err)
	assert.Equal(t, Structural, k)

	k, err = ParseRuleKind("text_only")
	require.NoError(t, err)
	assert.Equal(t, TextOnly, k)

	_, err = ParseRuleKind("xpath")
	assert.Error(t, err)
}
