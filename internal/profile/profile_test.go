package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.NotEmpty(t, p.Name)
	assert.GreaterOrEqual(t, len(p.Skills), 10)

	s, ok := p.FindSkill("Golang")
	require.True(t, ok)
	assert.Equal(t, "Go", s.Name)
	assert.True(t, p.HasCapability(" postgres "))
	assert.True(t, p.HasCapability("K8S"))
	assert.False(t, p.HasCapability("COBOL"))
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Name, p.Name)

	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profile:
  name: Sam
  skills:
    - name: Rust
      aliases: [rustlang]
      level: expert
`), 0o600))

	p, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Sam", p.Name)
	assert.True(t, p.HasCapability("rustlang"))
	assert.Equal(t, 1.0, p.Skills[0].Level.Confidence())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile: read")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "profile:\n  skills: [{name: Go}]\n", "name is required"},
		{"no skills", "profile:\n  name: X\n", "at least one skill"},
		{"duplicate", "profile:\n  name: X\n  skills: [{name: Go}, {name: go}]\n", "duplicate skill"},
		{"bad yaml", "profile: [", "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTerms_LongestFirst(t *testing.T) {
	terms := Default().Terms()
	require.NotEmpty(t, terms)
	for i := 1; i < len(terms); i++ {
		assert.GreaterOrEqual(t, len(terms[i-1]), len(terms[i]))
	}
}

func TestPromptSummary(t *testing.T) {
	s := Default().PromptSummary()
	assert.Contains(t, s, "Candidate: ")
	assert.Contains(t, s, "Go (expert")
	assert.Contains(t, s, "Preferences:")
}

func TestLevelConfidence(t *testing.T) {
	assert.Equal(t, 0.8, LevelProficient.Confidence())
	assert.Equal(t, 0.5, LevelFamiliar.Confidence())
	assert.Equal(t, 0.6, Level("").Confidence())
}
