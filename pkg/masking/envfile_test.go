package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceEnvMaskerAppliesTo(t *testing.T) {
	m := &SourceEnvMasker{}

	tests := []struct {
		name    string
		content string
		applies bool
	}{
		{"env file", "DEEPSEEK_API_KEY=sk-123\nDEBUG=1\n", true},
		{"export line", "export NEO4J_PASSWORD=swordfish", true},
		{"go source", "package main\n\nfunc main() {}\n", false},
		{"comparison only", "if a == b {\n\treturn\n}\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.applies, m.AppliesTo(tt.content))
		})
	}
}

func TestSourceEnvMaskerMasksOnlySensitiveKeys(t *testing.T) {
	m := &SourceEnvMasker{}

	in := "API_TOKEN=tok_123\nREDIS_URL=redis://cache:6379\nDB_PASSWORD=hunter2\n"
	out := m.Mask(in)

	assert.Contains(t, out, "API_TOKEN="+MaskedEnvValue)
	assert.Contains(t, out, "DB_PASSWORD="+MaskedEnvValue)
	assert.Contains(t, out, "REDIS_URL=redis://cache:6379")
	assert.NotContains(t, out, "tok_123")
	assert.NotContains(t, out, "hunter2")
}

func TestSourceEnvMaskerExportPrefix(t *testing.T) {
	m := &SourceEnvMasker{}

	out := m.Mask("export CLIENT_SECRET=abc123\n")
	assert.Contains(t, out, MaskedEnvValue)
	assert.NotContains(t, out, "abc123")
}

func TestSourceEnvMaskerLeavesMalformedLines(t *testing.T) {
	m := &SourceEnvMasker{}

	in := "this is not an assignment\n= dangling\nPASSWORD=x\n"
	out := m.Mask(in)

	assert.Contains(t, out, "this is not an assignment")
	assert.Contains(t, out, "= dangling")
	assert.Contains(t, out, "PASSWORD="+MaskedEnvValue)
}
