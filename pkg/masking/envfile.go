package masking

import (
	"regexp"
	"strings"
)

// MaskedEnvValue is the replacement string for masked env-style assignments.
const MaskedEnvValue = "[MASKED_ENV_VALUE]"

// Pre-compiled pattern for fast AppliesTo checks.
var envAssignPattern = regexp.MustCompile(`(?m)^\s*(?:export\s+)?[A-Z][A-Z0-9_]*\s*=`)

// SourceEnvMasker masks values of sensitive keys in env-style file content
// (.env files, shell exports, dockerfile ENV lines) while leaving ordinary
// source code untouched. Analyzed files pass through here before their
// content is embedded into an LLM prompt.
type SourceEnvMasker struct{}

// Name returns the unique identifier for this masker.
func (m *SourceEnvMasker) Name() string { return "source_env" }

// AppliesTo performs a lightweight check on whether this masker should
// process the content.
func (m *SourceEnvMasker) AppliesTo(content string) bool {
	if !strings.Contains(content, "=") {
		return false
	}
	return envAssignPattern.MatchString(content)
}

// Mask replaces the value of every sensitive env-style assignment and
// returns the content otherwise unchanged. Lines that do not parse as
// assignments pass through as-is (defensive).
func (m *SourceEnvMasker) Mask(content string) string {
	lines := strings.Split(content, "\n")
	changed := false

	for i, line := range lines {
		key, ok := envAssignKey(line)
		if !ok {
			continue
		}
		redact, preview := sensitiveKey(key)
		if !redact && !preview {
			continue
		}
		eq := strings.Index(line, "=")
		lines[i] = line[:eq+1] + MaskedEnvValue
		changed = true
	}

	if !changed {
		return content
	}
	return strings.Join(lines, "\n")
}

// envAssignKey extracts the variable name from an env-style assignment line.
func envAssignKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "export ")
	eq := strings.Index(trimmed, "=")
	if eq <= 0 {
		return "", false
	}
	key := strings.TrimSpace(trimmed[:eq])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", false
	}
	return key, true
}
