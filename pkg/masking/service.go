package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// Full redaction replaces the whole value; previews keep a short prefix so
// operators can tell credentials apart without exposing them.
const (
	fullMask      = "***"
	previewSuffix = "****"
	previewLen    = 3
)

var (
	redactKeyRe  = regexp.MustCompile(`(?i)password|pwd|secret`)
	previewKeyRe = regexp.MustCompile(`(?i)apikey|api_key|token`)
)

// textPattern is a compiled free-text masking rule, applied to strings that
// may embed credentials inline (connection URLs, DSNs, header dumps).
type textPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Service applies data masking to log attributes, free text, and source
// content bound for the LLM. Created once at startup; thread-safe and
// stateless aside from compiled patterns.
type Service struct {
	textPatterns []*textPattern
	codeMaskers  map[string]Masker
}

// NewService creates a masking service with compiled patterns and registered
// code-based maskers.
func NewService() *Service {
	s := &Service{
		textPatterns: []*textPattern{
			{
				name:        "inline_secret",
				regex:       regexp.MustCompile(`(?i)((?:password|pwd|secret)[a-z0-9_-]*\s*[=:]\s*)\S+`),
				replacement: "${1}" + fullMask,
			},
			{
				name:        "inline_token",
				regex:       regexp.MustCompile(`(?i)((?:api[_-]?key|token)[a-z0-9_-]*\s*[=:]\s*)(\S{1,3})\S+`),
				replacement: "${1}${2}" + previewSuffix,
			},
			{
				name:        "url_userinfo",
				regex:       regexp.MustCompile(`(\w+://[^:/@\s]+:)[^@/\s]+@`),
				replacement: "${1}" + fullMask + "@",
			},
		},
		codeMaskers: make(map[string]Masker),
	}

	s.registerMasker(&SourceEnvMasker{})

	slog.Debug("Masking service initialized",
		"text_patterns", len(s.textPatterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// MaskValue masks a single value according to its key. Keys matching the
// redaction set (password, pwd, secret) lose the whole value; keys matching
// the preview set (apikey, api_key, token) keep the first three characters.
// Other keys pass through with only the free-text sweep applied.
func (s *Service) MaskValue(key, value string) string {
	switch {
	case redactKeyRe.MatchString(key):
		return fullMask
	case previewKeyRe.MatchString(key):
		return previewValue(value)
	default:
		return s.MaskText(value)
	}
}

// MaskText applies the free-text patterns to content that may embed inline
// credentials. Used for URLs, DSNs and error strings headed for logs.
func (s *Service) MaskText(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, p := range s.textPatterns {
		masked = p.regex.ReplaceAllString(masked, p.replacement)
	}
	return masked
}

// MaskSource masks credential material in source file content before it is
// embedded into an LLM prompt. Code-based maskers run first (structural
// awareness), then the free-text sweep. On masker failure the content is
// redacted entirely (fail-closed): analyzed source must never leak secrets
// to an external model.
func (s *Service) MaskSource(content string) (masked string) {
	if content == "" {
		return content
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Source masking failed, redacting content", "panic", r)
			masked = "[REDACTED: data masking failure, content could not be safely processed]"
		}
	}()

	masked = content
	for _, m := range s.codeMaskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	return s.MaskText(masked)
}

// MaskAttr returns a copy of the attr with sensitive values masked. Group
// attrs are masked recursively so nested keys keep the same guarantees.
func (s *Service) MaskAttr(attr slog.Attr) slog.Attr {
	val := attr.Value.Resolve()

	if val.Kind() == slog.KindGroup {
		group := val.Group()
		maskedGroup := make([]slog.Attr, 0, len(group))
		for _, ga := range group {
			maskedGroup = append(maskedGroup, s.MaskAttr(ga))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(maskedGroup...)}
	}

	switch {
	case redactKeyRe.MatchString(attr.Key):
		return slog.String(attr.Key, fullMask)
	case previewKeyRe.MatchString(attr.Key):
		return slog.String(attr.Key, previewValue(val.String()))
	case val.Kind() == slog.KindString:
		return slog.String(attr.Key, s.MaskText(val.String()))
	default:
		return slog.Attr{Key: attr.Key, Value: val}
	}
}

func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}

// previewValue keeps the first three characters of a credential and appends
// the preview suffix. Values too short for a safe preview are fully masked.
func previewValue(v string) string {
	if len(v) <= previewLen {
		return previewSuffix
	}
	return v[:previewLen] + previewSuffix
}

// sensitiveKey reports whether a map key or struct field name matches either
// masking rule. Used by SafeJSON when walking payloads.
func sensitiveKey(key string) (redact, preview bool) {
	if redactKeyRe.MatchString(key) {
		return true, false
	}
	if previewKeyRe.MatchString(key) {
		return false, true
	}
	return false, false
}

// maskedScalar applies key-based masking to an arbitrary scalar value that
// sits under a sensitive key inside a payload.
func maskedScalar(v any, preview bool) string {
	if !preview {
		return fullMask
	}
	sv, ok := v.(string)
	if !ok {
		return previewSuffix
	}
	return previewValue(strings.TrimSpace(sv))
}
