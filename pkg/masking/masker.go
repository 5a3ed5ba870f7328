package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond key matching. Code-based maskers parse content (env-style
// files, config blobs) and apply context-sensitive masking before the content
// leaves the process, e.g. in LLM prompts or log payloads.
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker should
	// process the content. Should be fast (string contains, not parsing).
	AppliesTo(content string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return the original content on parse errors.
	Mask(content string) string
}
