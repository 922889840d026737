package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex pattern matching. Code-based maskers can parse
// JSON/YAML payloads and mask context-sensitively — a provider credential
// field is replaced while the schema and config metadata around it are
// left readable.
type Masker interface {
	// Name returns the unique identifier for this masker, matching its key
	// in config.GetBuiltinConfig().CodeMaskers.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker should
	// process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result. Must be
	// defensive: return the original data on parse/processing errors.
	Mask(data string) string
}
