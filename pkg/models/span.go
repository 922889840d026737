package models

// SpanLogEntry is an append-only record of one document range read by the
// Parsed Corpus View during a step. TurnIndex
// and InTurnIndex together give the deterministic tiebreaker order the
// Citation Engine uses for CONTEXTS mode.
type SpanLogEntry struct {
	DocIndex    int
	StartChar   int
	EndChar     int
	Tag         string // "", "scan", "scan:<user_tag>", "context", "context:<user_tag>", ...
	TurnIndex   int
	InTurnIndex int
}

// ContextTagged reports whether the entry's tag qualifies it for CONTEXTS
// output mode: exactly "context" or prefixed "context:".
func (e SpanLogEntry) ContextTagged() bool {
	if e.Tag == "context" {
		return true
	}
	return len(e.Tag) > len("context:") && e.Tag[:len("context:")] == "context:"
}

// SpanRef is a verifiable citation: a document range plus the checksum of
// its exact canonical-text slice.
type SpanRef struct {
	Tenant    string
	Session   string
	DocID     string
	DocIndex  int
	StartChar int
	EndChar   int
	Checksum  string // "sha256:" + hex digest over NFC-normalized UTF-8 of the slice
}
