package models

// DocumentReadyState reflects how far a document has progressed toward the
// readiness predicates a session's ReadinessMode checks.
type DocumentReadyState string

const (
	DocumentStateRaw     DocumentReadyState = "raw"
	DocumentStateParsed  DocumentReadyState = "parsed"
	DocumentStateIndexed DocumentReadyState = "indexed"
	DocumentStateFailed  DocumentReadyState = "failed"
)

// Document references a raw object plus pointers to its canonical parsed
// text, structural metadata, and an offset checkpoint table. For a fixed raw
// object version and parser version, (Text, Offsets, Checksum) is
// deterministic; the parser service guarantees byte-identical reruns.
type Document struct {
	ID            string
	Tenant        string
	SessionID     string
	RawObjectKey  string
	ParserVersion string

	// CanonicalTextKey is the object-store key holding the canonical,
	// immutable UTF-8 text. Reads against it always go through range I/O —
	// see pkg/corpus.
	CanonicalTextKey string
	Checksum         string // sha256:... over the full canonical text
	LengthChars      int

	Offsets OffsetTable
	Meta    StructuralMeta

	State DocumentReadyState
}

// Ready reports whether the document satisfies the given readiness mode.
func (d *Document) Ready(mode ReadinessMode) bool {
	switch mode {
	case ReadinessStrict:
		return d.State == DocumentStateIndexed
	default:
		return d.State == DocumentStateParsed || d.State == DocumentStateIndexed
	}
}

// OffsetCheckpoint maps a char offset to the byte offset of the canonical
// UTF-8 text at which that char begins. Checkpoints are spaced every N
// chars (CheckpointInterval); a range read does a linear byte-scan from the
// nearest checkpoint at or before the target offset.
type OffsetCheckpoint struct {
	CharOffset int
	ByteOffset int
}

// OffsetTable is the checkpoint table for one document, used to translate
// char ranges into object-store byte ranges without scanning the document
// from the start on every read.
type OffsetTable struct {
	CheckpointInterval int
	Checkpoints        []OffsetCheckpoint
	TotalChars         int
	TotalBytes         int
}

// ByteOffsetFor translates a char offset into a byte offset using the
// nearest checkpoint at or before charOffset, then a linear scan is
// performed by the caller (pkg/corpus) over the raw bytes between the
// checkpoint and the target. This type only narrows the scan window.
func (t OffsetTable) NearestCheckpoint(charOffset int) OffsetCheckpoint {
	if len(t.Checkpoints) == 0 {
		return OffsetCheckpoint{}
	}
	best := t.Checkpoints[0]
	for _, cp := range t.Checkpoints {
		if cp.CharOffset > charOffset {
			break
		}
		best = cp
	}
	return best
}

// PageSpan is a structural page boundary expressed in char offsets.
type PageSpan struct {
	Page  int
	Start int
	End   int
}

// SectionNode is one node of an optional section tree, expressed in char
// offsets into the canonical text.
type SectionNode struct {
	Title    string
	Start    int
	End      int
	Children []SectionNode
}

// StructuralMeta holds the structural metadata produced by the parser
// service: page boundaries and an optional section tree.
type StructuralMeta struct {
	Pages    []PageSpan
	Sections []SectionNode
}
