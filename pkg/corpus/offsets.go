package corpus

import (
	"context"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// scanChunkBytes bounds how much is read past a checkpoint while scanning
// forward to a target char offset, before giving up and re-checkpointing.
// Generous enough for the checkpoint interval to comfortably hold UTF-8
// text (worst case 4 bytes/char) without ever reading a whole document.
const scanChunkBytes = 1 << 20

// charOffsetToByte translates a char offset into the byte offset at which
// that char begins, scanning forward from the nearest checkpoint at or
// before it.
func charOffsetToByte(ctx context.Context, store storage.ObjectStore, doc *models.Document, charOffset int) (int64, error) {
	if charOffset <= 0 {
		return 0, nil
	}
	if charOffset >= doc.Offsets.TotalChars {
		return int64(doc.Offsets.TotalBytes), nil
	}
	cp := doc.Offsets.NearestCheckpoint(charOffset)
	remainingChars := charOffset - cp.CharOffset
	if remainingChars == 0 {
		return int64(cp.ByteOffset), nil
	}

	rc, _, err := store.Get(ctx, doc.CanonicalTextKey, &storage.ByteRange{
		Start: int64(cp.ByteOffset),
		End:   int64(cp.ByteOffset) + scanChunkBytes - 1,
	})
	if err != nil {
		return 0, fmt.Errorf("corpus: read checkpoint scan window: %w", err)
	}
	defer rc.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	bytePos := int64(cp.ByteOffset)
	charsSeen := 0
	for charsSeen < remainingChars {
		n, readErr := rc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for len(buf) > 0 && charsSeen < remainingChars {
				r, size := utf8.DecodeRune(buf)
				if r == utf8.RuneError && size <= 1 {
					break // incomplete rune at buffer edge; wait for more bytes
				}
				buf = buf[size:]
				bytePos += int64(size)
				charsSeen++
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, fmt.Errorf("corpus: scan to char offset: %w", readErr)
		}
	}
	if charsSeen < remainingChars {
		return 0, fmt.Errorf("corpus: char offset %d beyond scan window for document", charOffset)
	}
	return bytePos, nil
}

// readCharRange range-reads canonical text for [a,b) in chars, translating
// through the checkpoint table on both ends.
func readCharRange(ctx context.Context, store storage.ObjectStore, doc *models.Document, a, b int) (string, error) {
	startByte, err := charOffsetToByte(ctx, store, doc, a)
	if err != nil {
		return "", err
	}
	endByte, err := charOffsetToByte(ctx, store, doc, b)
	if err != nil {
		return "", err
	}
	if endByte <= startByte {
		return "", nil
	}
	rc, _, err := store.Get(ctx, doc.CanonicalTextKey, &storage.ByteRange{Start: startByte, End: endByte - 1})
	if err != nil {
		return "", fmt.Errorf("corpus: range read [%d,%d): %w", a, b, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("corpus: read range body: %w", err)
	}
	return string(data), nil
}
