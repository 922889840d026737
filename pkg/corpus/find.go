package corpus

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Hit is one match range returned by Find/Regex, in char offsets.
type Hit struct {
	Start int
	End   int
}

const defaultMaxHits = 100

// Find locates literal occurrences of needle within [start,end). It
// returns hit ranges without exposing a search index or regex engine to
// sandbox code; every returned hit is logged under tag "scan" (or
// "scan:<user_tag>" when tag is non-empty).
func (d *DocHandle) Find(ctx context.Context, needle string, start, end, maxHits int, tag string) ([]Hit, error) {
	if needle == "" {
		return nil, fmt.Errorf("corpus: find: empty needle")
	}
	start, end = d.clamp(start, end)
	if start >= end {
		return nil, nil
	}
	text, err := readCharRange(ctx, d.view.store, d.doc, start, end)
	if err != nil {
		return nil, err
	}
	if maxHits <= 0 {
		maxHits = defaultMaxHits
	}

	runes := []rune(text)
	needleRunes := []rune(needle)
	var hits []Hit
	offset := 0
	for len(hits) < maxHits && offset <= len(runes)-len(needleRunes) {
		idx := runeIndex(runes[offset:], needleRunes)
		if idx < 0 {
			break
		}
		hitStart := start + offset + idx
		hitEnd := hitStart + len(needleRunes)
		hits = append(hits, Hit{Start: hitStart, End: hitEnd})
		offset += idx + len(needleRunes)
	}
	d.logHits(hits, tag)
	return hits, nil
}

// runeIndex finds the first occurrence of needle within haystack, both
// already decoded to runes, so hit offsets line up with the char offsets
// spans and checksums are defined over.
func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i <= len(haystack)-len(needle); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Regex is the same contract as Find but
// matching a compiled RE2 pattern (Go's regexp is always linear-time, so no
// separate ReDoS guard is needed the way a backtracking engine would).
func (d *DocHandle) Regex(ctx context.Context, pattern string, start, end, maxHits int, tag string) ([]Hit, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("corpus: regex: invalid pattern: %w", err)
	}
	start, end = d.clamp(start, end)
	if start >= end {
		return nil, nil
	}
	text, err := readCharRange(ctx, d.view.store, d.doc, start, end)
	if err != nil {
		return nil, err
	}
	if maxHits <= 0 {
		maxHits = defaultMaxHits
	}

	locs := re.FindAllStringIndex(text, maxHits)
	hits := make([]Hit, 0, len(locs))
	for _, loc := range locs {
		hits = append(hits, Hit{
			Start: start + utf8.RuneCountInString(text[:loc[0]]),
			End:   start + utf8.RuneCountInString(text[:loc[1]]),
		})
	}
	d.logHits(hits, tag)
	return hits, nil
}

func (d *DocHandle) logHits(hits []Hit, tag string) {
	scanTag := "scan"
	if tag != "" {
		scanTag = "scan:" + tag
	}
	for _, h := range hits {
		d.view.record(d.index, h.Start, h.End, scanTag)
	}
}
