// Package statestore implements the State Store: it
// validates that execution state is JSON-only, canonicalizes and sizes it,
// and persists it either inline in metadata or as a compressed blob in the
// object store, recording a checksum either way.
package statestore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// Limits bounds what the State Store will accept.
type Limits struct {
	InlineCutoffBytes int
	MaxStateBytes     int
}

// Store persists turn state under the object-store layout
// `state/{tenant}/{execution}/state_{turn}.*`.
type Store struct {
	Objects storage.ObjectStore
	Limits  Limits
}

func New(objects storage.ObjectStore, limits Limits) *Store {
	return &Store{Objects: objects, Limits: limits}
}

// Validate walks v and rejects anything that is not a JSON primitive,
// array, or object; bytes, datetimes, and custom constructs fail with
// STATE_INVALID_TYPE.
func Validate(v any) error {
	switch n := v.(type) {
	case nil, bool, string:
		return nil
	case float64, int, int64:
		return nil
	case map[string]any:
		for k, vv := range n {
			if err := Validate(vv); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, vv := range n {
			if err := Validate(vv); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return rlmerr.New(rlmerr.CodeStateInvalidType, fmt.Sprintf("state contains a non-JSON value of type %T", v))
	}
}

// canonicalize produces a byte-stable JSON encoding: object keys sorted,
// no whitespace variance — the basis for both size measurement and the
// checksum.
func canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// normalize rebuilds maps as sorted-key-ordered structures. encoding/json
// already serializes Go maps with sorted keys, so this mainly documents the
// invariant and gives Validate's error path a single recursive walker to
// share.
func normalize(v any) (any, error) {
	switch n := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(n))
		for _, k := range keys {
			nv, err := normalize(n[k])
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, vv := range n {
			nv, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return n, nil
	}
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Persist validates, sizes, and stores state for one turn, returning the
// StatePointer to embed in the Turn Record. Over Limits.MaxStateBytes it returns STATE_TOO_LARGE and writes
// nothing.
func (s *Store) Persist(ctx context.Context, tenant, execution string, turnIndex int, state map[string]any) (models.StatePointer, error) {
	if err := Validate(state); err != nil {
		return models.StatePointer{}, err
	}
	canon, err := canonicalize(state)
	if err != nil {
		return models.StatePointer{}, rlmerr.Wrap(rlmerr.CodeStateInvalidType, "state is not JSON-serializable", err)
	}
	if s.Limits.MaxStateBytes > 0 && len(canon) > s.Limits.MaxStateBytes {
		return models.StatePointer{}, rlmerr.New(rlmerr.CodeStateTooLarge,
			fmt.Sprintf("state is %d bytes, exceeding the %d byte hard cap", len(canon), s.Limits.MaxStateBytes))
	}

	sum := checksum(canon)
	summary := keySizes(state)

	if s.Limits.InlineCutoffBytes <= 0 || len(canon) <= s.Limits.InlineCutoffBytes {
		return models.StatePointer{Inline: canon, Checksum: sum, Summary: summary, Offloaded: false}, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(canon); err != nil {
		return models.StatePointer{}, rlmerr.Wrap(rlmerr.CodeInternalError, "compress state blob", err)
	}
	if err := gz.Close(); err != nil {
		return models.StatePointer{}, rlmerr.Wrap(rlmerr.CodeInternalError, "finalize state blob", err)
	}

	key := fmt.Sprintf("state/%s/%s/state_%d.json.gz", tenant, execution, turnIndex)
	if err := s.Objects.Put(ctx, key, bytes.NewReader(buf.Bytes()), "application/gzip"); err != nil {
		return models.StatePointer{}, rlmerr.Wrap(rlmerr.CodeS3ReadError, "write state blob", err)
	}
	return models.StatePointer{URI: key, Checksum: sum, Summary: summary, Offloaded: true}, nil
}

// Load reads back the state a StatePointer describes, recomputing the
// checksum and failing with CHECKSUM_MISMATCH on tamper.
func (s *Store) Load(ctx context.Context, ptr models.StatePointer) (map[string]any, error) {
	var canon []byte
	if !ptr.Offloaded {
		canon = ptr.Inline
	} else {
		rc, _, err := s.Objects.Get(ctx, ptr.URI, nil)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.CodeS3ReadError, "read state blob", err)
		}
		defer rc.Close()
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "decompress state blob", err)
		}
		defer gz.Close()
		canon, err = io.ReadAll(gz)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "read decompressed state blob", err)
		}
	}
	if checksum(canon) != ptr.Checksum {
		return nil, rlmerr.New(rlmerr.CodeChecksumMismatch, "state blob checksum does not match stored pointer")
	}
	var out map[string]any
	if err := json.Unmarshal(canon, &out); err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "unmarshal canonical state", err)
	}
	return out, nil
}

func keySizes(state map[string]any) map[string]int {
	out := make(map[string]int, len(state))
	for k, v := range state {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = len(b)
	}
	return out
}

// RevertOwnedKeys discards sandbox mutations to the orchestrator-owned
// subtrees of next relative to prev — used as a belt-and-suspenders check
// by callers
// that persist state returned from pkg/sandbox, which already reverts these
// keys itself before returning.
func RevertOwnedKeys(prev, next map[string]any, ownedKeys []string) {
	for _, k := range ownedKeys {
		if v, ok := prev[k]; ok {
			next[k] = v
		} else {
			delete(next, k)
		}
	}
}
