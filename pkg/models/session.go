// Package models defines the shared domain types for the orchestrator core:
// sessions, documents, executions, turns, spans, and tool requests.
package models

import "time"

// ReadinessMode controls which document state a session waits on before it
// is usable by an execution.
type ReadinessMode string

const (
	// ReadinessLax requires only that documents have been parsed.
	ReadinessLax ReadinessMode = "lax"
	// ReadinessStrict additionally requires documents to be indexed by the
	// optional search backend.
	ReadinessStrict ReadinessMode = "strict"
)

// SessionStatus tracks readiness of a session's corpus.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusReady   SessionStatus = "ready"
	SessionStatusExpired SessionStatus = "expired"
)

// Session is a corpus plus defaults, owned by a tenant. It becomes READY
// once every document satisfies the readiness predicate for its mode, and
// is immutable from that point on.
type Session struct {
	ID            string
	Tenant        string
	DocumentIDs   []string
	ReadinessMode ReadinessMode
	Status        SessionStatus
	Defaults      SessionDefaults
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// SessionDefaults carries the default budget and mode applied to executions
// created against this session unless overridden.
type SessionDefaults struct {
	Budget Budget
	Mode   ExecutionMode
}

// IsReady reports whether the session can be used to drive an execution.
func (s *Session) IsReady() bool {
	return s.Status == SessionStatusReady
}

// Expired reports whether the session's TTL has elapsed as of now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
