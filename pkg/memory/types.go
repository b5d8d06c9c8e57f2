package memory

import "time"

// SessionStatus is the lifecycle state of a capture session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Session is one bounded unit of developer activity. At most one session is
// active at any time; a session closes when the idle boundary elapses or on
// an explicit end request.
type Session struct {
	ID             string
	Kind           string
	StartedAt      time.Time
	EndedAt        time.Time // zero while the session is active
	Status         SessionStatus
	LastActivityAt time.Time
	MessageCount   int
}

// Message roles. User-initiated activity (edits, commands) is recorded as
// RoleUser; ambient machinery (VCS hooks, editor polls) as RoleSystem.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Message is one persisted unit of session content, derived from one or
// more merged events. Owned by its session; removed only when the session
// is evicted.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}
