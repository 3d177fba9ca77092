package session

import (
	"time"

	"github.com/mahaj/workspace-chat/pkg/model"
)

type State int

const (
	Unauthenticated State = iota
	Authenticated
	AuthenticatedWarning
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case AuthenticatedWarning:
		return "authenticated_warning"
	default:
		return "unauthenticated"
	}
}

// Warning is raised when the user has been idle past the warn threshold.
type Warning struct {
	TriggerAt time.Time
	ExpiresAt time.Time
}

// Snapshot is a read-only copy of the session. The zero value is an
// unauthenticated session.
type Snapshot struct {
	State          State
	Authenticated  bool
	Profile        model.Profile
	ExpiresAt      time.Time
	LastActivityAt time.Time
	Warning        *Warning
	// TimeLeft is the time until forced logout while a warning is active.
	TimeLeft time.Duration
}

func (l *Lifecycle) snapshotLocked(now time.Time) Snapshot {
	if !l.authenticated {
		return Snapshot{}
	}
	s := Snapshot{
		State:          Authenticated,
		Authenticated:  true,
		Profile:        l.profile,
		ExpiresAt:      l.expiresAt,
		LastActivityAt: l.lastActivityAt,
	}
	if l.warning != nil {
		w := *l.warning
		s.State = AuthenticatedWarning
		s.Warning = &w
		if left := w.ExpiresAt.Sub(now); left > 0 {
			s.TimeLeft = left
		}
	}
	return s
}
