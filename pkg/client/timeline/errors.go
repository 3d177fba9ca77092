package timeline

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	HistoryFetchFailed ErrorKind = iota + 1
)

// SyncError reports a failed history fetch. The timeline it was meant to
// replace is left as it was.
type SyncError struct {
	Kind      ErrorKind
	ChannelID string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("timeline: history fetch for %s failed: %v", e.ChannelID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	return ok && t.Kind == e.Kind
}

var (
	ErrHistoryFetchFailed = &SyncError{Kind: HistoryFetchFailed}

	ErrChannelNotOpen = errors.New("timeline: channel not open")
	// ErrSuperseded is returned by a history load whose result was discarded
	// because a newer load of the same channel started after it.
	ErrSuperseded = errors.New("timeline: history load superseded")
)
