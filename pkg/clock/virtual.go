package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a manually driven Clock. Callbacks run synchronously on the
// goroutine calling Advance or Set, in deadline order (ties in scheduling
// order), with Now reporting the callback's deadline while it runs.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

type virtualTimer struct {
	v        *Virtual
	deadline time.Time
	seq      uint64
	f        func()
	stopped  bool
	fired    bool
}

func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d < 0 {
		d = 0
	}
	v.seq++
	t := &virtualTimer{v: v, deadline: v.now.Add(d), seq: v.seq, f: f}
	v.timers = append(v.timers, t)
	return t
}

// Advance moves time forward by d, firing every timer that falls due,
// including timers scheduled by callbacks within the window.
func (v *Virtual) Advance(d time.Duration) {
	v.Set(v.Now().Add(d))
}

// Set moves time forward to target. Moving backwards is ignored.
func (v *Virtual) Set(target time.Time) {
	for {
		v.mu.Lock()
		next := v.popDueLocked(target)
		if next == nil {
			if target.After(v.now) {
				v.now = target
			}
			v.mu.Unlock()
			return
		}
		if next.deadline.After(v.now) {
			v.now = next.deadline
		}
		next.fired = true
		v.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of scheduled timers that have not fired or
// been stopped.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, t := range v.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (v *Virtual) popDueLocked(target time.Time) *virtualTimer {
	live := v.timers[:0]
	for _, t := range v.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	v.timers = live
	if len(v.timers) == 0 {
		return nil
	}
	sort.SliceStable(v.timers, func(i, j int) bool {
		a, b := v.timers[i], v.timers[j]
		if !a.deadline.Equal(b.deadline) {
			return a.deadline.Before(b.deadline)
		}
		return a.seq < b.seq
	})
	head := v.timers[0]
	if head.deadline.After(target) {
		return nil
	}
	v.timers = v.timers[1:]
	return head
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
