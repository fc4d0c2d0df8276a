package socket

import "time"

// TickTimer is a deadline shared by several timed events. Each event pulls
// the deadline closer with TickAt or TickAfter; none can push it later. The
// owner waits on C and, on wake-up, checks which of its events are due.
//
// A TickTimer is owned by one goroutine and is not safe for concurrent use.
type TickTimer struct {
	now      func() time.Time
	timer    *time.Timer
	deadline time.Time
	infinite bool
}

// NewTickTimer returns a timer with an infinite deadline.
func NewTickTimer() *TickTimer {
	t := &TickTimer{
		now:      time.Now,
		timer:    time.NewTimer(time.Hour),
		infinite: true,
	}
	t.timer.Stop()
	return t
}

// TickAt moves the deadline to at if that is earlier than the current one.
func (t *TickTimer) TickAt(at time.Time) {
	if !t.infinite && !at.Before(t.deadline) {
		return
	}
	t.deadline = at
	t.infinite = false
	t.timer.Reset(at.Sub(t.now()))
}

// TickAfter moves the deadline to now+d if that is earlier than the current one.
func (t *TickTimer) TickAfter(d time.Duration) {
	t.TickAt(t.now().Add(d))
}

// Expired reports whether the deadline has passed. An infinite deadline
// counts as expired: nothing is scheduled.
func (t *TickTimer) Expired() bool {
	return t.infinite || !t.now().Before(t.deadline)
}

// Deadline returns the current deadline; ok is false while it is infinite.
func (t *TickTimer) Deadline() (deadline time.Time, ok bool) {
	return t.deadline, !t.infinite
}

// Cancel stops any pending wake-up without changing the deadline.
func (t *TickTimer) Cancel() {
	t.timer.Stop()
}

// Reset returns the deadline to infinity.
func (t *TickTimer) Reset() {
	t.infinite = true
	t.deadline = time.Time{}
	t.timer.Stop()
}

// C delivers a value when the deadline is reached.
func (t *TickTimer) C() <-chan time.Time {
	return t.timer.C
}
