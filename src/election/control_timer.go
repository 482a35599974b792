package election

import "time"

// clock abstracts time so that tests can drive the engine deterministically.
type clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d. The returned function
	// stops the timer.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type timerKind int

const (
	resultTimer timerKind = iota
	leaderWatchdog
	allHandsWatchdog
	heartbeatTick
)

func (k timerKind) String() string {
	switch k {
	case resultTimer:
		return "result"
	case leaderWatchdog:
		return "leader-watchdog"
	case allHandsWatchdog:
		return "all-hands-watchdog"
	case heartbeatTick:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// controlTimer is a one-shot timer that delivers timerEvents to the engine's
// mailbox. It is only manipulated from the engine's run loop.
//
// Every reset bumps a generation number carried by the event. A fire that was
// already queued in the mailbox when the timer was reset or cancelled carries
// an old generation, and accept rejects it.
type controlTimer struct {
	kind  timerKind
	clock clock
	fire  func(timerEvent)
	gen   uint64
	set   bool
	stop  func() bool
}

func newControlTimer(kind timerKind, c clock, fire func(timerEvent)) *controlTimer {
	return &controlTimer{
		kind:  kind,
		clock: c,
		fire:  fire,
	}
}

// reset cancels the timer and arms it again for d.
func (t *controlTimer) reset(d time.Duration) {
	t.cancel()

	t.gen++
	ev := timerEvent{kind: t.kind, gen: t.gen}

	t.set = true
	t.stop = t.clock.AfterFunc(d, func() { t.fire(ev) })
}

func (t *controlTimer) cancel() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.set = false
}

// accept reports whether ev is the current fire of this timer, and disarms
// the timer if it is.
func (t *controlTimer) accept(ev timerEvent) bool {
	if !t.set || ev.gen != t.gen {
		return false
	}
	t.set = false
	t.stop = nil
	return true
}

func (t *controlTimer) armed() bool {
	return t.set
}
