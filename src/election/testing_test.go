package election

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/p2prelay/src/crypto"
	"github.com/mosaicnetworks/p2prelay/src/net"
)

/*******************************************************************************
Fake clock
*******************************************************************************/

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

type fakeClock struct {
	sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1600000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.Lock()
	defer c.Unlock()

	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return func() bool {
		c.Lock()
		defer c.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// fireNext fires the earliest timer due before until, and moves the clock to
// its deadline.
func (c *fakeClock) fireNext(until time.Time) bool {
	c.Lock()

	var next *fakeTimer
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if t.at.After(until) {
			continue
		}
		if next == nil || t.at.Before(next.at) {
			next = t
		}
	}
	c.timers = live

	if next == nil {
		c.Unlock()
		return false
	}

	next.stopped = true
	c.now = next.at
	c.Unlock()

	next.f()

	return true
}

func (c *fakeClock) set(now time.Time) {
	c.Lock()
	defer c.Unlock()
	c.now = now
}

// advance moves the clock forward by d, letting the engine process every
// timer that fires along the way before firing the next one. Pending events,
// such as the start event, are processed first so that the timers they arm
// are relative to the current time.
func advance(e *Engine, c *fakeClock, d time.Duration) {
	e.flush()
	target := c.Now().Add(d)
	for c.fireNext(target) {
		e.flush()
	}
	c.set(target)
	e.flush()
}

/*******************************************************************************
Fake broadcaster
*******************************************************************************/

type fakeBroadcaster struct {
	sync.Mutex
	localID     string
	subscribers []string
	subsErr     error
	failWith    error
	payloads    [][]byte
}

func (f *fakeBroadcaster) LocalID() string {
	return f.localID
}

func (f *fakeBroadcaster) Broadcast(topic string, payload []byte) (net.Receipt, error) {
	f.Lock()
	defer f.Unlock()

	f.payloads = append(f.payloads, payload)

	if f.failWith != nil {
		return net.Receipt{}, f.failWith
	}

	return net.Receipt{Recipients: append([]string(nil), f.subscribers...)}, nil
}

func (f *fakeBroadcaster) Subscribers(topic string) ([]string, error) {
	f.Lock()
	defer f.Unlock()
	if f.subsErr != nil {
		return nil, f.subsErr
	}
	return append([]string(nil), f.subscribers...), nil
}

func (f *fakeBroadcaster) ConnectedPeers() ([]string, error) {
	return f.Subscribers("")
}

func (f *fakeBroadcaster) setSubscribers(s ...string) {
	f.Lock()
	defer f.Unlock()
	f.subscribers = s
}

// sent decrypts everything broadcast so far.
func (f *fakeBroadcaster) sent(t *testing.T, groupKey string) []Message {
	f.Lock()
	defer f.Unlock()

	sc := crypto.NewSecureChannel()

	var res []Message
	for _, p := range f.payloads {
		var m Message
		if err := sc.Decrypt(string(p), groupKey, &m); err != nil {
			t.Fatalf("err: %v", err)
		}
		res = append(res, m)
	}
	return res
}

func countType(msgs []Message, mt MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type == mt {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	sync.Mutex
	failures int
	causes   []error
}

func (r *fakeRecorder) RecordFailure(topic string, payload []byte, receipt net.Receipt, cause error) {
	r.Lock()
	defer r.Unlock()
	r.failures++
	r.causes = append(r.causes, cause)
}

func (r *fakeRecorder) count() int {
	r.Lock()
	defer r.Unlock()
	return r.failures
}

/*******************************************************************************
Helpers
*******************************************************************************/

// orderedIDs returns n identities sorted by increasing digest.
func orderedIDs(n int) []string {
	d := crypto.NewDigest()

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = string(rune('a'+i)) + "-peer"
	}

	sort.Slice(ids, func(i, j int) bool {
		return d.CalcHash(ids[i]) < d.CalcHash(ids[j])
	})

	return ids
}

// newFakeEngine returns an engine driven by a fake clock, with default
// timeouts.
func newFakeEngine(t *testing.T, selfID string, tweak func(*Config)) (*Engine, *fakeBroadcaster, *fakeClock) {
	clk := newFakeClock()

	conf := TestConfig(t, selfID)
	conf.ResultTimeout = DefaultResultTimeout
	conf.HeartbeatInterval = DefaultHeartbeatInterval
	conf.LeaderTimeout = DefaultLeaderTimeout
	conf.AllHandsTimeout = DefaultAllHandsTimeout
	conf.clock = clk

	if tweak != nil {
		tweak(&conf)
	}

	trans := &fakeBroadcaster{localID: selfID}

	e, err := NewEngine(conf, trans, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	return e, trans, clk
}

func envelope(t *testing.T, e *Engine, mt MessageType, version string, peerID string) net.Envelope {
	msg := Message{Type: mt, Version: version, PeerID: peerID}

	ct, err := crypto.NewSecureChannel().Encrypt(msg, e.conf.GroupKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	return net.Envelope{
		Topic: e.ElectionTopic(),
		Body:  []byte(ct),
		From:  peerID,
	}
}

// inject delivers a message to the engine and waits until it is processed.
func inject(t *testing.T, e *Engine, mt MessageType, peerID string) {
	if err := e.HandleElectionMessage(envelope(t, e, mt, DefaultVersion, peerID)); err != nil {
		t.Fatalf("err: %v", err)
	}
	e.flush()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

var errBroadcast = errors.New("broadcast failed")
