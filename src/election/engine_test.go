package election

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mosaicnetworks/p2prelay/src/net"
)

func TestNewEngineErrors(t *testing.T) {
	if _, err := NewEngine(TestConfig(t, "a"), nil, nil); err != ErrNoTransport {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}

	if _, err := NewEngine(TestConfig(t, ""), &fakeBroadcaster{}, nil); err != ErrNoIdentity {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	e, err := NewEngine(TestConfig(t, ""), &fakeBroadcaster{localID: "from-transport"}, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if e.SelfID() != "from-transport" {
		t.Fatalf("self id should default to the transport's, got %s", e.SelfID())
	}
}

func TestElectionTopic(t *testing.T) {
	if Topic("") != BaseTopic {
		t.Fatalf("topic without group key should be %s, got %s", BaseTopic, Topic(""))
	}

	scoped := Topic("group")
	if !strings.HasPrefix(scoped, BaseTopic+"-0x") || len(scoped) != len(BaseTopic)+1+66 {
		t.Fatalf("unexpected scoped topic %s", scoped)
	}
	if scoped == Topic("other") {
		t.Fatalf("different group keys should give different topics")
	}

	conf := TestConfig(t, "a")
	conf.GroupKey = "group"
	e, _ := NewEngine(conf, &fakeBroadcaster{}, nil)
	if e.ElectionTopic() != scoped {
		t.Fatalf("engine topic %s should be %s", e.ElectionTopic(), scoped)
	}
}

func TestLifecycle(t *testing.T) {
	e, _, _ := newFakeEngine(t, "a", nil)

	if err := e.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := e.Start(); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	e.Stop()
	e.Stop()

	if err := e.Start(); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	if err := e.HandleElectionMessage(envelope(t, e, Ping, DefaultVersion, "b")); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	if err := e.HandlePeerEvent(net.PeerEvent{Type: net.PeerConnect, PeerID: "b"}); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestIdempotentElectionStart(t *testing.T) {
	ids := orderedIDs(2)
	self, lower := ids[1], ids[0]

	e, trans, _ := newFakeEngine(t, self, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer e.Stop()

	e.flush()

	if !e.Snapshot().ElectionInProgress {
		t.Fatalf("election should be in progress")
	}

	// A challenge from a lower peer would start an election if none was
	// running.
	inject(t, e, Election, lower)
	inject(t, e, Election, lower)

	sent := trans.sent(t, "")
	if n := countType(sent, Election); n != 1 {
		t.Fatalf("expected exactly 1 Election message, got %d", n)
	}

	if n := e.Snapshot().Stats.ElectionsStarted; n != 1 {
		t.Fatalf("expected 1 election, got %d", n)
	}

	if e.Snapshot().State != Electing {
		t.Fatalf("state should be Electing, not %s", e.Snapshot().State)
	}
}

func TestNoPeerSelfElection(t *testing.T) {
	e, trans, clk := newFakeEngine(t, "lonely", func(c *Config) {
		c.AllHandsTimeout = time.Hour
	})
	if err := e.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer e.Stop()

	advance(e, clk, DefaultResultTimeout)

	if !e.IsLeader() {
		t.Fatalf("node with no peers should be leader")
	}
	if e.LeaderID() != "lonely" {
		t.Fatalf("leader should be self, not %s", e.LeaderID())
	}
	if e.Snapshot().State != Leader {
		t.Fatalf("state should be Leader, not %s", e.Snapshot().State)
	}
	if n := countType(trans.sent(t, ""), Victory); n != 1 {
		t.Fatalf("expected 1 Victory, got %d", n)
	}
}

func TestLowerPeersDoNotPreventVictory(t *testing.T) {
	ids := orderedIDs(3)

	e, trans, clk := newFakeEngine(t, ids[2], nil)
	trans.setSubscribers(ids[0], ids[1])

	e.Start()
	defer e.Stop()

	inject(t, e, Ping, ids[0])
	inject(t, e, Ping, ids[1])

	advance(e, clk, DefaultResultTimeout)

	if !e.IsLeader() {
		t.Fatalf("highest node should win")
	}
}

func TestLostElection(t *testing.T) {
	ids := orderedIDs(2)
	self, higher := ids[0], ids[1]

	e, trans, clk := newFakeEngine(t, self, func(c *Config) {
		c.AllHandsTimeout = time.Hour
	})
	trans.setSubscribers(higher)

	e.Start()
	defer e.Stop()

	inject(t, e, Ping, higher)

	advance(e, clk, DefaultResultTimeout)

	if e.IsLeader() {
		t.Fatalf("node should not win against a higher peer")
	}
	if n := countType(trans.sent(t, ""), Victory); n != 0 {
		t.Fatalf("no Victory should be sent, got %d", n)
	}

	// The higher peer never announces victory: the leader watchdog starts a
	// new election.
	advance(e, clk, DefaultLeaderTimeout)

	if n := e.Snapshot().Stats.ElectionsStarted; n != 2 {
		t.Fatalf("expected 2 elections, got %d", n)
	}
}

func TestSilentHigherPeerIgnored(t *testing.T) {
	ids := orderedIDs(2)
	self, higher := ids[0], ids[1]

	e, trans, clk := newFakeEngine(t, self, nil)

	e.Start()
	defer e.Stop()

	// known, but no longer subscribed to the topic
	inject(t, e, Ping, higher)
	trans.setSubscribers()

	advance(e, clk, DefaultResultTimeout)

	if !e.IsLeader() {
		t.Fatalf("unreachable peers should not prevent victory")
	}
}

func TestVictoryRejection(t *testing.T) {
	ids := orderedIDs(3)
	self, mid, high := ids[0], ids[1], ids[2]

	e, trans, _ := newFakeEngine(t, self, nil)
	trans.setSubscribers(mid, high)

	e.Start()
	defer e.Stop()

	inject(t, e, Victory, high)

	if e.LeaderID() != high {
		t.Fatalf("victory from higher peer should be accepted")
	}
	if e.IsLeader() {
		t.Fatalf("node should not be leader")
	}

	inject(t, e, Victory, mid)

	if e.LeaderID() != high {
		t.Fatalf("victory from lower than leader should be rejected, leader is %s", e.LeaderID())
	}
}

func TestVictoryFromLowerThanSelfRejected(t *testing.T) {
	ids := orderedIDs(2)
	low, self := ids[0], ids[1]

	e, _, clk := newFakeEngine(t, self, nil)
	e.Start()
	defer e.Stop()

	advance(e, clk, DefaultResultTimeout)

	inject(t, e, Victory, low)

	if !e.IsLeader() || e.LeaderID() != self {
		t.Fatalf("victory from lower peer should not depose us")
	}

	if e.Snapshot().Stats.MessagesRejected == 0 {
		t.Fatalf("rejection should be counted")
	}
}

func TestHeartbeatResetsWatchdog(t *testing.T) {
	ids := orderedIDs(2)
	self, leader := ids[0], ids[1]

	e, trans, clk := newFakeEngine(t, self, func(c *Config) {
		c.AllHandsTimeout = time.Hour
	})
	trans.setSubscribers(leader)

	e.Start()
	defer e.Stop()

	inject(t, e, Victory, leader)

	advance(e, clk, 8*time.Second)
	inject(t, e, Heartbeat, leader)

	// 16s after the victory, 8s after the heartbeat
	advance(e, clk, 8*time.Second)

	if e.LeaderID() != leader {
		t.Fatalf("leader should still be recognized, got %q", e.LeaderID())
	}
	if n := e.Snapshot().Stats.ElectionsStarted; n != 1 {
		t.Fatalf("watchdog should not have fired, %d elections", n)
	}

	// 11s after the heartbeat
	advance(e, clk, 3*time.Second)

	if e.LeaderID() != "" {
		t.Fatalf("leader should have timed out, got %q", e.LeaderID())
	}
	if n := e.Snapshot().Stats.ElectionsStarted; n != 2 {
		t.Fatalf("watchdog should have started an election, %d elections", n)
	}
}

func TestHeartbeatWithoutLeaderRejected(t *testing.T) {
	ids := orderedIDs(2)

	e, _, _ := newFakeEngine(t, ids[0], nil)
	e.Start()
	defer e.Stop()

	before := e.Snapshot().Stats.MessagesRejected

	inject(t, e, Heartbeat, ids[1])

	if e.LeaderID() != "" {
		t.Fatalf("heartbeat should not install a leader, got %s", e.LeaderID())
	}
	if e.Snapshot().Stats.MessagesRejected != before+1 {
		t.Fatalf("heartbeat should be rejected")
	}
}

func TestHeartbeatAdoptsHigherLeader(t *testing.T) {
	ids := orderedIDs(4)
	self, low, mid, high := ids[1], ids[0], ids[2], ids[3]

	e, _, _ := newFakeEngine(t, self, nil)
	e.Start()
	defer e.Stop()

	inject(t, e, Victory, mid)
	if e.LeaderID() != mid {
		t.Fatalf("mid should be leader")
	}

	inject(t, e, Heartbeat, low)
	if e.LeaderID() != mid {
		t.Fatalf("heartbeat from lower peer should be ignored")
	}

	inject(t, e, Heartbeat, high)
	if e.LeaderID() != high {
		t.Fatalf("heartbeat from higher peer should be adopted, leader is %s", e.LeaderID())
	}
}

func TestLeaderStepsDownForHigherHeartbeat(t *testing.T) {
	ids := orderedIDs(2)
	self, high := ids[0], ids[1]

	e, _, clk := newFakeEngine(t, self, nil)
	e.Start()
	defer e.Stop()

	// alone on the network
	advance(e, clk, DefaultResultTimeout)
	if !e.IsLeader() {
		t.Fatalf("node should be leader")
	}

	// partition heals
	inject(t, e, Heartbeat, high)

	if e.IsLeader() || e.LeaderID() != high {
		t.Fatalf("node should follow the higher leader")
	}
}

func TestElectionChallenge(t *testing.T) {
	ids := orderedIDs(3)
	low, self, high := ids[0], ids[1], ids[2]

	e, _, clk := newFakeEngine(t, self, nil)
	e.Start()
	defer e.Stop()

	advance(e, clk, DefaultResultTimeout)
	if !e.IsLeader() {
		t.Fatalf("node should be leader")
	}

	inject(t, e, Election, high)

	if n := e.Snapshot().Stats.ElectionsStarted; n != 1 {
		t.Fatalf("node should yield to a higher election, %d elections", n)
	}

	inject(t, e, Election, low)

	if n := e.Snapshot().Stats.ElectionsStarted; n != 2 {
		t.Fatalf("node should answer a lower election, %d elections", n)
	}
	if e.IsLeader() || e.LeaderID() != "" {
		t.Fatalf("starting an election clears the leader")
	}
}

func TestElectionYieldsToHigherLeader(t *testing.T) {
	ids := orderedIDs(3)
	low, self, leader := ids[0], ids[1], ids[2]

	e, trans, clk := newFakeEngine(t, self, func(c *Config) {
		c.AllHandsTimeout = time.Hour
		c.LeaderTimeout = time.Hour
	})
	trans.setSubscribers(leader)

	e.Start()
	defer e.Stop()

	inject(t, e, Victory, leader)
	advance(e, clk, DefaultResultTimeout)

	inject(t, e, Election, low)

	if n := e.Snapshot().Stats.ElectionsStarted; n != 1 {
		t.Fatalf("node should not challenge while a higher leader exists, %d elections", n)
	}
}

func TestAllHandsSelfPromotion(t *testing.T) {
	ids := orderedIDs(2)
	self, high := ids[0], ids[1]

	e, trans, clk := newFakeEngine(t, self, func(c *Config) {
		c.AllHandsTimeout = 5 * time.Second
	})
	trans.setSubscribers(high)

	e.Start()
	defer e.Stop()

	advance(e, clk, 5*time.Second)

	if !e.IsLeader() {
		t.Fatalf("isolated node should assume leadership")
	}

	// the cancelled result timer must not run the election to completion
	advance(e, clk, 10*time.Second)

	if !e.IsLeader() {
		t.Fatalf("node should remain leader")
	}
	if n := e.Snapshot().Stats.ElectionsStarted; n != 1 {
		t.Fatalf("no election should have started, got %d", n)
	}
}

func TestPingsPreventSelfPromotion(t *testing.T) {
	ids := orderedIDs(2)
	self, high := ids[0], ids[1]

	e, trans, clk := newFakeEngine(t, self, nil)
	trans.setSubscribers(high)

	e.Start()
	defer e.Stop()

	for i := 0; i < 10; i++ {
		inject(t, e, Ping, high)
		advance(e, clk, 3*time.Second)
	}

	if e.IsLeader() {
		t.Fatalf("node should not assume leadership while hearing pings")
	}
	if n := countType(trans.sent(t, ""), Victory); n != 0 {
		t.Fatalf("no Victory should be sent, got %d", n)
	}
}

func TestLeaderDisconnect(t *testing.T) {
	ids := orderedIDs(2)
	self, leader := ids[0], ids[1]

	e, _, _ := newFakeEngine(t, self, nil)
	e.Start()
	defer e.Stop()

	inject(t, e, Victory, leader)

	if err := e.HandlePeerEvent(net.PeerEvent{Type: net.PeerConnect, PeerID: "someone"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	e.flush()

	if n := e.Snapshot().Stats.ElectionsStarted; n != 1 {
		t.Fatalf("connections should not start elections, %d elections", n)
	}

	// the startup election is still running, so no new one is started
	e.HandlePeerEvent(net.PeerEvent{Type: net.PeerDisconnect, PeerID: leader})
	e.flush()

	if e.LeaderID() != "" {
		t.Fatalf("leader should be cleared")
	}
	if _, ok := e.Membership().Peer(leader); ok {
		t.Fatalf("disconnected peer should be forgotten")
	}
}

func TestLeaderDisconnectStartsElection(t *testing.T) {
	ids := orderedIDs(2)
	self, leader := ids[0], ids[1]

	e, trans, clk := newFakeEngine(t, self, func(c *Config) {
		c.AllHandsTimeout = time.Hour
		c.LeaderTimeout = time.Hour
	})
	trans.setSubscribers(leader)

	e.Start()
	defer e.Stop()

	inject(t, e, Victory, leader)
	advance(e, clk, DefaultResultTimeout)

	if e.Snapshot().ElectionInProgress {
		t.Fatalf("startup election should be over")
	}

	e.HandlePeerEvent(net.PeerEvent{Type: net.PeerDisconnect, PeerID: leader})
	e.flush()

	if n := e.Snapshot().Stats.ElectionsStarted; n != 2 {
		t.Fatalf("leader disconnection should start an election, %d elections", n)
	}
}

func TestEmissionLoop(t *testing.T) {
	e, trans, clk := newFakeEngine(t, "solo", func(c *Config) {
		c.AllHandsTimeout = time.Hour
	})
	e.Start()
	defer e.Stop()

	// ticks at 3, 6 and 9s, victory at 10s, tick at 12s
	advance(e, clk, 12*time.Second)

	sent := trans.sent(t, "")

	var types []MessageType
	for _, m := range sent {
		types = append(types, m.Type)
	}

	expected := []MessageType{Election, Ping, Ping, Ping, Victory, Heartbeat}

	if len(types) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, types)
	}
	for i := range expected {
		if types[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, types)
		}
	}
}

func TestNoBroadcastAfterStop(t *testing.T) {
	e, trans, clk := newFakeEngine(t, "solo", nil)
	e.Start()
	e.flush()

	e.Stop()

	before := len(trans.sent(t, ""))

	advance(e, clk, time.Minute)

	if after := len(trans.sent(t, "")); after != before {
		t.Fatalf("nothing should be broadcast after stop: %d -> %d", before, after)
	}
}

func TestInboundFiltering(t *testing.T) {
	conf := TestConfig(t, "self")
	conf.GroupKey = "secret"
	conf.Version = "2.0"
	conf.AllHandsTimeout = time.Hour
	conf.ResultTimeout = time.Hour
	conf.HeartbeatInterval = time.Hour

	e, err := NewEngine(conf, &fakeBroadcaster{}, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	e.Start()
	defer e.Stop()

	// own messages
	if err := e.HandleElectionMessage(envelope(t, e, Election, "2.0", "self")); err != nil {
		t.Fatalf("err: %v", err)
	}

	// older protocol
	if err := e.HandleElectionMessage(envelope(t, e, Ping, "1.9", "old")); err != nil {
		t.Fatalf("err: %v", err)
	}

	// newer protocol
	if err := e.HandleElectionMessage(envelope(t, e, Ping, "2.1", "new")); err != nil {
		t.Fatalf("err: %v", err)
	}

	e.flush()

	known := e.Membership().Known()
	if len(known) != 1 || known[0] != "new" {
		t.Fatalf("only the peer with a compatible version should be known: %v", known)
	}

	// wrong group key
	foreign := envelope(t, e, Ping, "2.0", "x")
	conf.GroupKey = "other"
	other, _ := NewEngine(conf, &fakeBroadcaster{}, nil)
	foreign.Body = envelope(t, other, Ping, "2.0", "x").Body

	if err := e.HandleElectionMessage(foreign); err == nil {
		t.Fatalf("message sealed with another group key should be dropped")
	}

	// invalid message
	bad := envelope(t, e, MessageType("coup"), "2.0", "x")
	if err := e.HandleElectionMessage(bad); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	// wrong topic
	wrong := envelope(t, e, Ping, "2.0", "x")
	wrong.Topic = "elsewhere"
	if err := e.HandleElectionMessage(wrong); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestBroadcastFailuresRecorded(t *testing.T) {
	clk := newFakeClock()

	conf := TestConfig(t, "solo")
	conf.ResultTimeout = DefaultResultTimeout
	conf.HeartbeatInterval = DefaultHeartbeatInterval
	conf.LeaderTimeout = DefaultLeaderTimeout
	conf.AllHandsTimeout = DefaultAllHandsTimeout
	conf.clock = clk

	trans := &fakeBroadcaster{localID: "solo"}
	recorder := &fakeRecorder{}

	e, err := NewEngine(conf, trans, recorder)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	e.Start()
	defer e.Stop()
	e.flush()

	// the Election reached nobody
	if recorder.count() != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", recorder.count())
	}

	trans.Lock()
	trans.failWith = errBroadcast
	trans.Unlock()

	advance(e, clk, DefaultHeartbeatInterval)

	if recorder.count() != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", recorder.count())
	}
	if e.Snapshot().Stats.BroadcastFailures != 1 {
		t.Fatalf("broadcast failure should be counted")
	}
}

func TestControlTimerGenerations(t *testing.T) {
	clk := newFakeClock()

	var fired []timerEvent
	ct := newControlTimer(resultTimer, clk, func(ev timerEvent) { fired = append(fired, ev) })

	ct.reset(time.Second)
	ct.reset(time.Second)

	clk.fireNext(clk.Now().Add(time.Hour))
	clk.fireNext(clk.Now().Add(time.Hour))

	if len(fired) != 1 {
		t.Fatalf("resetting should stop the previous timer, %d fires", len(fired))
	}

	stale := timerEvent{kind: resultTimer, gen: fired[0].gen - 1}
	if ct.accept(stale) {
		t.Fatalf("stale fire should be discarded")
	}
	if !ct.accept(fired[0]) {
		t.Fatalf("current fire should be accepted")
	}
	if ct.accept(fired[0]) {
		t.Fatalf("a fire is only accepted once")
	}

	ct.reset(time.Second)
	ct.cancel()
	if ct.armed() {
		t.Fatalf("cancelled timer should not be armed")
	}
}
