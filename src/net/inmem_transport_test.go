package net

import (
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

const testTopic = "test-topic"

type collector struct {
	sync.Mutex
	envelopes []Envelope
}

func (c *collector) handle(env Envelope) {
	c.Lock()
	defer c.Unlock()
	c.envelopes = append(c.envelopes, env)
}

func (c *collector) len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.envelopes)
}

func (c *collector) get(i int) Envelope {
	c.Lock()
	defer c.Unlock()
	return c.envelopes[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func joinAll(t *testing.T, network *InmemNetwork, ids ...string) []*InmemTransport {
	var res []*InmemTransport
	for _, id := range ids {
		tr, err := network.Join(id)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		res = append(res, tr)
	}
	return res
}

func TestInmemBroadcast(t *testing.T) {
	network := NewInmemNetwork()
	trans := joinAll(t, network, "a", "b", "c")
	defer func() {
		for _, tr := range trans {
			tr.Close()
		}
	}()

	collectors := make([]*collector, len(trans))
	for i, tr := range trans {
		collectors[i] = &collector{}
		if err := tr.Subscribe(testTopic, collectors[i].handle); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	receipt, err := trans[0].Broadcast(testTopic, []byte("hello"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(receipt.Recipients, []string{"b", "c"}) {
		t.Fatalf("recipients should be [b c], not %v", receipt.Recipients)
	}

	waitFor(t, time.Second, func() bool {
		return collectors[1].len() == 1 && collectors[2].len() == 1
	}, "messages not delivered")

	if collectors[0].len() != 0 {
		t.Fatalf("publisher should not receive its own message")
	}

	env := collectors[1].get(0)
	if env.From != "a" || string(env.Body) != "hello" || env.Topic != testTopic || env.SequenceNumber != 1 {
		t.Fatalf("unexpected envelope %#v", env)
	}
}

func TestInmemSubscribers(t *testing.T) {
	network := NewInmemNetwork()
	trans := joinAll(t, network, "a", "b", "c")
	defer func() {
		for _, tr := range trans {
			tr.Close()
		}
	}()

	noop := func(Envelope) {}
	trans[0].Subscribe(testTopic, noop)
	trans[1].Subscribe(testTopic, noop)

	subs, err := trans[0].Subscribers(testTopic)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(subs, []string{"b"}) {
		t.Fatalf("subscribers should be [b], not %v", subs)
	}

	trans[1].Unsubscribe(testTopic)

	subs, _ = trans[0].Subscribers(testTopic)
	if len(subs) != 0 {
		t.Fatalf("subscribers should be empty, not %v", subs)
	}

	peers, err := trans[0].ConnectedPeers()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	sort.Strings(peers)
	if !reflect.DeepEqual(peers, []string{"b", "c"}) {
		t.Fatalf("connected peers should be [b c], not %v", peers)
	}
}

func TestInmemPeerEvents(t *testing.T) {
	network := NewInmemNetwork()

	a, _ := network.Join("a")
	defer a.Close()

	b, _ := network.Join("b")

	select {
	case ev := <-a.PeerEvents():
		if ev.Type != PeerConnect || ev.PeerID != "b" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no connect event")
	}

	select {
	case ev := <-b.PeerEvents():
		if ev.Type != PeerConnect || ev.PeerID != "a" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no connect event for newcomer")
	}

	b.Close()

	select {
	case ev := <-a.PeerEvents():
		if ev.Type != PeerDisconnect || ev.PeerID != "b" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no disconnect event")
	}

	if _, err := b.Broadcast(testTopic, nil); err != ErrTransportClosed {
		t.Fatalf("broadcast on closed transport should fail, got %v", err)
	}
}

func TestInmemIsolate(t *testing.T) {
	network := NewInmemNetwork()
	trans := joinAll(t, network, "a", "b")
	defer func() {
		for _, tr := range trans {
			tr.Close()
		}
	}()

	ca, cb := &collector{}, &collector{}
	trans[0].Subscribe(testTopic, ca.handle)
	trans[1].Subscribe(testTopic, cb.handle)

	network.Isolate("b")

	receipt, err := trans[0].Broadcast(testTopic, []byte("lost"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(receipt.Recipients) != 0 {
		t.Fatalf("isolated node should not be a recipient")
	}

	receipt, _ = trans[1].Broadcast(testTopic, []byte("lost too"))
	if len(receipt.Recipients) != 0 {
		t.Fatalf("isolated node should not reach anyone")
	}

	subs, _ := trans[0].Subscribers(testTopic)
	if len(subs) != 0 {
		t.Fatalf("isolated node should not be listed, got %v", subs)
	}

	select {
	case ev := <-trans[0].PeerEvents():
		if ev.Type == PeerDisconnect {
			t.Fatalf("isolation should not emit a disconnect event")
		}
	default:
	}

	network.Heal("b")

	trans[0].Broadcast(testTopic, []byte("found"))

	waitFor(t, time.Second, func() bool { return cb.len() == 1 }, "message not delivered after heal")

	if string(cb.get(0).Body) != "found" {
		t.Fatalf("unexpected body %s", cb.get(0).Body)
	}
	if ca.len() != 0 {
		t.Fatalf("a should not have received anything")
	}
}

func TestInmemDuplicateJoin(t *testing.T) {
	network := NewInmemNetwork()
	a, _ := network.Join("a")
	defer a.Close()

	if _, err := network.Join("a"); err == nil {
		t.Fatalf("joining twice with the same identity should fail")
	}

	anon, err := network.Join("")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer anon.Close()

	if anon.LocalID() == "" {
		t.Fatalf("anonymous join should generate an identity")
	}
}
