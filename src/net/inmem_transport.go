package net

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	inmemInboxSize      = 1024
	inmemPeerEventsSize = 256
)

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// NewInmemAddr returns a new in-memory identity, a random UUID.
func NewInmemAddr() string {
	return uuid.New().String()
}

// InmemNetwork is an in-process broadcast hub connecting InmemTransports. It
// is used by tests and by relays running in standalone mode.
type InmemNetwork struct {
	sync.RWMutex
	nodes    map[string]*InmemTransport
	isolated map[string]bool
}

// NewInmemNetwork returns an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		nodes:    make(map[string]*InmemTransport),
		isolated: make(map[string]bool),
	}
}

// Join creates a transport with the given identity and attaches it to the
// network. A random identity is generated if id is empty. Every node already
// on the network gets a PeerConnect event for the newcomer, and the newcomer
// gets one for each of them.
func (n *InmemNetwork) Join(id string) (*InmemTransport, error) {
	if id == "" {
		id = NewInmemAddr()
	}

	n.Lock()
	defer n.Unlock()

	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("identity %s already joined", id)
	}

	t := &InmemTransport{
		network:    n,
		localID:    id,
		handlers:   make(map[string]func(Envelope)),
		inbox:      make(chan Envelope, inmemInboxSize),
		peerEvents: make(chan PeerEvent, inmemPeerEventsSize),
		shutdownCh: make(chan struct{}),
	}

	for oid, other := range n.nodes {
		other.pushPeerEvent(PeerEvent{Type: PeerConnect, PeerID: id})
		t.pushPeerEvent(PeerEvent{Type: PeerConnect, PeerID: oid})
	}

	n.nodes[id] = t

	go t.dispatch()

	return t, nil
}

// Isolate silently cuts a node off the network. Its messages are dropped,
// nothing is delivered to it, and it disappears from subscriber lists. No
// PeerDisconnect event is emitted, which is what a crash or a partition looks
// like to the other nodes.
func (n *InmemNetwork) Isolate(id string) {
	n.Lock()
	defer n.Unlock()
	n.isolated[id] = true
}

// Heal reconnects a node previously cut off by Isolate.
func (n *InmemNetwork) Heal(id string) {
	n.Lock()
	defer n.Unlock()
	delete(n.isolated, id)
}

// Peers returns the identities of all the nodes attached to the network,
// isolated or not.
func (n *InmemNetwork) Peers() []string {
	n.RLock()
	defer n.RUnlock()

	res := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// reachable returns the nodes that from can exchange messages with, excluding
// from itself. Must be called with the lock held.
func (n *InmemNetwork) reachable(from string) []*InmemTransport {
	if n.isolated[from] {
		return nil
	}

	var res []*InmemTransport
	for id, t := range n.nodes {
		if id == from || n.isolated[id] {
			continue
		}
		res = append(res, t)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].localID < res[j].localID })

	return res
}

func (n *InmemNetwork) leave(t *InmemTransport) {
	n.Lock()
	defer n.Unlock()

	if n.nodes[t.localID] != t {
		return
	}

	delete(n.nodes, t.localID)
	delete(n.isolated, t.localID)

	for _, other := range n.nodes {
		other.pushPeerEvent(PeerEvent{Type: PeerDisconnect, PeerID: t.localID})
	}
}

// InmemTransport implements the Transport interface on top of an
// InmemNetwork. Deliveries are asynchronous: each transport has a buffered
// inbox drained by its own goroutine, and messages are dropped when the inbox
// is full.
type InmemTransport struct {
	sync.RWMutex

	network  *InmemNetwork
	localID  string
	handlers map[string]func(Envelope)
	seq      uint64

	inbox      chan Envelope
	peerEvents chan PeerEvent

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// LocalID implements the Transport interface.
func (i *InmemTransport) LocalID() string {
	return i.localID
}

// Subscribe implements the Transport interface.
func (i *InmemTransport) Subscribe(topic string, handler func(Envelope)) error {
	if handler == nil {
		return errors.New("nil handler")
	}

	i.Lock()
	defer i.Unlock()

	if i.shutdown {
		return ErrTransportClosed
	}

	i.handlers[topic] = handler

	return nil
}

// Unsubscribe implements the Transport interface.
func (i *InmemTransport) Unsubscribe(topic string) error {
	i.Lock()
	defer i.Unlock()
	delete(i.handlers, topic)
	return nil
}

func (i *InmemTransport) subscribed(topic string) bool {
	i.RLock()
	defer i.RUnlock()
	_, ok := i.handlers[topic]
	return ok && !i.shutdown
}

// Broadcast implements the Transport interface.
func (i *InmemTransport) Broadcast(topic string, payload []byte) (Receipt, error) {
	if i.isShutdown() {
		return Receipt{}, ErrTransportClosed
	}

	env := Envelope{
		Topic:          topic,
		Body:           append([]byte(nil), payload...),
		From:           i.localID,
		SequenceNumber: atomic.AddUint64(&i.seq, 1),
	}

	i.network.RLock()
	targets := i.network.reachable(i.localID)
	i.network.RUnlock()

	receipt := Receipt{}
	for _, t := range targets {
		if !t.subscribed(topic) {
			continue
		}
		receipt.Recipients = append(receipt.Recipients, t.localID)
		t.deliver(env)
	}

	return receipt, nil
}

// Subscribers implements the Transport interface.
func (i *InmemTransport) Subscribers(topic string) ([]string, error) {
	if i.isShutdown() {
		return nil, ErrTransportClosed
	}

	i.network.RLock()
	targets := i.network.reachable(i.localID)
	i.network.RUnlock()

	res := []string{}
	for _, t := range targets {
		if t.subscribed(topic) {
			res = append(res, t.localID)
		}
	}

	return res, nil
}

// ConnectedPeers implements the Transport interface.
func (i *InmemTransport) ConnectedPeers() ([]string, error) {
	if i.isShutdown() {
		return nil, ErrTransportClosed
	}

	i.network.RLock()
	targets := i.network.reachable(i.localID)
	i.network.RUnlock()

	res := make([]string, 0, len(targets))
	for _, t := range targets {
		res = append(res, t.localID)
	}

	return res, nil
}

// PeerEvents implements the Transport interface.
func (i *InmemTransport) PeerEvents() <-chan PeerEvent {
	return i.peerEvents
}

// Close implements the Transport interface. It detaches the transport from
// the network, which emits a PeerDisconnect to the remaining nodes.
func (i *InmemTransport) Close() error {
	i.shutdownLock.Lock()
	if i.shutdown {
		i.shutdownLock.Unlock()
		return nil
	}
	i.Lock()
	i.shutdown = true
	i.Unlock()
	close(i.shutdownCh)
	i.shutdownLock.Unlock()

	i.network.leave(i)

	return nil
}

func (i *InmemTransport) isShutdown() bool {
	i.RLock()
	defer i.RUnlock()
	return i.shutdown
}

func (i *InmemTransport) deliver(env Envelope) {
	select {
	case i.inbox <- env:
	default:
		// inbox full, the message is lost
	}
}

func (i *InmemTransport) pushPeerEvent(ev PeerEvent) {
	select {
	case i.peerEvents <- ev:
	default:
	}
}

func (i *InmemTransport) dispatch() {
	for {
		select {
		case env := <-i.inbox:
			i.RLock()
			handler, ok := i.handlers[env.Topic]
			i.RUnlock()
			if ok {
				handler(env)
			}
		case <-i.shutdownCh:
			return
		}
	}
}
