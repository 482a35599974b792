package net

import "fmt"

// Envelope is a message received on a topic.
type Envelope struct {
	Topic          string
	Body           []byte
	From           string
	SequenceNumber uint64
}

// Receipt describes the outcome of a Broadcast. Recipients lists the peers the
// message was handed to, which says nothing about whether they processed it.
type Receipt struct {
	Recipients []string
}

// PeerEventType distinguishes connections from disconnections.
type PeerEventType int

const (
	// PeerConnect is emitted when a peer joins the network
	PeerConnect PeerEventType = iota
	// PeerDisconnect is emitted when a peer leaves the network explicitly
	PeerDisconnect
)

func (t PeerEventType) String() string {
	switch t {
	case PeerConnect:
		return "connect"
	case PeerDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("PeerEventType(%d)", int(t))
	}
}

// PeerEvent is a change in the connectivity of a remote peer.
type PeerEvent struct {
	Type   PeerEventType
	PeerID string
}

// Transport is an unreliable publish/subscribe broadcast medium. Messages may
// be lost, duplicated or reordered, and peers may vanish without a
// PeerDisconnect event.
type Transport interface {

	// LocalID returns the identity this transport publishes under.
	LocalID() string

	// Subscribe registers the handler for messages on topic. Handlers are
	// invoked from a transport goroutine and must not block for long.
	Subscribe(topic string, handler func(Envelope)) error

	// Unsubscribe removes the handler registered for topic.
	Unsubscribe(topic string) error

	// Broadcast publishes payload to every other subscriber of topic.
	Broadcast(topic string, payload []byte) (Receipt, error)

	// Subscribers returns the remote peers currently subscribed to topic.
	Subscribers(topic string) ([]string, error)

	// ConnectedPeers returns the remote peers currently connected, regardless
	// of their subscriptions.
	ConnectedPeers() ([]string, error)

	// PeerEvents returns the channel of connectivity changes.
	PeerEvents() <-chan PeerEvent

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
