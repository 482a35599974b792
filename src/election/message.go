package election

import "fmt"

// MessageType is the kind of an election message.
type MessageType string

const (
	// Election announces that the sender is running an election.
	Election MessageType = "election"
	// Victory announces that the sender won an election.
	Victory MessageType = "victory"
	// Heartbeat is emitted periodically by the leader.
	Heartbeat MessageType = "heartbeat"
	// Ping is emitted periodically by every node that is not the leader.
	Ping MessageType = "ping"
)

// DefaultVersion is the protocol version of election messages.
const DefaultVersion = "1.0"

func (t MessageType) valid() bool {
	switch t {
	case Election, Victory, Heartbeat, Ping:
		return true
	}
	return false
}

// Message is the payload exchanged on the election topic, once decrypted.
type Message struct {
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
	PeerID  string      `json:"peerId"`
}

// NewMessage returns a validated Message.
func NewMessage(t MessageType, version string, peerID string) (Message, error) {
	m := Message{
		Type:    t,
		Version: version,
		PeerID:  peerID,
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}

	return m, nil
}

// Validate checks that the type is known and that version and peer id are
// set.
func (m Message) Validate() error {
	if !m.Type.valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: empty version", ErrInvalidMessage)
	}
	if m.PeerID == "" {
		return fmt.Errorf("%w: empty peerId", ErrInvalidMessage)
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%s, v%s)", m.Type, shortID(m.PeerID), m.Version)
}

// shortID keeps logs readable with 132-character identities.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
