package election

// State is the role of a node in the election protocol: Follower, Electing
// or Leader.
type State uint32

const (
	// Follower is not leader. It may or may not know who the leader is.
	Follower State = iota
	// Electing has broadcast an Election and waits for the result timer.
	Electing
	// Leader has announced victory and broadcasts heartbeats.
	Leader
)

// String ...
func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Electing:
		return "Electing"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MarshalText makes states readable in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
