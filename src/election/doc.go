// Package election implements leader election among relays connected by an
// unreliable broadcast medium.
//
// The protocol is a Bully election where priority is decided by the digests
// of peer identities rather than the identities themselves, so that a peer
// cannot claim priority by choosing its name.
//
// A node starts an election at startup, when the leader disconnects, and when
// it stops hearing from the leader. Starting an election broadcasts an
// Election message and arms a result timer. When the timer fires, a node that
// knows no reachable peer with a higher digest broadcasts a Victory. Nodes that
// receive an Election from a lower peer start their own election; the others
// keep quiet.
//
// Every node broadcasts periodically: Heartbeats if it is the leader, Pings
// otherwise. Followers run a leader watchdog, reset by the leader's
// heartbeats, and every node runs an all-hands watchdog, reset by any
// heartbeat or ping. A node that hears nothing from anybody for the duration
// of the all-hands watchdog declares itself leader without an election. When a
// partition heals, the lower leader adopts the higher one as soon as it
// receives its heartbeat.
//
// Election messages are sealed with a key derived from the group key (see the
// crypto package), and exchanged on a topic derived from it.
package election
