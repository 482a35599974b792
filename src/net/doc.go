// Package net defines the broadcast transport relays communicate through.
//
// The Transport interface models an unreliable publish/subscribe medium:
// messages are published to a topic, delivered asynchronously to whoever is
// subscribed, and may be lost. Nothing in the interface offers a
// point-to-point channel or an authoritative membership list; subscriber lists
// and peer events are hints.
//
// There are two implementations:
//
// - Inmem: an in-process hub (InmemNetwork) used for testing and for running a
// relay in standalone mode. It can isolate nodes to simulate crashes and
// partitions.
//
// - WAMP: a client of a WAMP router (see the wamp sub-package), which is how
// relays are deployed.
package net
