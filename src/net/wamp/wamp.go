// Package wamp implements the relay broadcast transport over a WAMP router.
//
// This package contains a Server, the hub relays connect to, which wraps a
// nexus router behind a WebSocket endpoint, and a Transport, a nexus client
// implementing net.Transport on top of WAMP publish/subscribe.
//
// WAMP sessions are anonymous, so a Transport publishes with the disclose_me
// option and carries its PeerID in every message. Receivers learn the
// session-to-peer mapping from inbound traffic, which is what allows them to
// translate the router's meta API (subscriber lists, session departures) into
// peer identities.
//
// If the hub runs with TLS, relays pass its certificate as a CA file.
// Otherwise they rely on the platform's trusted certificates. There is also an
// option to skip certificate verification, but this should only be used for
// testing.
package wamp

const (
	metaSubscriptionLookup      = "wamp.subscription.lookup"
	metaSubscriptionSubscribers = "wamp.subscription.list_subscribers"
	metaSessionList             = "wamp.session.list"
	metaSessionOnLeave          = "wamp.session.on_leave"

	optDiscloseMe    = "disclose_me"
	detailsPublisher = "publisher"
)
