package net

import "fmt"

// Health summarises what a transport sees of the network for one topic.
// Errors is nil when nothing looks wrong.
type Health struct {
	PeerCount       int      `json:"peerCount"`
	TopicCount      int      `json:"topicCount"`
	SubscriberCount int      `json:"subscriberCount"`
	Errors          []string `json:"errors"`
}

// Healthy returns true if no problem was found.
func (h Health) Healthy() bool {
	return len(h.Errors) == 0
}

// CheckHealth reports the connected peers of t, the number of topics the
// caller subscribed to and the remote subscribers of topic.
func CheckHealth(t Transport, topic string, topicCount int) (Health, error) {
	if topic == "" {
		return Health{}, fmt.Errorf("invalid topic")
	}

	peers, err := t.ConnectedPeers()
	if err != nil {
		return Health{}, err
	}

	subscribers, err := t.Subscribers(topic)
	if err != nil {
		return Health{}, err
	}

	h := Health{
		PeerCount:       len(peers),
		TopicCount:      topicCount,
		SubscriberCount: len(subscribers),
	}

	if h.PeerCount == 0 {
		h.Errors = append(h.Errors, "no connected peer")
	}
	if h.TopicCount == 0 {
		h.Errors = append(h.Errors, "no subscribed topics")
	}
	if h.SubscriberCount == 0 {
		h.Errors = append(h.Errors, "no connected subscribers")
	}

	return h, nil
}
