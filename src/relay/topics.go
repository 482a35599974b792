package relay

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/mosaicnetworks/p2prelay/src/net"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// PingType is the Type of the messages published by the business ping.
const PingType = "ping"

// Ping is published periodically on every subscribed topic when
// BusinessPing is set, so that subscribers can tell a quiet topic from a dead
// relay.
type Ping struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// Marshal returns the JSON encoding of the ping.
func (p *Ping) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(p); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal parses a JSON encoded ping.
func (p *Ping) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoderBytes(data, jh)

	return dec.Decode(p)
}

// Subscribe registers handler for the messages published on topic. The
// election topic is reserved.
func (r *Relay) Subscribe(topic string, handler func(net.Envelope)) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	if topic == r.Engine.ElectionTopic() {
		return fmt.Errorf("topic %s is reserved for the election", topic)
	}

	if err := r.Transport.Subscribe(topic, handler); err != nil {
		return err
	}

	r.topicLock.Lock()
	r.topics[topic] = true
	r.topicLock.Unlock()

	r.logger.WithField("topic", topic).Debug("Subscribed")

	return nil
}

// Unsubscribe removes the handler of topic.
func (r *Relay) Unsubscribe(topic string) error {
	if topic == r.Engine.ElectionTopic() {
		return fmt.Errorf("topic %s is reserved for the election", topic)
	}

	r.topicLock.Lock()
	defer r.topicLock.Unlock()

	if !r.topics[topic] {
		return fmt.Errorf("not subscribed to %s", topic)
	}

	if err := r.Transport.Unsubscribe(topic); err != nil {
		return err
	}

	delete(r.topics, topic)

	return nil
}

// Topics returns the subscribed topics, election topic included, in sorted
// order.
func (r *Relay) Topics() []string {
	r.topicLock.RLock()
	defer r.topicLock.RUnlock()

	res := make([]string, 0, len(r.topics))
	for t := range r.topics {
		res = append(res, t)
	}
	sort.Strings(res)

	return res
}

// Publish broadcasts payload on topic. When DiagnosePublishing is set, a
// publication that fails or reaches nobody is handed to the doctor.
func (r *Relay) Publish(topic string, payload []byte) (net.Receipt, error) {
	receipt, err := r.Transport.Broadcast(topic, payload)

	if err != nil || len(receipt.Recipients) == 0 {
		if r.Doctor != nil {
			r.Doctor.RecordFailure(topic, payload, receipt, err)
		}
	}

	if err != nil {
		r.logger.WithError(err).WithField("topic", topic).Debug("Publish failed")
	}

	return receipt, err
}

// businessPing publishes a Ping on every subscribed topic, except the
// election topic, until shutdown.
func (r *Relay) businessPing(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	electionTopic := r.Engine.ElectionTopic()

	for {
		select {
		case <-ticker.C:
			ping := Ping{
				Type:      PingType,
				From:      r.Transport.LocalID(),
				Timestamp: time.Now().UnixNano(),
			}

			data, err := ping.Marshal()
			if err != nil {
				r.logger.WithError(err).Error("Marshalling ping")
				continue
			}

			for _, topic := range r.Topics() {
				if topic == electionTopic {
					continue
				}

				receipt, err := r.Publish(topic, data)
				if err != nil {
					continue
				}

				r.logger.WithFields(logrus.Fields{
					"topic":      topic,
					"recipients": len(receipt.Recipients),
				}).Debug("Business ping")
			}
		case <-r.shutdownCh:
			return
		}
	}
}
