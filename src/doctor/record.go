package doctor

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"
)

// KeyPrefix is the prefix of the keys of queued records.
const KeyPrefix = "diagnostic"

// Record is a publication that failed or reached no peer.
type Record struct {
	Timestamp  int64  `json:"timestamp"`
	Topic      string `json:"topic"`
	Payload    []byte `json:"payload"`
	Recipients int    `json:"recipients"`
	Cause      string `json:"cause,omitempty"`
}

// Time returns the Timestamp as a time.Time.
func (r *Record) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// Marshal returns the JSON encoding of the record.
func (r *Record) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(r); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal parses a JSON encoded record.
func (r *Record) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(r)
}

// recordKey returns the key of a record. Fixed-width timestamps make
// lexicographic key order chronological.
func recordKey(timestamp int64) string {
	return fmt.Sprintf("%s::%020d", KeyPrefix, timestamp)
}

// clock hands out strictly increasing timestamps, so that records enqueued
// within the same nanosecond still get distinct keys.
type clock struct {
	last int64
	now  func() time.Time
}

func (c *clock) next() int64 {
	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
