package doctor

import (
	"sort"
	"sync"
	"time"

	cm "github.com/mosaicnetworks/p2prelay/src/common"
)

// InmemLog implements the Log interface in memory. It is used by tests and by
// relays running without a data directory.
type InmemLog struct {
	sync.Mutex
	keys    []string
	records map[string]Record
	clock   clock
	closed  bool
}

// NewInmemLog returns an empty InmemLog.
func NewInmemLog() *InmemLog {
	return &InmemLog{
		records: make(map[string]Record),
		clock:   clock{now: time.Now},
	}
}

// Enqueue implements the Log interface.
func (l *InmemLog) Enqueue(r Record) (string, error) {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return "", cm.NewStoreErr("InmemLog", cm.Closed, "")
	}

	r.Timestamp = l.clock.next()
	key := recordKey(r.Timestamp)

	l.keys = append(l.keys, key)
	l.records[key] = r

	return key, nil
}

// Front implements the Log interface.
func (l *InmemLog) Front() (string, Record, error) {
	l.Lock()
	defer l.Unlock()

	if len(l.keys) == 0 {
		return "", Record{}, cm.NewStoreErr("InmemLog", cm.Empty, "")
	}

	key := l.keys[0]

	return key, l.records[key], nil
}

// Dequeue implements the Log interface.
func (l *InmemLog) Dequeue() (Record, error) {
	l.Lock()
	defer l.Unlock()

	if len(l.keys) == 0 {
		return Record{}, cm.NewStoreErr("InmemLog", cm.Empty, "")
	}

	key := l.keys[0]
	r := l.records[key]

	l.keys = l.keys[1:]
	delete(l.records, key)

	return r, nil
}

// Get implements the Log interface.
func (l *InmemLog) Get(key string) (Record, error) {
	l.Lock()
	defer l.Unlock()

	r, ok := l.records[key]
	if !ok {
		return Record{}, cm.NewStoreErr("InmemLog", cm.KeyNotFound, key)
	}

	return r, nil
}

// Delete implements the Log interface.
func (l *InmemLog) Delete(key string) error {
	l.Lock()
	defer l.Unlock()

	if _, ok := l.records[key]; !ok {
		return cm.NewStoreErr("InmemLog", cm.KeyNotFound, key)
	}

	delete(l.records, key)

	i := sort.SearchStrings(l.keys, key)
	if i < len(l.keys) && l.keys[i] == key {
		l.keys = append(l.keys[:i], l.keys[i+1:]...)
	}

	return nil
}

// Size implements the Log interface.
func (l *InmemLog) Size() (int, error) {
	l.Lock()
	defer l.Unlock()
	return len(l.keys), nil
}

// Keys implements the Log interface.
func (l *InmemLog) Keys(offset, limit int) ([]string, error) {
	l.Lock()
	defer l.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.keys) {
		return []string{}, nil
	}

	end := len(l.keys)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}

	return append([]string{}, l.keys[offset:end]...), nil
}

// Clear implements the Log interface.
func (l *InmemLog) Clear() error {
	l.Lock()
	defer l.Unlock()

	l.keys = nil
	l.records = make(map[string]Record)

	return nil
}

// Close implements the Log interface.
func (l *InmemLog) Close() error {
	l.Lock()
	defer l.Unlock()
	l.closed = true
	return nil
}
