package doctor

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"

	cm "github.com/mosaicnetworks/p2prelay/src/common"
)

const clearBatchSize = 1000

var keyPrefix = []byte(KeyPrefix + "::")

// BadgerLog implements the Log interface on top of a Badger database, so that
// the queue survives restarts.
type BadgerLog struct {
	sync.Mutex
	db    *badger.DB
	path  string
	clock clock
}

// NewBadgerLog opens an existing database or creates a new one if nothing is
// found in path.
func NewBadgerLog(path string, logger *logrus.Entry) (*BadgerLog, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithTruncate(true)

	if logger != nil {
		sub := logger.WithFields(logrus.Fields{"ns": "badger"})
		opts = opts.WithLogger(sub)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	l := &BadgerLog{
		db:    handle,
		path:  path,
		clock: clock{now: time.Now},
	}

	// Resume the key sequence where the last process left it.
	last, err := l.dbLastTimestamp()
	if err != nil {
		handle.Close()
		return nil, err
	}
	l.clock.last = last

	return l, nil
}

// Enqueue implements the Log interface.
func (l *BadgerLog) Enqueue(r Record) (string, error) {
	l.Lock()
	defer l.Unlock()

	r.Timestamp = l.clock.next()
	key := recordKey(r.Timestamp)

	val, err := r.Marshal()
	if err != nil {
		return "", err
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return "", err
	}

	return key, nil
}

// Front implements the Log interface.
func (l *BadgerLog) Front() (string, Record, error) {
	keys, err := l.Keys(0, 1)
	if err != nil {
		return "", Record{}, err
	}

	if len(keys) == 0 {
		return "", Record{}, cm.NewStoreErr("BadgerLog", cm.Empty, "")
	}

	r, err := l.Get(keys[0])
	if err != nil {
		return "", Record{}, err
	}

	return keys[0], r, nil
}

// Dequeue implements the Log interface.
func (l *BadgerLog) Dequeue() (Record, error) {
	l.Lock()
	defer l.Unlock()

	var res Record

	err := l.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		it.Seek(keyPrefix)
		if !it.ValidForPrefix(keyPrefix) {
			return cm.NewStoreErr("BadgerLog", cm.Empty, "")
		}

		item := it.Item()
		key := item.KeyCopy(nil)

		err := item.Value(func(data []byte) error {
			return res.Unmarshal(data)
		})
		if err != nil {
			return err
		}

		return txn.Delete(key)
	})

	return res, err
}

// Get implements the Log interface.
func (l *BadgerLog) Get(key string) (Record, error) {
	var data []byte

	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return Record{}, mapError(err, "Record", key)
	}

	var r Record
	if err := r.Unmarshal(data); err != nil {
		return Record{}, err
	}

	return r, nil
}

// Delete implements the Log interface.
func (l *BadgerLog) Delete(key string) error {
	l.Lock()
	defer l.Unlock()

	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})

	return mapError(err, "Record", key)
}

// Size implements the Log interface.
func (l *BadgerLog) Size() (int, error) {
	keys, err := l.Keys(0, -1)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keys implements the Log interface.
func (l *BadgerLog) Keys(offset, limit int) ([]string, error) {
	res := []string{}

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		i := 0
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			if limit >= 0 && len(res) >= limit {
				break
			}
			if i >= offset {
				res = append(res, string(it.Item().KeyCopy(nil)))
			}
			i++
		}

		return nil
	})

	return res, err
}

// Clear implements the Log interface.
func (l *BadgerLog) Clear() error {
	l.Lock()
	defer l.Unlock()

	keys, err := l.Keys(0, -1)
	if err != nil {
		return err
	}

	// Large queues do not fit in a single transaction.
	for len(keys) > 0 {
		n := len(keys)
		if n > clearBatchSize {
			n = clearBatchSize
		}

		err := l.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys[:n] {
				if err := txn.Delete([]byte(k)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		keys = keys[n:]
	}

	return nil
}

// Close implements the Log interface.
func (l *BadgerLog) Close() error {
	return l.db.Close()
}

// Path returns the directory of the Badger database.
func (l *BadgerLog) Path() string {
	return l.path
}

func (l *BadgerLog) dbLastTimestamp() (int64, error) {
	var last int64

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// seek past the last key of the prefix
		it.Seek(append(append([]byte{}, keyPrefix...), 0xff))
		if !it.ValidForPrefix(keyPrefix) {
			return nil
		}

		item, err := l.recordAt(it)
		if err != nil {
			return err
		}

		last = item.Timestamp

		return nil
	})

	return last, err
}

func (l *BadgerLog) recordAt(it *badger.Iterator) (Record, error) {
	var r Record
	err := it.Item().Value(func(data []byte) error {
		return r.Unmarshal(data)
	})
	return r, err
}

func isDBKeyNotFound(err error) bool {
	return err != nil && err.Error() == badger.ErrKeyNotFound.Error()
}

func mapError(err error, name, key string) error {
	if isDBKeyNotFound(err) {
		return cm.NewStoreErr(name, cm.KeyNotFound, key)
	}
	return err
}
