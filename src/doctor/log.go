package doctor

// Log is a persistent FIFO queue of records.
type Log interface {
	// Enqueue appends a record and returns its key. The record's Timestamp is
	// overwritten.
	Enqueue(r Record) (string, error)

	// Front returns the oldest record and its key.
	Front() (string, Record, error)

	// Dequeue removes and returns the oldest record.
	Dequeue() (Record, error)

	// Get returns the record with the given key.
	Get(key string) (Record, error)

	// Delete removes the record with the given key.
	Delete(key string) error

	// Size returns the number of records.
	Size() (int, error)

	// Keys returns at most limit keys, oldest first, skipping offset keys. A
	// negative limit means no limit.
	Keys(offset, limit int) ([]string, error)

	// Clear removes all the records.
	Clear() error

	// Close releases the resources held by the log.
	Close() error
}
