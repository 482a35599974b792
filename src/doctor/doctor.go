package doctor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/mosaicnetworks/p2prelay/src/common"
	"github.com/mosaicnetworks/p2prelay/src/net"
)

const (
	// DefaultInterval is the period of the retry loop.
	DefaultInterval = 3 * time.Second
	// DefaultMaxQueueSize is the number of records beyond which the oldest
	// are discarded.
	DefaultMaxQueueSize = 9999
)

// Publisher is the part of the transport the doctor republishes through.
type Publisher interface {
	Broadcast(topic string, payload []byte) (net.Receipt, error)
}

// Doctor records failed publications and republishes them in the background.
type Doctor struct {
	// accessed atomically
	treated  uint64
	enqueued uint64
	working  int32

	log          Log
	publisher    Publisher
	status       SystemStatus
	interval     time.Duration
	maxQueueSize int

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	logger *logrus.Entry
}

// NewDoctor returns a Doctor working on log. A zero interval or queue size
// selects the default.
func NewDoctor(log Log, publisher Publisher, interval time.Duration, maxQueueSize int, logger *logrus.Entry) *Doctor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}

	return &Doctor{
		log:          log,
		publisher:    publisher,
		interval:     interval,
		maxQueueSize: maxQueueSize,
		shutdownCh:   make(chan struct{}),
		logger:       logger.WithField("component", "doctor"),
	}
}

// RecordFailure queues a publication that failed or reached nobody. It
// satisfies the election engine's FailureRecorder.
func (d *Doctor) RecordFailure(topic string, payload []byte, receipt net.Receipt, cause error) {
	r := Record{
		Topic:      topic,
		Payload:    payload,
		Recipients: len(receipt.Recipients),
	}
	if cause != nil {
		r.Cause = cause.Error()
	}

	key, err := d.log.Enqueue(r)
	if err != nil {
		d.logger.WithError(err).Error("Enqueuing diagnostic record")
		return
	}

	atomic.AddUint64(&d.enqueued, 1)

	d.logger.WithFields(logrus.Fields{
		"key":   key,
		"topic": topic,
	}).Debug("Publication queued for diagnosis")
}

// SetSystemStatus gates every round on status. Rounds are skipped while the
// system is busy. A nil status disables the gate.
func (d *Doctor) SetSystemStatus(status SystemStatus) {
	d.status = status
}

// Run starts the retry loop in the background.
func (d *Doctor) Run() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := d.Treat(); err != nil {
					d.logger.WithError(err).Warn("Treating diagnostic queue")
				}
			case <-d.shutdownCh:
				return
			}
		}
	}()
}

// Shutdown stops the retry loop and waits for the current round to complete.
func (d *Doctor) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
	d.wg.Wait()
}

// Treat republishes the oldest record, removes it, and trims the queue to its
// maximum size. It returns false without doing anything if another round is
// still running or the system is busy.
func (d *Doctor) Treat() (bool, error) {
	if !atomic.CompareAndSwapInt32(&d.working, 0, 1) {
		d.logger.Debug("Previous round still running")
		return false, nil
	}
	defer atomic.StoreInt32(&d.working, 0)

	if d.status != nil {
		idle, err := d.status.Idle()
		if err != nil {
			return false, err
		}
		if !idle {
			d.logger.Debug("System is busy")
			return false, nil
		}
	}

	key, r, err := d.log.Front()
	switch {
	case cm.IsStore(err, cm.Empty):
		return true, nil
	case err != nil:
		return true, err
	}

	receipt, err := d.publisher.Broadcast(r.Topic, r.Payload)

	d.logger.WithFields(logrus.Fields{
		"key":        key,
		"topic":      r.Topic,
		"recipients": len(receipt.Recipients),
		"error":      err,
	}).Debug("Republished")

	if err := d.log.Delete(key); err != nil && !cm.IsStore(err, cm.KeyNotFound) {
		return true, err
	}

	atomic.AddUint64(&d.treated, 1)

	return true, d.purge()
}

func (d *Doctor) purge() error {
	size, err := d.log.Size()
	if err != nil {
		return err
	}

	for ; size > d.maxQueueSize; size-- {
		if _, err := d.log.Dequeue(); err != nil {
			if cm.IsStore(err, cm.Empty) {
				return nil
			}
			return err
		}
	}

	return nil
}

// Stats returns the number of records enqueued and treated since the doctor
// was created, and the current size of the queue.
func (d *Doctor) Stats() (enqueued uint64, treated uint64, size int) {
	size, _ = d.log.Size()
	return atomic.LoadUint64(&d.enqueued), atomic.LoadUint64(&d.treated), size
}
