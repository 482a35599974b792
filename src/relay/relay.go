package relay

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/mosaicnetworks/p2prelay/src/config"
	"github.com/mosaicnetworks/p2prelay/src/crypto/keys"
	"github.com/mosaicnetworks/p2prelay/src/doctor"
	"github.com/mosaicnetworks/p2prelay/src/election"
	"github.com/mosaicnetworks/p2prelay/src/net"
	"github.com/mosaicnetworks/p2prelay/src/net/wamp"
	"github.com/mosaicnetworks/p2prelay/src/service"
	"github.com/sirupsen/logrus"
)

// Relay is a relay node: a transport, the election engine running on top of
// it, the optional diagnostic doctor and the optional status service.
type Relay struct {
	// Config is the configuration of the relay.
	Config *config.Config

	// Transport is the broadcast medium.
	Transport net.Transport

	// Engine is the leader election engine.
	Engine *election.Engine

	// DiagnosticLog holds the failed publications when DiagnosePublishing is
	// set.
	DiagnosticLog doctor.Log

	// Doctor republishes the records of DiagnosticLog.
	Doctor *doctor.Doctor

	// Service is the HTTP status service.
	Service *service.Service

	topicLock sync.RWMutex
	topics    map[string]bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	startOnce    sync.Once

	logger *logrus.Entry
}

// NewRelay is a factory method to produce a Relay instance.
func NewRelay(c *config.Config) *Relay {
	relay := &Relay{
		Config:     c,
		topics:     make(map[string]bool),
		shutdownCh: make(chan struct{}),
		logger:     c.Logger(),
	}

	return relay
}

// Init initialises the relay based on its configuration. It loads or creates
// the identity key, connects the transport, and creates the doctor, the
// election engine and the service.
func (r *Relay) Init() error {
	r.logger.Debug("Initializing relay")

	if err := r.initKey(); err != nil {
		r.logger.WithError(err).Error("relay.go:Init() initKey")
		return err
	}

	if err := r.initTransport(); err != nil {
		r.logger.WithError(err).Error("relay.go:Init() initTransport")
		return err
	}

	if err := r.initDoctor(); err != nil {
		r.logger.WithError(err).Error("relay.go:Init() initDoctor")
		r.rollback()
		return err
	}

	if err := r.initEngine(); err != nil {
		r.logger.WithError(err).Error("relay.go:Init() initEngine")
		r.rollback()
		return err
	}

	if err := r.initService(); err != nil {
		r.logger.WithError(err).Error("relay.go:Init() initService")
		r.rollback()
		return err
	}

	return nil
}

// Start subscribes to the election topic, starts the background routines and
// triggers the first election. It does not block.
func (r *Relay) Start() error {
	var err error

	r.startOnce.Do(func() {
		err = r.start()
	})

	return err
}

func (r *Relay) start() error {
	topic := r.Engine.ElectionTopic()

	if err := r.Transport.Subscribe(topic, r.onElectionMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %v", topic, err)
	}

	r.topicLock.Lock()
	r.topics[topic] = true
	r.topicLock.Unlock()

	go r.forwardPeerEvents()

	if r.Doctor != nil {
		r.Doctor.Run()
	}

	if r.Service != nil {
		go r.Service.Serve()
	}

	if r.Config.BusinessPing > 0 {
		go r.businessPing(r.Config.BusinessPing)
	}

	if err := r.Engine.Start(); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"self_id": r.Engine.SelfID(),
		"topic":   topic,
	}).Info("Relay started")

	return nil
}

// Run starts the relay and blocks until it receives SIGINT or SIGTERM, or
// until Shutdown is called.
func (r *Relay) Run() error {
	if err := r.Start(); err != nil {
		return err
	}

	// Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		r.logger.Info("Received signal, shutting down")
		r.Shutdown()
	case <-r.shutdownCh:
	}

	return nil
}

// Shutdown stops the engine first, so that nothing is broadcast afterwards,
// then the doctor, the service and the transport.
func (r *Relay) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Debug("Shutting down relay")

		close(r.shutdownCh)

		if r.Engine != nil {
			r.Engine.Stop()
		}

		if r.Doctor != nil {
			r.Doctor.Shutdown()
		}

		if r.Service != nil {
			r.Service.Shutdown()
		}

		if r.Transport != nil {
			r.topicLock.Lock()
			for topic := range r.topics {
				if err := r.Transport.Unsubscribe(topic); err != nil {
					r.logger.WithError(err).WithField("topic", topic).Debug("Unsubscribing")
				}
				delete(r.topics, topic)
			}
			r.topicLock.Unlock()

			if err := r.Transport.Close(); err != nil {
				r.logger.WithError(err).Error("Closing transport")
			}
		}

		if r.DiagnosticLog != nil {
			if err := r.DiagnosticLog.Close(); err != nil {
				r.logger.WithError(err).Error("Closing diagnostic log")
			}
		}
	})
}

// Snapshot returns the election state.
func (r *Relay) Snapshot() election.Snapshot {
	return r.Engine.Snapshot()
}

// IsLeader returns true if this relay believes it is the leader.
func (r *Relay) IsLeader() bool {
	return r.Engine.IsLeader()
}

// LeaderID returns the PeerID of the leader, or the empty string if there is
// none.
func (r *Relay) LeaderID() string {
	return r.Engine.LeaderID()
}

// CheckHealth reports the connected peers, the subscribed topics and the
// subscribers of the election topic.
func (r *Relay) CheckHealth() (net.Health, error) {
	r.topicLock.RLock()
	topicCount := len(r.topics)
	r.topicLock.RUnlock()

	return net.CheckHealth(r.Transport, r.Engine.ElectionTopic(), topicCount)
}

// GetStats returns information about the relay.
func (r *Relay) GetStats() map[string]string {
	snap := r.Engine.Snapshot()

	s := map[string]string{
		"self_id":            snap.SelfID,
		"topic":              snap.Topic,
		"state":              snap.State.String(),
		"leader_id":          snap.LeaderID,
		"is_leader":          strconv.FormatBool(snap.IsLeader),
		"election_running":   strconv.FormatBool(snap.ElectionInProgress),
		"num_peers":          strconv.Itoa(len(snap.Peers)),
		"elections_started":  strconv.FormatUint(snap.Stats.ElectionsStarted, 10),
		"victories":          strconv.FormatUint(snap.Stats.Victories, 10),
		"messages_sent":      strconv.FormatUint(snap.Stats.MessagesSent, 10),
		"messages_received":  strconv.FormatUint(snap.Stats.MessagesReceived, 10),
		"messages_rejected":  strconv.FormatUint(snap.Stats.MessagesRejected, 10),
		"broadcast_failures": strconv.FormatUint(snap.Stats.BroadcastFailures, 10),
		"transport":          r.Config.Transport,
	}

	if r.Doctor != nil {
		enqueued, treated, size := r.Doctor.Stats()
		s["doctor_enqueued"] = strconv.FormatUint(enqueued, 10)
		s["doctor_treated"] = strconv.FormatUint(treated, 10)
		s["doctor_queue_size"] = strconv.Itoa(size)
	}

	return s
}

/*******************************************************************************
Init
*******************************************************************************/

func (r *Relay) initKey() error {
	if r.Config.Key != nil || r.Config.PeerID != "" {
		return nil
	}

	keyfile := keys.NewSimpleKeyfile(r.Config.Keyfile())

	key, generated, err := keyfile.LoadOrGenerate()
	if err != nil {
		return err
	}

	if generated {
		r.logger.WithField("path", keyfile.Path()).Info("Created a new key")
	}

	r.Config.Key = key

	return nil
}

// identity is the PeerID override if any, or the identity derived from the
// key.
func (r *Relay) identity() string {
	if r.Config.PeerID != "" {
		return r.Config.PeerID
	}
	return keys.PeerID(r.Config.Key)
}

func (r *Relay) initTransport() error {
	if r.Transport != nil {
		return nil
	}

	id := r.identity()

	switch r.Config.Transport {
	case config.TransportInmem:
		if r.Config.InmemNetwork == nil {
			r.Config.InmemNetwork = net.NewInmemNetwork()
		}

		transport, err := r.Config.InmemNetwork.Join(id)
		if err != nil {
			return err
		}

		r.Transport = transport
	case config.TransportWAMP, "":
		transport, err := wamp.NewTransport(
			id,
			wamp.Config{
				Addr:               r.Config.HubAddr,
				Realm:              r.Config.Realm,
				CAFile:             r.Config.HubCAFile,
				TLS:                r.Config.HubTLS,
				InsecureSkipVerify: r.Config.HubSkipVerify,
				ResponseTimeout:    r.Config.ResponseTimeout,
			},
			r.logger.WithField("component", "wamp"),
		)
		if err != nil {
			return err
		}

		r.Transport = transport
	default:
		return fmt.Errorf("unknown transport %q", r.Config.Transport)
	}

	r.logger.WithFields(logrus.Fields{
		"transport": r.Config.Transport,
		"id":        id,
	}).Debug("Transport ready")

	return nil
}

func (r *Relay) initDoctor() error {
	if !r.Config.DiagnosePublishing {
		return nil
	}

	if r.Config.Store {
		r.logger.WithField("path", r.Config.DatabaseDir).Debug("Opening diagnostic database")

		log, err := doctor.NewBadgerLog(r.Config.DatabaseDir, r.logger)
		if err != nil {
			return err
		}

		r.DiagnosticLog = log
	} else {
		r.DiagnosticLog = doctor.NewInmemLog()
	}

	r.Doctor = doctor.NewDoctor(
		r.DiagnosticLog,
		r.Transport,
		r.Config.DoctorInterval,
		r.Config.DoctorMaxQueue,
		r.logger,
	)

	if r.Config.DoctorCPU > 0 || r.Config.DoctorMemory > 0 || r.Config.DoctorLag > 0 {
		r.Doctor.SetSystemStatus(&doctor.HostStatus{
			CPUThreshold:    r.Config.DoctorCPU,
			MemoryThreshold: r.Config.DoctorMemory,
			LagThreshold:    r.Config.DoctorLag,
		})
	}

	return nil
}

// rollback releases what a failed Init acquired, so that Init can be retried.
func (r *Relay) rollback() {
	r.Doctor = nil
	r.Engine = nil
	r.Service = nil

	if r.DiagnosticLog != nil {
		if err := r.DiagnosticLog.Close(); err != nil {
			r.logger.WithError(err).Error("Closing diagnostic log")
		}
		r.DiagnosticLog = nil
	}

	if r.Transport != nil {
		if err := r.Transport.Close(); err != nil {
			r.logger.WithError(err).Error("Closing transport")
		}
		r.Transport = nil
	}
}

func (r *Relay) initEngine() error {
	conf := r.Config.ElectionConfig()
	conf.SelfID = r.identity()

	var recorder election.FailureRecorder
	if r.Doctor != nil {
		recorder = r.Doctor
	}

	engine, err := election.NewEngine(conf, r.Transport, recorder)
	if err != nil {
		return err
	}

	r.Engine = engine

	return nil
}

func (r *Relay) initService() error {
	if !r.Config.NoService {
		r.Service = service.NewService(r.Config.ServiceAddr, r, r.logger.WithField("component", "service"))
	}
	return nil
}

/*******************************************************************************
Background
*******************************************************************************/

func (r *Relay) onElectionMessage(env net.Envelope) {
	if err := r.Engine.HandleElectionMessage(env); err != nil {
		r.logger.WithError(err).Debug("Election message dropped")
	}
}

func (r *Relay) forwardPeerEvents() {
	events := r.Transport.PeerEvents()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.Engine.HandlePeerEvent(ev); err != nil {
				r.logger.WithError(err).Debug("Peer event dropped")
			}
		case <-r.shutdownCh:
			return
		}
	}
}
