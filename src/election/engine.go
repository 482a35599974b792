package election

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/p2prelay/src/crypto"
	"github.com/mosaicnetworks/p2prelay/src/net"
)

// BaseTopic is the election topic when no group key is configured.
const BaseTopic = "sync-leader-election"

const mailboxSize = 1024

// Broadcaster is the part of the transport the engine relies on.
type Broadcaster interface {
	PeerSource
	LocalID() string
	Broadcast(topic string, payload []byte) (net.Receipt, error)
}

// FailureRecorder is notified of broadcasts that failed or reached nobody.
type FailureRecorder interface {
	RecordFailure(topic string, payload []byte, receipt net.Receipt, cause error)
}

// Topic returns the election topic for groupKey. Relays with different group
// keys use disjoint topics.
func Topic(groupKey string) string {
	return topic(crypto.NewDigest(), groupKey)
}

func topic(d *crypto.Digest, groupKey string) string {
	if groupKey == "" {
		return BaseTopic
	}
	return fmt.Sprintf("%s-%s", BaseTopic, d.CalcHash(groupKey))
}

type event interface{}

type startEvent struct{}

type messageEvent struct {
	msg  Message
	from string
}

type peerEvent struct {
	event net.PeerEvent
}

type timerEvent struct {
	kind timerKind
	gen  uint64
}

type flushEvent struct {
	done chan struct{}
}

// Stats counts what an engine did since it started.
type Stats struct {
	ElectionsStarted  uint64 `json:"electionsStarted"`
	Victories         uint64 `json:"victories"`
	MessagesSent      uint64 `json:"messagesSent"`
	MessagesReceived  uint64 `json:"messagesReceived"`
	MessagesRejected  uint64 `json:"messagesRejected"`
	BroadcastFailures uint64 `json:"broadcastFailures"`
}

// Snapshot is a read-only copy of the election state, published after every
// transition.
type Snapshot struct {
	SelfID             string          `json:"selfId"`
	Topic              string          `json:"topic"`
	State              State           `json:"state"`
	IsLeader           bool            `json:"isLeader"`
	LeaderID           string          `json:"leaderId"`
	ElectionInProgress bool            `json:"electionInProgress"`
	Peers              []CandidatePeer `json:"peers"`
	Stats              Stats           `json:"stats"`
}

// Engine runs the Bully election over an unreliable broadcast medium.
// Priority between peers is the lexicographic order of the digests of their
// identities.
//
// All the election state is owned by a single goroutine that consumes a
// mailbox of events: inbound messages, peer events and timer fires. Each
// event is processed to completion before the next one. Other goroutines only
// ever see the Snapshot published after each event.
type Engine struct {
	// accessed atomically, first for 64-bit alignment
	stats Stats

	conf       Config
	selfID     string
	selfDigest string
	topic      string

	transport  Broadcaster
	recorder   FailureRecorder
	digest     *crypto.Digest
	channel    *crypto.SecureChannel
	membership *Membership

	// owned by the run loop
	isLeader           bool
	leaderID           string
	electionInProgress bool

	resultTimer    *controlTimer
	leaderTimer    *controlTimer
	allHandsTimer  *controlTimer
	heartbeatTimer *controlTimer

	mailbox    chan event
	shutdownCh chan struct{}
	doneCh     chan struct{}

	lifecycleLock sync.Mutex
	started       bool
	stopped       bool

	snapshot atomic.Value

	logger *logrus.Entry
}

// NewEngine returns an Engine broadcasting through transport. recorder may be
// nil.
func NewEngine(conf Config, transport Broadcaster, recorder FailureRecorder) (*Engine, error) {
	if transport == nil {
		return nil, ErrNoTransport
	}

	conf.setDefaults()

	selfID := conf.SelfID
	if selfID == "" {
		selfID = transport.LocalID()
	}
	if selfID == "" {
		return nil, ErrNoIdentity
	}

	digest := crypto.NewDigest()
	electionTopic := topic(digest, conf.GroupKey)

	logger := conf.Logger.WithFields(logrus.Fields{
		"this_id": shortID(selfID),
		"topic":   electionTopic,
	})

	e := &Engine{
		conf:       conf,
		selfID:     selfID,
		selfDigest: digest.CalcHash(selfID),
		topic:      electionTopic,
		transport:  transport,
		recorder:   recorder,
		digest:     digest,
		channel:    crypto.NewSecureChannel(),
		membership: NewMembership(conf.Version, electionTopic, transport, logger),
		mailbox:    make(chan event, mailboxSize),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}

	e.membership.now = conf.clock.Now

	e.resultTimer = newControlTimer(resultTimer, conf.clock, e.postTimer)
	e.leaderTimer = newControlTimer(leaderWatchdog, conf.clock, e.postTimer)
	e.allHandsTimer = newControlTimer(allHandsWatchdog, conf.clock, e.postTimer)
	e.heartbeatTimer = newControlTimer(heartbeatTick, conf.clock, e.postTimer)

	e.publishSnapshot()

	return e, nil
}

// Start launches the run loop and triggers the first election.
func (e *Engine) Start() error {
	e.lifecycleLock.Lock()
	defer e.lifecycleLock.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	go e.run()

	e.send(startEvent{})

	return nil
}

// Stop cancels all the timers and terminates the run loop. Nothing is
// broadcast once Stop has returned.
func (e *Engine) Stop() {
	e.lifecycleLock.Lock()
	if e.stopped {
		e.lifecycleLock.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	close(e.shutdownCh)
	e.lifecycleLock.Unlock()

	if started {
		<-e.doneCh
	}

	e.logger.Debug("Election engine stopped")
}

// HandlePeerEvent feeds a connectivity change to the engine.
func (e *Engine) HandlePeerEvent(ev net.PeerEvent) error {
	if ev.PeerID == "" {
		return fmt.Errorf("peer event with empty peer id")
	}
	return e.post(peerEvent{event: ev})
}

// HandleElectionMessage decrypts and validates an envelope received on the
// election topic and feeds it to the engine. The returned error says why a
// message was dropped. Messages claiming our own identity are dropped
// silently.
func (e *Engine) HandleElectionMessage(env net.Envelope) error {
	if env.Topic != "" && env.Topic != e.topic {
		return fmt.Errorf("%w: unexpected topic %s", ErrInvalidMessage, env.Topic)
	}

	var msg Message
	if err := e.channel.Decrypt(string(env.Body), e.conf.GroupKey, &msg); err != nil {
		atomic.AddUint64(&e.stats.MessagesRejected, 1)
		e.logger.WithError(err).WithField("from", shortID(env.From)).Debug("Dropping undecryptable message")
		return err
	}

	if err := msg.Validate(); err != nil {
		atomic.AddUint64(&e.stats.MessagesRejected, 1)
		e.logger.WithError(err).WithField("from", shortID(env.From)).Debug("Dropping invalid message")
		return err
	}

	if msg.PeerID == e.selfID {
		return nil
	}

	atomic.AddUint64(&e.stats.MessagesReceived, 1)

	return e.post(messageEvent{msg: msg, from: env.From})
}

// IsLeader returns true if this node believes it is the leader.
func (e *Engine) IsLeader() bool {
	return e.Snapshot().IsLeader
}

// LeaderID returns the PeerID of the leader, or the empty string if there is
// none.
func (e *Engine) LeaderID() string {
	return e.Snapshot().LeaderID
}

// ElectionTopic returns the topic election messages are exchanged on.
func (e *Engine) ElectionTopic() string {
	return e.topic
}

// SelfID returns the PeerID of this node.
func (e *Engine) SelfID() string {
	return e.selfID
}

// Snapshot returns the last published state.
func (e *Engine) Snapshot() Snapshot {
	return e.snapshot.Load().(Snapshot)
}

// Membership returns the peers learned from election traffic.
func (e *Engine) Membership() *Membership {
	return e.membership
}

/*******************************************************************************
Run loop
*******************************************************************************/

func (e *Engine) run() {
	defer close(e.doneCh)

	for {
		select {
		case <-e.shutdownCh:
			e.stopTimers()
			return
		default:
		}

		select {
		case ev := <-e.mailbox:
			e.handle(ev)
			e.publishSnapshot()
		case <-e.shutdownCh:
			e.stopTimers()
			return
		}
	}
}

// post queues an event without blocking. The medium is lossy anyway, so a
// full mailbox drops the event.
func (e *Engine) post(ev event) error {
	select {
	case <-e.shutdownCh:
		return ErrStopped
	default:
	}

	select {
	case e.mailbox <- ev:
		return nil
	case <-e.shutdownCh:
		return ErrStopped
	default:
		e.logger.Warn("Mailbox full, dropping event")
		return errMailboxFull
	}
}

// send blocks until the event is queued or the engine stops.
func (e *Engine) send(ev event) {
	select {
	case e.mailbox <- ev:
	case <-e.shutdownCh:
	}
}

// postTimer is the fire function of the engine's timers. Timer events are
// never dropped.
func (e *Engine) postTimer(ev timerEvent) {
	e.send(ev)
}

// flush waits until every event queued before the call has been processed.
func (e *Engine) flush() {
	done := make(chan struct{})

	select {
	case e.mailbox <- flushEvent{done: done}:
	case <-e.shutdownCh:
		return
	}

	select {
	case <-done:
	case <-e.doneCh:
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case startEvent:
		e.onStart()
	case messageEvent:
		e.onMessage(ev.msg, ev.from)
	case peerEvent:
		e.onPeerEvent(ev.event)
	case timerEvent:
		e.onTimer(ev)
	case flushEvent:
		close(ev.done)
	default:
		e.logger.Errorf("Unknown event type %T", ev)
	}
}

func (e *Engine) stopTimers() {
	e.resultTimer.cancel()
	e.leaderTimer.cancel()
	e.allHandsTimer.cancel()
	e.heartbeatTimer.cancel()
}

func (e *Engine) publishSnapshot() {
	state := Follower
	switch {
	case e.isLeader:
		state = Leader
	case e.electionInProgress:
		state = Electing
	}

	e.snapshot.Store(Snapshot{
		SelfID:             e.selfID,
		Topic:              e.topic,
		State:              state,
		IsLeader:           e.isLeader,
		LeaderID:           e.leaderID,
		ElectionInProgress: e.electionInProgress,
		Peers:              e.membership.Peers(),
		Stats: Stats{
			ElectionsStarted:  atomic.LoadUint64(&e.stats.ElectionsStarted),
			Victories:         atomic.LoadUint64(&e.stats.Victories),
			MessagesSent:      atomic.LoadUint64(&e.stats.MessagesSent),
			MessagesReceived:  atomic.LoadUint64(&e.stats.MessagesReceived),
			MessagesRejected:  atomic.LoadUint64(&e.stats.MessagesRejected),
			BroadcastFailures: atomic.LoadUint64(&e.stats.BroadcastFailures),
		},
	})
}

/*******************************************************************************
Transitions
*******************************************************************************/

func (e *Engine) onStart() {
	e.logger.Info("Starting election engine")

	e.allHandsTimer.reset(e.conf.AllHandsTimeout)
	e.heartbeatTimer.reset(e.conf.HeartbeatInterval)

	e.startElection("startup")
}

func (e *Engine) startElection(reason string) {
	if e.electionInProgress {
		e.logger.WithField("reason", reason).Debug("Election already in progress")
		return
	}

	e.logger.WithField("reason", reason).Info("Starting election")

	e.electionInProgress = true
	e.isLeader = false
	e.leaderID = ""
	e.leaderTimer.cancel()

	atomic.AddUint64(&e.stats.ElectionsStarted, 1)

	e.broadcast(Election)

	e.resultTimer.reset(e.conf.ResultTimeout)
}

func (e *Engine) computeResult() {
	e.electionInProgress = false

	var higher []string
	for _, p := range e.membership.IntercommunicablePeers() {
		if e.digest.CalcHash(p) > e.selfDigest {
			higher = append(higher, p)
		}
	}

	if len(higher) == 0 {
		e.announceVictory()
		return
	}

	e.logger.WithField("higher", len(higher)).Info("Lost election, waiting for victory")

	if connected, err := e.membership.QueryConnectedPeers(); err == nil {
		e.logger.WithField("connected", len(connected)).Debug("Transport connection registry")
	}

	// A Victory that never arrives must not leave us without a leader.
	if !e.leaderTimer.armed() {
		e.leaderTimer.reset(e.conf.LeaderTimeout)
	}
}

func (e *Engine) announceVictory() {
	e.logger.Info("Won election")

	e.isLeader = true
	e.leaderID = e.selfID
	e.leaderTimer.cancel()

	atomic.AddUint64(&e.stats.Victories, 1)

	e.broadcast(Victory)
}

func (e *Engine) onMessage(msg Message, from string) {
	ok, err := e.membership.AddPeer(msg.Version, msg.PeerID)
	if err != nil || !ok {
		atomic.AddUint64(&e.stats.MessagesRejected, 1)
		return
	}

	logger := e.logger.WithFields(logrus.Fields{
		"type":     msg.Type,
		"proposer": shortID(msg.PeerID),
	})

	if from != "" && from != msg.PeerID {
		logger.WithField("from", shortID(from)).Debug("Message relayed by another peer")
	}

	switch msg.Type {
	case Election:
		e.onElection(msg.PeerID, logger)
	case Victory:
		e.onVictory(msg.PeerID, logger)
	case Heartbeat:
		e.onHeartbeat(msg.PeerID, logger)
	case Ping:
		e.allHandsTimer.reset(e.conf.AllHandsTimeout)
	}
}

func (e *Engine) onElection(proposer string, logger *logrus.Entry) {
	proposerDigest := e.digest.CalcHash(proposer)

	canWin := e.selfDigest >= proposerDigest
	if canWin && e.leaderID != "" {
		canWin = e.selfDigest >= e.digest.CalcHash(e.leaderID)
	}

	if !canWin {
		logger.Debug("Yielding to higher priority election")
		return
	}

	e.startElection(fmt.Sprintf("challenged by %s", shortID(proposer)))
}

func (e *Engine) onVictory(proposer string, logger *logrus.Entry) {
	proposerDigest := e.digest.CalcHash(proposer)

	if e.leaderID != "" && proposerDigest < e.digest.CalcHash(e.leaderID) {
		logger.WithField("leader", shortID(e.leaderID)).Info("Rejecting victory from lower priority than the leader")
		atomic.AddUint64(&e.stats.MessagesRejected, 1)
		return
	}

	if proposerDigest < e.selfDigest {
		logger.Info("Rejecting victory from lower priority than self")
		atomic.AddUint64(&e.stats.MessagesRejected, 1)
		return
	}

	if e.leaderID != proposer {
		logger.Info("New leader")
	}

	e.leaderID = proposer
	e.isLeader = proposer == e.selfID

	if !e.isLeader {
		e.leaderTimer.reset(e.conf.LeaderTimeout)
	}
}

func (e *Engine) onHeartbeat(proposer string, logger *logrus.Entry) {
	e.allHandsTimer.reset(e.conf.AllHandsTimeout)

	if e.leaderID == "" {
		logger.Debug("Rejecting heartbeat, no leader recognized")
		atomic.AddUint64(&e.stats.MessagesRejected, 1)
		return
	}

	if proposer == e.leaderID {
		e.leaderTimer.reset(e.conf.LeaderTimeout)
		return
	}

	if e.digest.CalcHash(proposer) > e.digest.CalcHash(e.leaderID) {
		logger.WithField("previous", shortID(e.leaderID)).Info("Adopting higher priority leader")
		e.leaderID = proposer
		e.isLeader = false
		e.leaderTimer.reset(e.conf.LeaderTimeout)
		return
	}

	logger.WithField("leader", shortID(e.leaderID)).Debug("Ignoring heartbeat from lower priority peer")
}

func (e *Engine) onPeerEvent(ev net.PeerEvent) {
	logger := e.logger.WithFields(logrus.Fields{
		"peer":  shortID(ev.PeerID),
		"event": ev.Type,
	})

	switch ev.Type {
	case net.PeerConnect:
		logger.Debug("Peer connected")
	case net.PeerDisconnect:
		logger.Debug("Peer disconnected")

		e.membership.RemovePeer(ev.PeerID)

		if ev.PeerID == e.leaderID && !e.isLeader {
			e.leaderID = ""
			e.leaderTimer.cancel()
			e.startElection("leader disconnected")
		}
	}
}

func (e *Engine) onTimer(ev timerEvent) {
	var t *controlTimer
	switch ev.kind {
	case resultTimer:
		t = e.resultTimer
	case leaderWatchdog:
		t = e.leaderTimer
	case allHandsWatchdog:
		t = e.allHandsTimer
	case heartbeatTick:
		t = e.heartbeatTimer
	}

	if t == nil || !t.accept(ev) {
		return
	}

	switch ev.kind {
	case resultTimer:
		e.computeResult()
	case leaderWatchdog:
		e.logger.WithField("leader", shortID(e.leaderID)).Info("Leader timed out")
		e.leaderID = ""
		e.isLeader = false
		e.startElection("leader timeout")
	case allHandsWatchdog:
		e.onIsolation()
	case heartbeatTick:
		if e.isLeader {
			e.broadcast(Heartbeat)
		} else {
			e.broadcast(Ping)
		}
		e.heartbeatTimer.reset(e.conf.HeartbeatInterval)
	}
}

// onIsolation declares this node leader without an election: no peer has
// been heard from, so there is nobody to compare with.
func (e *Engine) onIsolation() {
	e.logger.Info("No traffic from any peer, assuming leadership")

	e.resultTimer.cancel()
	e.electionInProgress = false
	e.leaderTimer.cancel()

	if !e.isLeader {
		atomic.AddUint64(&e.stats.Victories, 1)
	}

	e.isLeader = true
	e.leaderID = e.selfID

	e.broadcast(Victory)

	e.allHandsTimer.reset(e.conf.AllHandsTimeout)
}

func (e *Engine) broadcast(t MessageType) {
	msg, err := NewMessage(t, e.conf.Version, e.selfID)
	if err != nil {
		e.logger.WithError(err).Error("Building message")
		return
	}

	cipherText, err := e.channel.Encrypt(msg, e.conf.GroupKey)
	if err != nil {
		e.logger.WithError(err).Error("Encrypting message")
		return
	}

	payload := []byte(cipherText)

	receipt, err := e.transport.Broadcast(e.topic, payload)
	if err != nil {
		atomic.AddUint64(&e.stats.BroadcastFailures, 1)
		e.logger.WithError(err).WithField("type", t).Warn("Broadcast failed")
		e.record(payload, receipt, err)
		return
	}

	atomic.AddUint64(&e.stats.MessagesSent, 1)

	if len(receipt.Recipients) == 0 {
		e.logger.WithField("type", t).Debug("Broadcast reached no peer")
		e.record(payload, receipt, nil)
		return
	}

	e.logger.WithFields(logrus.Fields{
		"type":       t,
		"recipients": len(receipt.Recipients),
	}).Debug("Broadcast")
}

func (e *Engine) record(payload []byte, receipt net.Receipt, cause error) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordFailure(e.topic, payload, receipt, cause)
}
