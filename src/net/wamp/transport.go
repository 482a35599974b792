package wamp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"

	rnet "github.com/mosaicnetworks/p2prelay/src/net"
)

const peerEventsSize = 256

// Config holds the connection options of a Transport.
type Config struct {
	// Addr is the host:port of the hub.
	Addr string

	// Realm is the WAMP realm shared by the relays.
	Realm string

	// CAFile is the certificate to trust when connecting to a TLS hub.
	CAFile string

	// TLS turns on wss://.
	TLS bool

	// InsecureSkipVerify accepts any certificate presented by the hub.
	InsecureSkipVerify bool

	// ResponseTimeout bounds calls to the meta API.
	ResponseTimeout time.Duration
}

// Transport implements net.Transport as a WAMP client.
type Transport struct {
	peerID          string
	client          *client.Client
	responseTimeout time.Duration
	seq             uint64

	// sessions maps WAMP sessions to the PeerIDs they published under
	sessionLock sync.RWMutex
	sessions    map[wamp.ID]string

	peerEvents chan rnet.PeerEvent

	shutdownLock sync.Mutex
	shutdown     bool

	logger *logrus.Entry
}

// NewTransport connects to the hub described by conf and returns a Transport
// publishing under peerID.
func NewTransport(peerID string, conf Config, logger *logrus.Entry) (*Transport, error) {
	cfg := client.Config{
		Realm:           conf.Realm,
		ResponseTimeout: conf.ResponseTimeout,
		Logger:          logger,
	}

	scheme := "ws"

	if conf.TLS {
		scheme = "wss"

		tlscfg, err := tlsConfig(conf, logger)
		if err != nil {
			return nil, err
		}

		cfg.TlsCfg = tlscfg
	}

	cli, err := client.ConnectNet(
		context.Background(),
		fmt.Sprintf("%s://%s", scheme, conf.Addr),
		cfg,
	)
	if err != nil {
		return nil, err
	}

	return newTransport(peerID, cli, conf.ResponseTimeout, logger)
}

// NewLocalTransport connects to an in-process router.
func NewLocalTransport(peerID string, r router.Router, realm string, responseTimeout time.Duration, logger *logrus.Entry) (*Transport, error) {
	cfg := client.Config{
		Realm:           realm,
		ResponseTimeout: responseTimeout,
		Logger:          logger,
	}

	cli, err := client.ConnectLocal(r, cfg)
	if err != nil {
		return nil, err
	}

	return newTransport(peerID, cli, responseTimeout, logger)
}

func newTransport(peerID string, cli *client.Client, responseTimeout time.Duration, logger *logrus.Entry) (*Transport, error) {
	if peerID == "" {
		cli.Close()
		return nil, errors.New("empty peer id")
	}

	if responseTimeout <= 0 {
		responseTimeout = 5 * time.Second
	}

	t := &Transport{
		peerID:          peerID,
		client:          cli,
		responseTimeout: responseTimeout,
		sessions:        make(map[wamp.ID]string),
		peerEvents:      make(chan rnet.PeerEvent, peerEventsSize),
		logger:          logger.WithField("session", cli.ID()),
	}

	if err := cli.Subscribe(metaSessionOnLeave, t.onLeave, nil); err != nil {
		cli.Close()
		return nil, fmt.Errorf("subscribing to %s: %v", metaSessionOnLeave, err)
	}

	return t, nil
}

func tlsConfig(conf Config, logger *logrus.Entry) (*tls.Config, error) {
	tlscfg := &tls.Config{}

	if conf.InsecureSkipVerify {
		logger.Debug("Skip Verify. Accepting any certificate provided by the hub.")
		tlscfg.InsecureSkipVerify = true
		return tlscfg, nil
	}

	if _, err := os.Stat(conf.CAFile); conf.CAFile == "" || os.IsNotExist(err) {
		logger.Debug("No certificate file found. Relying on platform trusted certificates.")
		return tlscfg, nil
	}

	certPEM, err := ioutil.ReadFile(conf.CAFile)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("Failed to import certificate to trust")
	}
	tlscfg.RootCAs = roots

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("Failed to decode certificate to trust")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Trusting certificate %s with CN: %s", conf.CAFile, cert.Subject.CommonName)

	// Accept the certificate even if the CN does not match the DNS name.
	tlscfg.ServerName = cert.Subject.CommonName

	return tlscfg, nil
}

// LocalID implements the Transport interface.
func (t *Transport) LocalID() string {
	return t.peerID
}

// Subscribe implements the Transport interface.
func (t *Transport) Subscribe(topic string, handler func(rnet.Envelope)) error {
	if handler == nil {
		return errors.New("nil handler")
	}

	return t.client.Subscribe(topic, func(event *wamp.Event) {
		env, err := t.parseEvent(topic, event)
		if err != nil {
			t.logger.WithError(err).WithField("topic", topic).Debug("Dropping malformed event")
			return
		}
		handler(env)
	}, nil)
}

// Unsubscribe implements the Transport interface.
func (t *Transport) Unsubscribe(topic string) error {
	return t.client.Unsubscribe(topic)
}

// Broadcast implements the Transport interface. WAMP publications are not
// acknowledged, so the receipt lists the subscribers known to the router at
// the time of publication.
func (t *Transport) Broadcast(topic string, payload []byte) (rnet.Receipt, error) {
	if t.isShutdown() {
		return rnet.Receipt{}, rnet.ErrTransportClosed
	}

	sessions, err := t.subscriberSessions(topic)
	if err != nil {
		t.logger.WithError(err).WithField("topic", topic).Debug("Looking up recipients")
	}

	args := wamp.List{
		t.peerID,
		base64.StdEncoding.EncodeToString(payload),
		atomic.AddUint64(&t.seq, 1),
	}

	opts := wamp.Dict{optDiscloseMe: true}

	if err := t.client.Publish(topic, opts, args, nil); err != nil {
		return rnet.Receipt{}, err
	}

	receipt := rnet.Receipt{}
	for _, s := range sessions {
		if peer, ok := t.peerOf(s); ok {
			receipt.Recipients = append(receipt.Recipients, peer)
		} else {
			receipt.Recipients = append(receipt.Recipients, sessionName(s))
		}
	}

	return receipt, nil
}

// Subscribers implements the Transport interface. Sessions that have not yet
// published anything have no known PeerID and are left out.
func (t *Transport) Subscribers(topic string) ([]string, error) {
	sessions, err := t.subscriberSessions(topic)
	if err != nil {
		return nil, err
	}

	res := []string{}
	for _, s := range sessions {
		if peer, ok := t.peerOf(s); ok {
			res = append(res, peer)
		}
	}

	sort.Strings(res)

	return res, nil
}

// ConnectedPeers implements the Transport interface. Sessions with no known
// PeerID are reported by session number.
func (t *Transport) ConnectedPeers() ([]string, error) {
	if t.isShutdown() {
		return nil, rnet.ErrTransportClosed
	}

	result, err := t.call(metaSessionList)
	if err != nil {
		return nil, err
	}

	res := []string{}
	for _, s := range idList(result) {
		if s == t.client.ID() {
			continue
		}
		if peer, ok := t.peerOf(s); ok {
			res = append(res, peer)
		} else {
			res = append(res, sessionName(s))
		}
	}

	sort.Strings(res)

	return res, nil
}

// PeerEvents implements the Transport interface. A PeerConnect is emitted the
// first time a session is seen publishing, and a PeerDisconnect when the
// router reports that the session left.
func (t *Transport) PeerEvents() <-chan rnet.PeerEvent {
	return t.peerEvents
}

// Close implements the Transport interface.
func (t *Transport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true

	return t.client.Close()
}

func (t *Transport) isShutdown() bool {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	return t.shutdown
}

func (t *Transport) call(procedure string, args ...interface{}) (*wamp.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.responseTimeout)
	defer cancel()

	return t.client.Call(ctx, procedure, nil, wamp.List(args), nil, nil)
}

// subscriberSessions returns the sessions subscribed to topic, other than our
// own.
func (t *Transport) subscriberSessions(topic string) ([]wamp.ID, error) {
	if t.isShutdown() {
		return nil, rnet.ErrTransportClosed
	}

	result, err := t.call(metaSubscriptionLookup, topic)
	if err != nil {
		return nil, err
	}

	if len(result.Arguments) == 0 || result.Arguments[0] == nil {
		return nil, nil
	}

	subID, ok := wamp.AsID(result.Arguments[0])
	if !ok {
		return nil, fmt.Errorf("unexpected subscription id %v", result.Arguments[0])
	}

	result, err = t.call(metaSubscriptionSubscribers, subID)
	if err != nil {
		return nil, err
	}

	var res []wamp.ID
	for _, s := range idList(result) {
		if s != t.client.ID() {
			res = append(res, s)
		}
	}

	return res, nil
}

func (t *Transport) parseEvent(topic string, event *wamp.Event) (rnet.Envelope, error) {
	if len(event.Arguments) != 3 {
		return rnet.Envelope{}, fmt.Errorf("event should contain 3 arguments, not %d", len(event.Arguments))
	}

	from, ok := wamp.AsString(event.Arguments[0])
	if !ok || from == "" {
		return rnet.Envelope{}, errors.New("error reading publisher id")
	}

	encoded, ok := wamp.AsString(event.Arguments[1])
	if !ok {
		return rnet.Envelope{}, errors.New("error reading payload")
	}

	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return rnet.Envelope{}, fmt.Errorf("error decoding payload: %v", err)
	}

	seq, _ := wamp.AsInt64(event.Arguments[2])

	if session, ok := wamp.AsID(event.Details[detailsPublisher]); ok {
		t.learn(session, from)
	}

	return rnet.Envelope{
		Topic:          topic,
		Body:           body,
		From:           from,
		SequenceNumber: uint64(seq),
	}, nil
}

func (t *Transport) learn(session wamp.ID, peer string) {
	t.sessionLock.Lock()
	known, ok := t.sessions[session]
	t.sessions[session] = peer
	t.sessionLock.Unlock()

	if !ok || known != peer {
		t.logger.WithFields(logrus.Fields{
			"peer":    peer,
			"session": session,
		}).Debug("Learned session")
		t.pushPeerEvent(rnet.PeerEvent{Type: rnet.PeerConnect, PeerID: peer})
	}
}

func (t *Transport) peerOf(session wamp.ID) (string, bool) {
	t.sessionLock.RLock()
	defer t.sessionLock.RUnlock()
	p, ok := t.sessions[session]
	return p, ok
}

func (t *Transport) onLeave(event *wamp.Event) {
	if len(event.Arguments) == 0 {
		return
	}

	session, ok := wamp.AsID(event.Arguments[0])
	if !ok {
		return
	}

	t.sessionLock.Lock()
	peer, ok := t.sessions[session]
	delete(t.sessions, session)
	t.sessionLock.Unlock()

	if ok {
		t.logger.WithField("peer", peer).Debug("Session left")
		t.pushPeerEvent(rnet.PeerEvent{Type: rnet.PeerDisconnect, PeerID: peer})
	}
}

func (t *Transport) pushPeerEvent(ev rnet.PeerEvent) {
	select {
	case t.peerEvents <- ev:
	default:
		t.logger.WithField("peer", ev.PeerID).Warn("Peer event channel full")
	}
}

func idList(result *wamp.Result) []wamp.ID {
	if result == nil || len(result.Arguments) == 0 {
		return nil
	}

	list, ok := wamp.AsList(result.Arguments[0])
	if !ok {
		return nil
	}

	res := make([]wamp.ID, 0, len(list))
	for _, v := range list {
		if id, ok := wamp.AsID(v); ok {
			res = append(res, id)
		}
	}
	return res
}

func sessionName(s wamp.ID) string {
	return fmt.Sprintf("session-%d", s)
}
