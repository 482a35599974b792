package election

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerSource is the part of the transport Membership cross-checks against.
type PeerSource interface {
	Subscribers(topic string) ([]string, error)
	ConnectedPeers() ([]string, error)
}

// CandidatePeer is what a node knows about a peer it heard from on the
// election topic.
type CandidatePeer struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Count     uint64    `json:"count"`
}

// Membership is the set of peers learned from election traffic. It only
// shrinks on explicit disconnection. Peers that vanish silently are filtered
// out by IntercommunicablePeers, which intersects the set with the current
// subscribers of the election topic.
type Membership struct {
	sync.RWMutex

	ownVersion string
	topic      string
	source     PeerSource
	peers      map[string]*CandidatePeer
	now        func() time.Time

	logger *logrus.Entry
}

// NewMembership returns an empty Membership gating peers on ownVersion.
func NewMembership(ownVersion string, topic string, source PeerSource, logger *logrus.Entry) *Membership {
	return &Membership{
		ownVersion: ownVersion,
		topic:      topic,
		source:     source,
		peers:      make(map[string]*CandidatePeer),
		now:        time.Now,
		logger:     logger,
	}
}

// AddPeer records that peerID announced version. Peers announcing a version
// older than ours are not added and AddPeer returns false. Re-adding a known
// peer updates its bookkeeping.
func (m *Membership) AddPeer(version string, peerID string) (bool, error) {
	if version == "" || peerID == "" {
		return false, errors.New("empty version or peer id")
	}

	if CompareVersions(version, m.ownVersion) < 0 {
		m.logger.WithFields(logrus.Fields{
			"peer":    shortID(peerID),
			"version": version,
		}).Debug("Ignoring peer with older protocol version")
		return false, nil
	}

	m.Lock()
	defer m.Unlock()

	now := m.now()

	p, ok := m.peers[peerID]
	if !ok {
		p = &CandidatePeer{
			ID:        peerID,
			FirstSeen: now,
		}
		m.peers[peerID] = p
		m.logger.WithField("peer", shortID(peerID)).Debug("New candidate peer")
	}

	p.Version = version
	p.LastSeen = now
	p.Count++

	return true, nil
}

// RemovePeer forgets a peer. It returns false if the peer was unknown.
func (m *Membership) RemovePeer(peerID string) bool {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.peers[peerID]; !ok {
		return false
	}

	delete(m.peers, peerID)

	return true
}

// IntercommunicablePeers returns the known peers that are also subscribed to
// the election topic. A transport error yields an empty list.
func (m *Membership) IntercommunicablePeers() []string {
	subscribers, err := m.source.Subscribers(m.topic)
	if err != nil {
		m.logger.WithError(err).Warn("Error fetching subscribers")
		return []string{}
	}

	m.RLock()
	defer m.RUnlock()

	res := []string{}
	for _, s := range subscribers {
		if _, ok := m.peers[s]; ok {
			res = append(res, s)
		}
	}

	sort.Strings(res)

	return res
}

// QueryConnectedPeers returns the transport's connection registry. It is only
// used for diagnostics.
func (m *Membership) QueryConnectedPeers() ([]string, error) {
	return m.source.ConnectedPeers()
}

// Known returns the identities of all the known peers, sorted.
func (m *Membership) Known() []string {
	m.RLock()
	defer m.RUnlock()

	res := make([]string, 0, len(m.peers))
	for id := range m.peers {
		res = append(res, id)
	}

	sort.Strings(res)

	return res
}

// Peer returns a copy of the bookkeeping of a known peer.
func (m *Membership) Peer(peerID string) (CandidatePeer, bool) {
	m.RLock()
	defer m.RUnlock()

	p, ok := m.peers[peerID]
	if !ok {
		return CandidatePeer{}, false
	}

	return *p, true
}

// Peers returns a copy of the bookkeeping of all known peers, sorted by id.
func (m *Membership) Peers() []CandidatePeer {
	m.RLock()
	defer m.RUnlock()

	res := make([]CandidatePeer, 0, len(m.peers))
	for _, p := range m.peers {
		res = append(res, *p)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })

	return res
}

// Len returns the number of known peers.
func (m *Membership) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.peers)
}
