package election

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/p2prelay/src/common"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultResultTimeout is how long a node waits for competing elections
	// before computing the result of its own.
	DefaultResultTimeout = 10 * time.Second
	// DefaultHeartbeatInterval is the period of heartbeats and pings.
	DefaultHeartbeatInterval = 3 * time.Second
	// DefaultLeaderTimeout is how long a follower waits for a heartbeat from
	// the leader before starting a new election.
	DefaultLeaderTimeout = 10 * time.Second
	// DefaultAllHandsTimeout is how long a node waits for traffic from any
	// peer before declaring itself leader.
	DefaultAllHandsTimeout = 10 * time.Second
)

// Config parameterises an Engine.
type Config struct {
	// SelfID is the PeerID of this node. It defaults to the LocalID of the
	// transport.
	SelfID string

	// Version is the protocol version announced in messages. Peers with an
	// older version are ignored.
	Version string

	// GroupKey scopes the election to the nodes that share it.
	GroupKey string

	ResultTimeout     time.Duration
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	AllHandsTimeout   time.Duration

	Logger *logrus.Entry

	clock clock
}

// DefaultConfig returns a Config with default timeouts.
func DefaultConfig() Config {
	logger := logrus.New()
	logger.Level = logrus.InfoLevel

	return Config{
		Version:           DefaultVersion,
		ResultTimeout:     DefaultResultTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		LeaderTimeout:     DefaultLeaderTimeout,
		AllHandsTimeout:   DefaultAllHandsTimeout,
		Logger:            logrus.NewEntry(logger),
	}
}

// TestConfig returns a Config with short timeouts and a logger writing to t.
func TestConfig(t testing.TB, selfID string) Config {
	conf := DefaultConfig()
	conf.SelfID = selfID
	conf.ResultTimeout = 150 * time.Millisecond
	conf.HeartbeatInterval = 40 * time.Millisecond
	conf.LeaderTimeout = 400 * time.Millisecond
	conf.AllHandsTimeout = 600 * time.Millisecond
	conf.Logger = common.NewTestLogger(t, logrus.DebugLevel).WithField("component", "election")
	return conf
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = DefaultResultTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LeaderTimeout <= 0 {
		c.LeaderTimeout = DefaultLeaderTimeout
	}
	if c.AllHandsTimeout <= 0 {
		c.AllHandsTimeout = DefaultAllHandsTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.New())
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
}
