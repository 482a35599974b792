package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/p2prelay/src/common"
	"github.com/mosaicnetworks/p2prelay/src/election"
	"github.com/mosaicnetworks/p2prelay/src/net"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the relay's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database of the diagnostic log
	DefaultBadgerFile = "badger_db"

	// DefaultConfigName is the name, without extension, of the optional
	// configuration file in the datadir.
	DefaultConfigName = "relay"
)

// Transport kinds.
const (
	TransportWAMP  = "wamp"
	TransportInmem = "inmem"
)

// Default configuration values.
const (
	DefaultLogLevel           = "debug"
	DefaultTransport          = TransportWAMP
	DefaultHubAddr            = "127.0.0.1:2443"
	DefaultRealm              = "relay"
	DefaultHubTLS             = false
	DefaultHubSkipVerify      = false
	DefaultResponseTimeout    = 5 * time.Second
	DefaultGroupKey           = ""
	DefaultElectionVersion    = election.DefaultVersion
	DefaultResultTimeout      = election.DefaultResultTimeout
	DefaultHeartbeatInterval  = election.DefaultHeartbeatInterval
	DefaultLeaderTimeout      = election.DefaultLeaderTimeout
	DefaultAllHandsTimeout    = election.DefaultAllHandsTimeout
	DefaultDiagnosePublishing = false
	DefaultStore              = false
	DefaultDoctorInterval     = 3 * time.Second
	DefaultDoctorMaxQueue     = 9999
	DefaultDoctorCPU          = 75.0
	DefaultDoctorMemory       = 100.0
	DefaultDoctorLag          = 100 * time.Millisecond
	DefaultBusinessPing       = time.Duration(0)
	DefaultNoService          = false
	DefaultServiceAddr        = "127.0.0.1:8000"
	DefaultHubListen          = "127.0.0.1:2443"
)

// Config contains all the configuration properties of a relay node.
type Config struct {
	// DataDir is the top-level directory containing the keyfile, the
	// optional configuration file and the diagnostic database.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogDir, when set, additionally writes the logs to one file per level in
	// this directory.
	LogDir string `mapstructure:"log-dir"`

	// PeerID overrides the identity derived from the private key. Meant for
	// tests and demos.
	PeerID string `mapstructure:"peer-id"`

	// Transport selects the broadcast layer: "wamp" connects to a hub,
	// "inmem" runs on the in-process network in InmemNetwork.
	Transport string `mapstructure:"transport"`

	// HubAddr is the host:port of the WAMP hub.
	HubAddr string `mapstructure:"hub-addr"`

	// Realm is the WAMP realm shared by the relays of a deployment.
	Realm string `mapstructure:"realm"`

	// HubTLS connects to the hub over wss.
	HubTLS bool `mapstructure:"hub-tls"`

	// HubCAFile is a certificate to trust when connecting to the hub.
	HubCAFile string `mapstructure:"hub-ca"`

	// HubSkipVerify accepts any certificate presented by the hub. This should
	// be used only for testing.
	HubSkipVerify bool `mapstructure:"hub-skip-verify"`

	// ResponseTimeout bounds the calls to the hub's meta API.
	ResponseTimeout time.Duration `mapstructure:"timeout"`

	// GroupKey scopes the election to the relays sharing it. It selects the
	// topic and encrypts the election messages.
	GroupKey string `mapstructure:"group-key"`

	// ElectionVersion is announced in election messages. Peers announcing an
	// older version are ignored.
	ElectionVersion string `mapstructure:"election-version"`

	ResultTimeout     time.Duration `mapstructure:"result-timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	LeaderTimeout     time.Duration `mapstructure:"leader-timeout"`
	AllHandsTimeout   time.Duration `mapstructure:"all-hands-timeout"`

	// DiagnosePublishing records failed and unheard broadcasts and retries
	// them in the background.
	DiagnosePublishing bool `mapstructure:"diagnose-publishing"`

	// Store keeps the diagnostic log in Badger instead of memory.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	DoctorInterval time.Duration `mapstructure:"doctor-interval"`
	DoctorMaxQueue int           `mapstructure:"doctor-max-queue"`

	// DoctorCPU, DoctorMemory and DoctorLag are the load thresholds above
	// which the doctor skips its rounds. Zero disables a threshold.
	DoctorCPU    float64       `mapstructure:"doctor-cpu"`
	DoctorMemory float64       `mapstructure:"doctor-memory"`
	DoctorLag    time.Duration `mapstructure:"doctor-lag"`

	// BusinessPing, when positive, is the period at which the relay publishes
	// a ping on every subscribed topic.
	BusinessPing time.Duration `mapstructure:"business-ping"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP status service.
	ServiceAddr string `mapstructure:"service-listen"`

	// HubListen, HubCertFile and HubKeyFile configure the hub command.
	HubListen   string `mapstructure:"hub-listen"`
	HubCertFile string `mapstructure:"hub-cert"`
	HubKeyFile  string `mapstructure:"hub-key"`

	// Key is the private key of the relay. It is loaded from, or generated
	// into, Keyfile when nil.
	Key *ecdsa.PrivateKey

	// InmemNetwork is the network joined when Transport is "inmem". A private
	// network is created when nil.
	InmemNetwork *net.InmemNetwork

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		Transport:          DefaultTransport,
		HubAddr:            DefaultHubAddr,
		Realm:              DefaultRealm,
		HubTLS:             DefaultHubTLS,
		HubSkipVerify:      DefaultHubSkipVerify,
		ResponseTimeout:    DefaultResponseTimeout,
		GroupKey:           DefaultGroupKey,
		ElectionVersion:    DefaultElectionVersion,
		ResultTimeout:      DefaultResultTimeout,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		LeaderTimeout:      DefaultLeaderTimeout,
		AllHandsTimeout:    DefaultAllHandsTimeout,
		DiagnosePublishing: DefaultDiagnosePublishing,
		Store:              DefaultStore,
		DatabaseDir:        DefaultDatabaseDir(),
		DoctorInterval:     DefaultDoctorInterval,
		DoctorMaxQueue:     DefaultDoctorMaxQueue,
		DoctorCPU:          DefaultDoctorCPU,
		DoctorMemory:       DefaultDoctorMemory,
		DoctorLag:          DefaultDoctorLag,
		BusinessPing:       DefaultBusinessPing,
		NoService:          DefaultNoService,
		ServiceAddr:        DefaultServiceAddr,
		HubListen:          DefaultHubListen,
	}

	return config
}

// NewTestConfig returns a config object with default values, short election
// timeouts, the in-memory transport and a special logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.Transport = TransportInmem
	config.NoService = true
	config.ResultTimeout = 150 * time.Millisecond
	config.HeartbeatInterval = 40 * time.Millisecond
	config.LeaderTimeout = 400 * time.Millisecond
	config.AllHandsTimeout = 600 * time.Millisecond
	config.DoctorInterval = 50 * time.Millisecond
	config.DoctorCPU = 0
	config.DoctorMemory = 0
	config.DoctorLag = 0
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database directory
// if it is currently set to the default value. If the database directory is
// not currently the default, it means the user has explicitely set it to
// something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// ElectionTopic returns the topic the relays of this group elect on.
func (c *Config) ElectionTopic() string {
	return election.Topic(c.GroupKey)
}

// ElectionConfig returns the configuration of the election engine. SelfID is
// left empty unless PeerID is set, in which case the engine uses the
// transport's LocalID.
func (c *Config) ElectionConfig() election.Config {
	conf := election.DefaultConfig()
	conf.SelfID = c.PeerID
	conf.Version = c.ElectionVersion
	conf.GroupKey = c.GroupKey
	conf.ResultTimeout = c.ResultTimeout
	conf.HeartbeatInterval = c.HeartbeatInterval
	conf.LeaderTimeout = c.LeaderTimeout
	conf.AllHandsTimeout = c.AllHandsTimeout
	conf.Logger = c.Logger().WithField("component", "election")
	return conf
}

// Logger returns a formatted logrus Entry, with prefix set to "relay".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogDir != "" {
			c.addFileHook()
		}
	}
	return c.logger.WithField("prefix", "relay")
}

// addFileHook sends every level to its own file in LogDir. Levels whose file
// cannot be created are only written to stderr.
func (c *Config) addFileHook() {
	if err := os.MkdirAll(c.LogDir, 0700); err != nil {
		c.logger.WithError(err).Info("Failed to create log-dir, using default stderr")
		return
	}

	pathMap := lfshook.PathMap{}

	levels := map[logrus.Level]string{
		logrus.DebugLevel: "relay_debug.log",
		logrus.InfoLevel:  "relay_info.log",
		logrus.WarnLevel:  "relay_warn.log",
		logrus.ErrorLevel: "relay_error.log",
	}

	for level, name := range levels {
		path := filepath.Join(c.LogDir, name)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			c.logger.Infof("Failed to open %s file, using default stderr", path)
			continue
		}
		f.Close()

		pathMap[level] = path
	}

	c.logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level relay config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".P2PRelay")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "P2PRelay")
		} else {
			return filepath.Join(home, ".p2prelay")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
