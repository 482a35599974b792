package commands

import (
	"github.com/mosaicnetworks/p2prelay/src/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//NewRunCmd returns the command that starts a relay node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run relay node",
		PreRunE: loadConfig,
		RunE:    runRelay,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runRelay(cmd *cobra.Command, args []string) error {
	r := relay.NewRelay(&_config.Relay)

	if err := r.Init(); err != nil {
		_config.Relay.Logger().Error("Cannot initialize relay:", err)
		return err
	}

	return r.Run()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("peer-id", _config.Relay.PeerID, "Override the identity derived from the private key")

	// Transport
	cmd.Flags().String("transport", _config.Relay.Transport, "wamp or inmem")
	cmd.Flags().String("hub-addr", _config.Relay.HubAddr, "IP:Port of the WAMP hub")
	cmd.Flags().String("realm", _config.Relay.Realm, "WAMP realm shared by the relays")
	cmd.Flags().Bool("hub-tls", _config.Relay.HubTLS, "Connect to the hub over wss")
	cmd.Flags().String("hub-ca", _config.Relay.HubCAFile, "Certificate to trust when connecting to the hub")
	cmd.Flags().Bool("hub-skip-verify", _config.Relay.HubSkipVerify, "Accept any hub certificate (testing only)")
	cmd.Flags().DurationP("timeout", "t", _config.Relay.ResponseTimeout, "Timeout of calls to the hub")

	// Election
	cmd.Flags().String("group-key", _config.Relay.GroupKey, "Key scoping and encrypting the election")
	cmd.Flags().String("election-version", _config.Relay.ElectionVersion, "Election protocol version announced to peers")
	cmd.Flags().Duration("result-timeout", _config.Relay.ResultTimeout, "Time to wait for competing elections")
	cmd.Flags().Duration("heartbeat-interval", _config.Relay.HeartbeatInterval, "Time between heartbeats")
	cmd.Flags().Duration("leader-timeout", _config.Relay.LeaderTimeout, "Time without heartbeat before a new election")
	cmd.Flags().Duration("all-hands-timeout", _config.Relay.AllHandsTimeout, "Time without any election traffic before self-election")

	// Doctor
	cmd.Flags().Bool("diagnose-publishing", _config.Relay.DiagnosePublishing, "Record and retry publications that reached nobody")
	cmd.Flags().Bool("store", _config.Relay.Store, "Use badgerDB instead of in-mem DB for the diagnostic log")
	cmd.Flags().String("db", _config.Relay.DatabaseDir, "Dabatabase directory")
	cmd.Flags().Duration("doctor-interval", _config.Relay.DoctorInterval, "Time between retries of recorded publications")
	cmd.Flags().Int("doctor-max-queue", _config.Relay.DoctorMaxQueue, "Max number of recorded publications")
	cmd.Flags().Float64("doctor-cpu", _config.Relay.DoctorCPU, "CPU usage (%) above which the doctor waits, 0 to disable")
	cmd.Flags().Float64("doctor-memory", _config.Relay.DoctorMemory, "Memory usage (%) above which the doctor waits, 0 to disable")
	cmd.Flags().Duration("doctor-lag", _config.Relay.DoctorLag, "Scheduling lag above which the doctor waits, 0 to disable")
	cmd.Flags().Duration("business-ping", _config.Relay.BusinessPing, "Time between pings on subscribed topics, 0 to disable")

	// Service
	cmd.Flags().Bool("no-service", _config.Relay.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.Relay.ServiceAddr, "Listen IP:Port for HTTP service")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	logFields := logrus.Fields{
		"relay.DataDir":            _config.Relay.DataDir,
		"relay.LogLevel":           _config.Relay.LogLevel,
		"relay.LogDir":             _config.Relay.LogDir,
		"relay.PeerID":             _config.Relay.PeerID,
		"relay.Transport":          _config.Relay.Transport,
		"relay.HubAddr":            _config.Relay.HubAddr,
		"relay.Realm":              _config.Relay.Realm,
		"relay.HubTLS":             _config.Relay.HubTLS,
		"relay.ElectionTopic":      _config.Relay.ElectionTopic(),
		"relay.ElectionVersion":    _config.Relay.ElectionVersion,
		"relay.ResultTimeout":      _config.Relay.ResultTimeout,
		"relay.HeartbeatInterval":  _config.Relay.HeartbeatInterval,
		"relay.LeaderTimeout":      _config.Relay.LeaderTimeout,
		"relay.AllHandsTimeout":    _config.Relay.AllHandsTimeout,
		"relay.DiagnosePublishing": _config.Relay.DiagnosePublishing,
		"relay.NoService":          _config.Relay.NoService,
		"relay.ServiceAddr":        _config.Relay.ServiceAddr,
	}

	if _config.Relay.DiagnosePublishing {
		logFields["relay.Store"] = _config.Relay.Store
		logFields["relay.DatabaseDir"] = _config.Relay.DatabaseDir
		logFields["relay.DoctorInterval"] = _config.Relay.DoctorInterval
	}

	_config.Relay.Logger().WithFields(logFields).Debug("RUN")

	return nil
}
