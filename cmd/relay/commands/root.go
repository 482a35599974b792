package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

func init() {
	RootCmd.PersistentFlags().String("datadir", _config.Relay.DataDir, "Top-level directory for configuration and data")
	RootCmd.PersistentFlags().String("log", _config.Relay.LogLevel, "debug, info, warn, error, fatal, panic")
	RootCmd.PersistentFlags().String("log-dir", _config.Relay.LogDir, "Also write logs to files in this directory")
}

//RootCmd is the root command for the relay
var RootCmd = &cobra.Command{
	Use:              "relay",
	Short:            "peer-to-peer relay with leader election",
	TraverseChildren: true,
}
