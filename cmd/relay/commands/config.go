package commands

import (
	"github.com/mosaicnetworks/p2prelay/src/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//CLIConfig contains configuration for the relay commands
type CLIConfig struct {
	Relay config.Config `mapstructure:",squash"`

	// DoctorDecrypt makes `doctor list` decrypt the recorded election
	// messages with the group key.
	DoctorDecrypt bool `mapstructure:"decrypt"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Relay: *config.NewDefaultConfig(),
	}
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/relay.toml (.json, .yaml also work)
	viper.SetConfigName(config.DefaultConfigName) // name of config file (without extension)
	viper.AddConfigPath(_config.Relay.DataDir)    // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Relay.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Relay.Logger().Debugf("No config file found in: %s", _config.Relay.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Relay.SetDataDir(_config.Relay.DataDir)

	return nil
}
