package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/p2prelay/src/net/wamp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewHubCmd returns the command that runs the WAMP hub the relays connect to
func NewHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the WAMP hub relays broadcast through",
		RunE:  runHub,
	}

	AddHubFlags(cmd)

	return cmd
}

//AddHubFlags adds flags to the hub command
func AddHubFlags(cmd *cobra.Command) {
	cmd.Flags().String("hub-listen", _config.Relay.HubListen, "Listen IP:Port for the hub")
	cmd.Flags().String("realm", _config.Relay.Realm, "WAMP realm shared by the relays")
	cmd.Flags().String("hub-cert", _config.Relay.HubCertFile, "TLS certificate of the hub")
	cmd.Flags().String("hub-key", _config.Relay.HubKeyFile, "TLS private key of the hub")
}

// runHub starts the WAMP server and waits for a SIGINT or SIGTERM
func runHub(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	logger := _config.Relay.Logger().WithField("component", "hub")

	server, err := wamp.NewServer(
		_config.Relay.HubListen,
		_config.Relay.Realm,
		_config.Relay.HubCertFile,
		_config.Relay.HubKeyFile,
		logger,
	)
	if err != nil {
		return err
	}

	go func() {
		if err := server.Run(); err != nil {
			logger.WithError(err).Error("Hub stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"listen": server.Addr(),
		"realm":  server.Realm(),
	}).Info("Hub running")

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	server.Shutdown()

	return nil
}
