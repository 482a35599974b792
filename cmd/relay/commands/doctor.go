package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/mosaicnetworks/p2prelay/src/crypto"
	"github.com/mosaicnetworks/p2prelay/src/doctor"
	"github.com/mosaicnetworks/p2prelay/src/election"
	"github.com/spf13/cobra"
)

var (
	listOffset int
	listLimit  int
)

// NewDoctorCmd returns the command that inspects the diagnostic log of a
// stopped relay.
func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Inspect the publications recorded by the doctor",
	}

	cmd.PersistentFlags().String("db", _config.Relay.DatabaseDir, "Dabatabase directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded publications, oldest first",
		RunE:  listRecords,
	}
	list.Flags().IntVar(&listOffset, "offset", 0, "Number of records to skip")
	list.Flags().IntVar(&listLimit, "limit", 100, "Max number of records to show, negative for all")
	list.Flags().Bool("decrypt", false, "Decrypt election messages with the group key")
	list.Flags().String("group-key", _config.Relay.GroupKey, "Group key of the election")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all recorded publications",
		RunE:  clearRecords,
	}

	cmd.AddCommand(list, clearCmd)

	return cmd
}

func openDiagnosticLog(cmd *cobra.Command) (*doctor.BadgerLog, error) {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return nil, err
	}

	return doctor.NewBadgerLog(
		_config.Relay.DatabaseDir,
		_config.Relay.Logger().WithField("component", "doctor"),
	)
}

func listRecords(cmd *cobra.Command, args []string) error {
	log, err := openDiagnosticLog(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	size, err := log.Size()
	if err != nil {
		return err
	}

	keys, err := log.Keys(listOffset, listLimit)
	if err != nil {
		return err
	}

	channel := crypto.NewSecureChannel()

	for _, k := range keys {
		r, err := log.Get(k)
		if err != nil {
			return err
		}

		color.Cyan("%s %s", k, r.Time().Format(time.RFC3339Nano))
		fmt.Printf("  topic: %s\n", r.Topic)

		if r.Recipients == 0 {
			color.Red("  recipients: 0")
		} else {
			fmt.Printf("  recipients: %d\n", r.Recipients)
		}

		if r.Cause != "" {
			color.Red("  cause: %s", r.Cause)
		}

		if !_config.DoctorDecrypt {
			fmt.Printf("  payload: %d bytes\n", len(r.Payload))
			continue
		}

		var msg election.Message
		if err := channel.Decrypt(string(r.Payload), _config.Relay.GroupKey, &msg); err != nil {
			color.Yellow("  payload: %v", err)
			continue
		}
		color.Green("  message: %s", msg.String())
	}

	fmt.Printf("%d of %d records\n", len(keys), size)

	return nil
}

func clearRecords(cmd *cobra.Command, args []string) error {
	log, err := openDiagnosticLog(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	size, err := log.Size()
	if err != nil {
		return err
	}

	if err := log.Clear(); err != nil {
		return err
	}

	color.Green("Removed %d records from %s", size, log.Path())

	return nil
}
