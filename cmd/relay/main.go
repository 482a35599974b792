package main

import (
	"os"

	cmd "github.com/mosaicnetworks/p2prelay/cmd/relay/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.VersionCmd,
		cmd.NewKeygenCmd(),
		cmd.NewRunCmd(),
		cmd.NewHubCmd(),
		cmd.NewDoctorCmd(),
	)

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
