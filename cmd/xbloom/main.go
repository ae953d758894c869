package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "xbloom",
	Short: "Control an xBloom coffee machine over Bluetooth LE",
	Long: `xbloom - command line control for xBloom coffee machines.

Provides commands to discover machines, monitor their live state, run
recipe-based brews and bridge a machine onto an MQTT broker for home
automation use.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.StandardLogger().SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
