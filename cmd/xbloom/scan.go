package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xbloom-community/xbloom/conn"
)

var (
	scanTimeout int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover xBloom machines in range",
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 10, "Scan duration in seconds")
}

func runScan(cmd *cobra.Command, args []string) error {
	logrus.StandardLogger().Infof("Scanning for machines (%ds) ...", scanTimeout)

	devices, err := conn.Discover(time.Duration(scanTimeout) * time.Second)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		logrus.StandardLogger().Infof("No machines found")
		return nil
	}

	for _, d := range devices {
		logrus.StandardLogger().Infof("Found %s (%s, RSSI %d)", d.Name, d.Address, d.RSSI)
	}
	return nil
}
