package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xbloom-community/xbloom"
	"github.com/xbloom-community/xbloom/client"
	"github.com/xbloom-community/xbloom/conn"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <address>",
	Short: "Connect to a machine and log its state changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	session := client.NewSession(conn.NewBLETransport())
	if err := session.Connect(ctx, args[0]); err != nil {
		return err
	}
	defer session.Disconnect()

	session.OnStatusUpdate(func(status xbloom.DeviceStatus) {
		logrus.StandardLogger().Infof("State %s | weight %.1fg | temperature %.1f°C | water %dml",
			status.State, status.Scale.Weight, status.Brewer.Temperature, status.WaterVolume)
	})

	logrus.StandardLogger().Infof("Monitoring %s, press Ctrl-C to stop", args[0])
	<-ctx.Done()

	return nil
}
