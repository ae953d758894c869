package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xbloom-community/xbloom/bridge"
	"github.com/xbloom-community/xbloom/client"
	"github.com/xbloom-community/xbloom/conn"
)

var (
	bridgeBroker     string
	bridgeClientID   string
	bridgeUsername   string
	bridgePassword   string
	bridgeDeviceName string
	bridgeAddress    string
	bridgeInterval   int
	bridgeIdle       int
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose a machine on an MQTT broker",
	Long: `Bridge a machine onto an MQTT broker.

Commands are consumed from xbloom/<name>/command/..., status is
published retained under xbloom/<name>/status/....`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeBroker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	bridgeCmd.Flags().StringVar(&bridgeClientID, "client-id", "xbloom-bridge", "MQTT client id")
	bridgeCmd.Flags().StringVar(&bridgeUsername, "username", "", "MQTT username")
	bridgeCmd.Flags().StringVar(&bridgePassword, "password", "", "MQTT password")
	bridgeCmd.Flags().StringVar(&bridgeDeviceName, "name", "xbloom", "Device name used in the topic tree")
	bridgeCmd.Flags().StringVar(&bridgeAddress, "address", "", "BLE address of the machine")
	bridgeCmd.Flags().IntVar(&bridgeInterval, "telemetry-interval", 5, "Telemetry republish interval in seconds")
	bridgeCmd.Flags().IntVar(&bridgeIdle, "idle-timeout", 0, "Disconnect BLE after this many idle seconds (0 disables)")
	bridgeCmd.MarkFlagRequired("address")
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	config := bridge.Config{
		BrokerURL:         bridgeBroker,
		ClientID:          bridgeClientID,
		Username:          bridgeUsername,
		Password:          bridgePassword,
		DeviceName:        bridgeDeviceName,
		DeviceAddress:     bridgeAddress,
		TelemetryInterval: time.Duration(bridgeInterval) * time.Second,
		IdleTimeout:       time.Duration(bridgeIdle) * time.Second,
	}

	session := client.NewSession(conn.NewBLETransport())
	b := bridge.New(session, config)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
