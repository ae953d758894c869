package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xbloom-community/xbloom/client"
	"github.com/xbloom-community/xbloom/conn"
	"github.com/xbloom-community/xbloom/db/influx"
	"github.com/xbloom-community/xbloom/recipe"
	"github.com/xbloom-community/xbloom/workflow"
)

var (
	brewRecipeFile string
	brewNoGrind    bool
	brewNoWait     bool
	brewTimeout    int

	brewInfluxAddr string
	brewInfluxUser string
	brewInfluxPass string
	brewInfluxDB   string
)

var brewCmd = &cobra.Command{
	Use:   "brew <address>",
	Short: "Run a recipe-based brew",
	Args:  cobra.ExactArgs(1),
	RunE:  runBrew,
}

func init() {
	rootCmd.AddCommand(brewCmd)
	brewCmd.Flags().StringVarP(&brewRecipeFile, "recipe", "f", "", "Recipe JSON file")
	brewCmd.Flags().BoolVar(&brewNoGrind, "no-grind", false, "Brew with pre-ground coffee")
	brewCmd.Flags().BoolVar(&brewNoWait, "no-wait", false, "Return after starting the brew instead of waiting for completion")
	brewCmd.Flags().IntVar(&brewTimeout, "timeout", 600, "Brew completion timeout in seconds")
	brewCmd.Flags().StringVar(&brewInfluxAddr, "influx-addr", "", "InfluxDB address for brew telemetry (empty disables)")
	brewCmd.Flags().StringVar(&brewInfluxUser, "influx-user", "", "InfluxDB username")
	brewCmd.Flags().StringVar(&brewInfluxPass, "influx-pass", "", "InfluxDB password")
	brewCmd.Flags().StringVar(&brewInfluxDB, "influx-db", "coffee", "InfluxDB database name")
	brewCmd.MarkFlagRequired("recipe")
}

func runBrew(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(brewRecipeFile)
	if err != nil {
		return err
	}
	r, err := recipe.DecodeJSON(data)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	session := client.NewSession(conn.NewBLETransport())
	if err := session.Connect(ctx, args[0]); err != nil {
		return err
	}
	defer session.Disconnect()

	var options []func(*workflow.Orchestrator)
	if brewInfluxAddr != "" {
		options = append(options, workflow.WithTelemetrySink(
			influx.New(brewInfluxAddr, brewInfluxUser, brewInfluxPass), brewInfluxDB))
	}
	orchestrator := workflow.New(session, options...)

	logrus.StandardLogger().Infof("Brewing %q (%d pours, %dml)", r.Name, len(r.Pours), r.TotalVolume())

	timeout := time.Duration(brewTimeout) * time.Second
	if brewNoGrind {
		err = orchestrator.BrewWithoutGrinding(ctx, r, !brewNoWait, timeout)
	} else {
		err = orchestrator.Brew(ctx, r, !brewNoWait, timeout)
	}
	if err != nil {
		return err
	}

	logrus.StandardLogger().Infof("Brew complete, enjoy")
	return nil
}
