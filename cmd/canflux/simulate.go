package canflux

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/sim"
	"github.com/spf13/cobra"
)

var (
	simBroker    string
	simTopic     string
	simInterval  time.Duration
	simPlaintext bool
	simSeed      int64
	simCatalog   string
)

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Aliases: []string{"sim"},
	Short:   "Publish generated CAN telemetry",
	Long:    `Publish one encrypted frame per catalog message at a fixed interval, standing in for a bench telemetry unit.`,
	RunE:    runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	opts := sim.Options{
		Broker:    simBroker,
		Topic:     simTopic,
		Interval:  simInterval,
		Plaintext: simPlaintext,
		Seed:      simSeed,
		Logger:    newLogger(logLevel),
	}

	if simCatalog != "" {
		messages, err := canbus.Load(simCatalog)
		if err != nil {
			return fmt.Errorf("load catalog %s: %w", simCatalog, err)
		}
		if opts.Catalog, err = canbus.New(messages...); err != nil {
			return fmt.Errorf("build catalog: %w", err)
		}
	}

	simulator, err := sim.New(opts)
	if err != nil {
		return err
	}

	return simulator.Run(ctx)
}

func init() {
	simulateCmd.Flags().StringVar(&simBroker, "broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	simulateCmd.Flags().StringVar(&simTopic, "topic", "can/data", "Topic frames are published to")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 5*time.Second, "Delay between publish rounds")
	simulateCmd.Flags().BoolVar(&simPlaintext, "plaintext", false, "Publish raw frames instead of encrypted envelopes")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "Random seed, 0 seeds from the clock")
	simulateCmd.Flags().StringVar(&simCatalog, "catalog", "", "JSON signal catalog, empty uses the built-in one")
}
