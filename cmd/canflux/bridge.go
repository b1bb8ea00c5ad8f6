package canflux

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/canflux/canflux/pkg/anomaly"
	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/dedup"
	"github.com/canflux/canflux/pkg/fleet"
	"github.com/canflux/canflux/pkg/ingest"
	"github.com/canflux/canflux/pkg/metrics"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Register built-in connectors
	_ "github.com/canflux/canflux/pkg/pipeline/peer/archive"
	_ "github.com/canflux/canflux/pkg/pipeline/peer/clickhouse"
	_ "github.com/canflux/canflux/pkg/pipeline/peer/debug"
	_ "github.com/canflux/canflux/pkg/pipeline/peer/influx"
	_ "github.com/canflux/canflux/pkg/pipeline/peer/kafka"
	"github.com/canflux/canflux/pkg/pipeline/peer/mqtt"
	"github.com/canflux/canflux/pkg/pipeline/peer/nats"
	"github.com/canflux/canflux/pkg/pipeline/peer/ws"
)

var (
	prometheusEnabled bool
	prometheusAddr    string
)

var bridgeCmd = &cobra.Command{
	Use:     "bridge",
	Aliases: []string{"b"},
	Short:   "Run the telemetry bridge",
	Long:    `Run the bridge: subscribe to raw CAN payloads, decode them, and fan events out to the configured sinks.`,
	RunE:    runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Explicit flags win over file and environment settings
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = prometheusEnabled
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = prometheusAddr
	}

	logger := newLogger(logLevel)
	defer logger.Sync() //nolint:errcheck

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	doneChan := make(chan struct{})

	var wg sync.WaitGroup

	decoder, cleanup, err := buildDecoder(ctx, &wg, logger)
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	defer cleanup()

	m := pipeline.NewManager()

	if err := m.Init(&cfg.Config); err != nil {
		return fmt.Errorf("failed to initialize peers: %w", err)
	}

	installDecoder(m, decoder)

	if cfg.Metrics.Enabled {
		extra := map[string]http.Handler{"/healthz": metrics.Healthz()}
		for path, handler := range liveHandlers(m) {
			extra[path] = handler
		}
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:  cfg.Metrics.Addr,
			Extra: extra,
		})
	}

	if err := startBridgeProcessing(ctx, m, &wg, errChan); err != nil {
		return fmt.Errorf("failed to start pipeline processing: %w", err)
	}

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	case err := <-errChan:
		log.Printf("Pipeline error: %v", err)
		cancel()
	}

	// Wait for goroutines to complete
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	// Wait with timeout
	select {
	case <-doneChan:
		log.Println("Shutdown complete")
	case <-time.After(10 * time.Second):
		log.Println("Shutdown timed out after 10 seconds")
	}

	// Disconnect last so batching sinks flush what the drained pipelines
	// handed them
	disconnectPeers(m)

	return nil
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// buildDecoder assembles the decode chain from the bridge config: signal
// catalog, envelope key, replay suppression, fleet attribution, and anomaly
// detection. The returned cleanup releases dedup and registry connections.
func buildDecoder(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger) (*ingest.Decoder, func(), error) {
	bridge := cfg.Bridge
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	catalog := canbus.Default()
	if bridge.CatalogFile != "" {
		messages, err := canbus.Load(bridge.CatalogFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("load catalog %s: %w", bridge.CatalogFile, err)
		}
		if catalog, err = canbus.New(messages...); err != nil {
			return nil, cleanup, fmt.Errorf("build catalog: %w", err)
		}
		if bridge.WatchCatalog {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := catalog.Watch(ctx, bridge.CatalogFile, logger); err != nil && ctx.Err() == nil {
					logger.Warn("catalog watch stopped", zap.Error(err))
				}
			}()
		}
	}

	var deduper dedup.Deduper = dedup.Nop{}
	if bridge.Dedup.Enabled {
		window := bridge.Dedup.Window
		if window <= 0 {
			window = time.Minute
		}
		memory := dedup.NewMemory(window, bridge.Dedup.MaxEntries)
		deduper = memory
		if bridge.Dedup.Redis != nil {
			redis, err := dedup.NewRedis(ctx, *bridge.Dedup.Redis)
			if err != nil {
				return nil, cleanup, fmt.Errorf("connect dedup store: %w", err)
			}
			// Shared window across replicas, falling back to the local one
			// when Redis is unreachable
			deduper = dedup.NewFailover(redis, memory, logger)
		}
		closers = append(closers, func() { deduper.Close() }) //nolint:errcheck
	}

	assigner, err := buildFleet(ctx, wg, logger, &closers)
	if err != nil {
		return nil, cleanup, err
	}

	var detector *anomaly.Detector
	if bridge.Anomaly.Enabled {
		detector = anomaly.New(bridge.Anomaly.Config, logger)
	}

	decoder, err := ingest.NewDecoder(ingest.Options{
		Catalog:        catalog,
		Key:            []byte(bridge.Key),
		AllowPlaintext: bridge.AllowPlaintext,
		Deduper:        deduper,
		Fleet:          assigner,
		Detector:       detector,
		Logger:         logger,
	})
	if err != nil {
		return nil, cleanup, err
	}
	return decoder, cleanup, nil
}

func buildFleet(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, closers *[]func()) (*fleet.Assigner, error) {
	fc := cfg.Bridge.Fleet

	if fc.Registry != "" {
		registry, err := fleet.NewRegistry(ctx, fc.Registry, logger)
		if err != nil {
			return nil, fmt.Errorf("connect fleet registry: %w", err)
		}
		*closers = append(*closers, registry.Close)

		assigner := fleet.Default()
		vehicles, err := registry.Vehicles(ctx)
		switch {
		case err != nil:
			logger.Warn("fleet registry read failed, starting with demo fleet", zap.Error(err))
		case len(vehicles) == 0:
			logger.Warn("fleet registry is empty, starting with demo fleet")
		default:
			if assigner, err = fleet.NewAssigner(vehicles); err != nil {
				return nil, fmt.Errorf("fleet roster invalid: %w", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.Sync(ctx, assigner, fc.RefreshInterval)
		}()
		return assigner, nil
	}

	if len(fc.Vehicles) > 0 {
		assigner, err := fleet.NewAssigner(fc.Vehicles)
		if err != nil {
			return nil, fmt.Errorf("fleet config invalid: %w", err)
		}
		return assigner, nil
	}

	return fleet.Default(), nil
}

// installDecoder hands the decode chain to MQTT source peers. Connectors
// are registry singletons, so every MQTT peer shares the same decoder.
func installDecoder(m *pipeline.Manager, decoder *ingest.Decoder) {
	for _, p := range cfg.Peers {
		if p.ConnectorName != pipeline.ConnectorMQTT {
			continue
		}
		peer, err := m.GetPeer(p.Name)
		if err != nil {
			continue
		}
		if mqttPeer, ok := peer.Connector().(*mqtt.PeerMQTT); ok {
			mqttPeer.SetDecoder(decoder)
		}
	}
}

// liveHandlers collects WebSocket peers configured without their own
// listener, for mounting on the metrics server.
func liveHandlers(m *pipeline.Manager) map[string]http.Handler {
	handlers := make(map[string]http.Handler)
	for _, p := range cfg.Peers {
		if p.ConnectorName != pipeline.ConnectorWebSocket {
			continue
		}
		var wsCfg ws.Config
		if err := unmarshalConfig(p.Config, &wsCfg); err != nil || wsCfg.Addr != "" {
			continue
		}
		peer, err := m.GetPeer(p.Name)
		if err != nil {
			continue
		}
		if wsPeer, ok := peer.Connector().(*ws.PeerWebSocket); ok {
			handlers[cmp.Or(wsCfg.Path, "/live")] = wsPeer.Handler()
		}
	}
	return handlers
}

func startBridgeProcessing(
	ctx context.Context,
	m *pipeline.Manager,
	wg *sync.WaitGroup,
	errChan chan<- error,
) error {
	for _, pl := range cfg.Pipelines {
		if err := setupPipeline(ctx, m, wg, pl); err != nil {
			return fmt.Errorf("failed to setup pipeline %s: %w", pl.Name, err)
		}
	}
	return nil
}

// setupSource configures and starts a single source within a pipeline
func setupSource(
	ctx context.Context,
	m *pipeline.Manager,
	wg *sync.WaitGroup,
	pl pipeline.Pipeline,
	source pipeline.Source,
	sinkChannels map[string]chan telemetry.Event,
) error {
	sourcePeer := cfg.GetPeer(source.Name)
	if sourcePeer == nil {
		return fmt.Errorf("source peer %s not found", source.Name)
	}

	peer, err := m.GetPeer(source.Name)
	if err != nil {
		return err
	}

	// Check if this is the first subscription before adding the new one
	isFirst := m.IsFirstSubscription(source.Name)

	// Add the subscription
	m.AddSubscription(source.Name, pl.Name, sinkChannels)

	// Only set up the source connection for the first subscription
	if isFirst {
		eventsChan, err := setupSourceConnection(sourcePeer, peer)
		if err != nil {
			return err
		}

		// Start source event processing with fan-out
		wg.Add(1)
		go processSourceEventsWithFanout(ctx, wg, m, source.Name, eventsChan)
	}

	return nil
}

// setupSourceConnection establishes the connection for a source based on its type
func setupSourceConnection(sourcePeer *pipeline.Peer, peer *pipeline.Peer) (<-chan telemetry.Event, error) {
	switch sourcePeer.ConnectorName {
	case pipeline.ConnectorMQTT:
		var cfg mqtt.Config
		if err := unmarshalConfig(sourcePeer.Config, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing MQTT config: %w", err)
		}
		return peer.Connector().Sub()
	case pipeline.ConnectorNATS:
		var cfg nats.Config
		if err := unmarshalConfig(sourcePeer.Config, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing NATS config: %w", err)
		}
		return peer.Connector().Sub()
	default:
		return nil, fmt.Errorf("unsupported source connector: %s", sourcePeer.ConnectorName)
	}
}

// unmarshalConfig is a helper function to handle config unmarshaling
func unmarshalConfig(config interface{}, target interface{}) error {
	jsonData, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

func processSourceEventsWithFanout(
	ctx context.Context,
	wg *sync.WaitGroup,
	m *pipeline.Manager,
	sourceName string,
	eventsChan <-chan telemetry.Event,
) {
	defer wg.Done()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}

			// Get all subscriptions for this source
			subs := m.GetSubscriptions(sourceName)

			// Fan out the event to all subscribed pipelines
			for _, sub := range subs {
				// Get pipeline config for this subscription
				pl := cfg.GetPipeline(sub.PipelineName)
				if pl == nil {
					log.Printf("Pipeline %s not found", sub.PipelineName)
					continue
				}

				// Find the matching source config for this event's source
				var matchingSource *pipeline.Source
				for _, src := range pl.Sources {
					if src.Name == sourceName {
						matchingSource = &src
						break
					}
				}

				if matchingSource == nil {
					log.Printf("Source %s not found in pipeline %s", sourceName, sub.PipelineName)
					continue
				}

				// Process the event with this pipeline's configuration using the matched source
				pipeline.ProcessEvent(*pl, *matchingSource, event, sub.SinkChannels)
			}

		case <-ctx.Done():
			return
		}
	}
}

// setupPipeline handles the setup of a single pipeline
func setupPipeline(ctx context.Context, m *pipeline.Manager, wg *sync.WaitGroup, pl pipeline.Pipeline) error {
	// Create channels for each sink that will be shared across all sources
	sinkChannels := make(map[string]chan telemetry.Event)
	for _, sink := range pl.Sinks {
		sinkChannels[sink.Name] = make(chan telemetry.Event, 100)
	}

	// Setup each source independently
	for _, source := range pl.Sources {
		if err := setupSource(ctx, m, wg, pl, source, sinkChannels); err != nil {
			// Close all sink channels on error
			for _, ch := range sinkChannels {
				close(ch)
			}
			return fmt.Errorf("failed to setup source %s: %w", source.Name, err)
		}
	}

	// Setup sinks to process events from all sources
	return pipeline.SetupSinks(ctx, m, wg, pl, sinkChannels)
}

// disconnectPeers closes every connector, flushing batched writers
func disconnectPeers(m *pipeline.Manager) {
	for _, p := range m.Peers() {
		connector := p.Connector()
		if connector == nil {
			continue
		}
		if err := connector.Disconnect(); err != nil {
			log.Printf("Error disconnecting peer %s: %v", p.Name, err)
		}
	}
}

func init() {
	bridgeCmd.Flags().BoolVar(&prometheusEnabled, "metrics", true, "Enable Prometheus metrics server")
	bridgeCmd.Flags().StringVar(&prometheusAddr, "metrics-addr", ":9100", "Prometheus metrics server address")
}
