// Package ws exposes the pipeline as a live WebSocket feed. Every event
// routed to this sink is pushed to all connected clients as JSON, so a
// dashboard can watch decoded samples and anomalies in real time.
package ws

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/stream"
	"github.com/canflux/canflux/pkg/telemetry"
)

// PeerWebSocket is the live-feed sink
type PeerWebSocket struct {
	hub    *stream.Hub
	server *http.Server
	cancel context.CancelFunc
	config *Config
}

type Config struct {
	// Addr starts a standalone listener, eg ":8080". Leave empty and mount
	// Handler on an existing server instead.
	Addr string `json:"addr,omitempty"`
	// Path is the endpoint the standalone listener serves, default /live.
	Path string `json:"path,omitempty"`
}

func (p *PeerWebSocket) Connect(config json.RawMessage, args ...any) error {
	cfg := Config{}
	if config != nil {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to parse WebSocket config: %w", err)
		}
	}
	cfg.Path = cmp.Or(cfg.Path, "/live")
	p.config = &cfg

	p.hub = stream.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.hub.Run(ctx)

	if cfg.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, p.hub)
		p.server = &http.Server{Addr: cfg.Addr, Handler: mux}
		go func() {
			if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("WebSocket listener failed: %v", err)
			}
		}()
	}

	return nil
}

// Handler returns the upgrade handler for mounting on an existing HTTP
// server, eg alongside the metrics endpoints.
func (p *PeerWebSocket) Handler() http.Handler {
	return p.hub
}

func (p *PeerWebSocket) Pub(event telemetry.Event, args ...any) error {
	if p.hub == nil {
		return errors.New("WebSocket hub not initialized")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}

	p.hub.Broadcast(data)
	return nil
}

func (p *PeerWebSocket) Sub(args ...any) (<-chan telemetry.Event, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerWebSocket) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerWebSocket) Disconnect() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.server.Shutdown(ctx)
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorWebSocket, &PeerWebSocket{})
}
