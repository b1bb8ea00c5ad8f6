package mqtt

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/canflux/canflux/pkg/ingest"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// PeerMQTT implements the source and sink functionality for MQTT
type PeerMQTT struct {
	*Client
	Config  Config
	decoder *ingest.Decoder
}

type Config struct {
	Servers []string `json:"servers"`
	// Topics are the subscribe filters carrying raw bus payloads
	Topics []string `json:"topics"`
	// PublishPrefix is the topic prefix decoded events are republished under
	PublishPrefix string `json:"publishPrefix"`
	QoS           byte   `json:"qos"`
	ClientOptions `json:"clientOptions"`
}

func (p *PeerMQTT) Connect(config json.RawMessage, args ...any) error {
	var cfg Config

	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal MQTT config: %w", err)
	}

	opts := cfg.ClientOptions

	for _, server := range cfg.Servers {
		u, err := url.Parse(server)
		if err != nil {
			return fmt.Errorf("failed to parse server URL %s: %w", server, err)
		}
		opts.Servers = append(opts.Servers, u)
	}

	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"can/data"}
	}
	cfg.PublishPrefix = cmp.Or(cfg.PublishPrefix, "canflux")
	p.Config = cfg

	mqttOpts, err := convertToPahoOptions(&opts)
	if err != nil {
		return fmt.Errorf("failed to build MQTT client options: %w", err)
	}

	setDefaultOptions(mqttOpts)
	// Cap the reconnect interval unless configured; paho's stock 10min
	// leaves too large a gap after broker restarts
	if opts.MaxReconnectInterval == 0 {
		mqttOpts.SetMaxReconnectInterval(30 * time.Second)
	}

	p.Client = NewClient(mqttOpts)

	if err := p.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

// SetDecoder installs the ingest decoder used to turn raw payloads into
// telemetry events. Without one, Sub falls back to a default decoder
// (built-in catalog, plaintext frames only, no dedup).
func (p *PeerMQTT) SetDecoder(d *ingest.Decoder) {
	p.decoder = d
}

func (p *PeerMQTT) Pub(event telemetry.Event, args ...any) error {
	topic, err := p.publishTopic(event)
	if err != nil {
		return err
	}

	var data []byte
	switch event.Kind {
	case telemetry.KindAnomaly:
		data, err = json.Marshal(event.Anomaly)
	default:
		data, err = json.Marshal(event.Sample)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	return p.Client.Publish(topic, p.Config.QoS, false, data)
}

// publishTopic builds the outbound topic for a decoded event
func (p *PeerMQTT) publishTopic(event telemetry.Event) (string, error) {
	if !event.Valid() {
		return "", fmt.Errorf("event carries no payload")
	}
	prefix := cmp.Or(p.Config.PublishPrefix, "canflux")
	if event.Kind == telemetry.KindAnomaly {
		return fmt.Sprintf("%s/%s/anomalies/%s", prefix, event.Anomaly.VehicleID, event.Anomaly.Type), nil
	}
	return fmt.Sprintf("%s/%s/%s", prefix, event.Sample.VehicleID, event.Sample.Message), nil
}

func (p *PeerMQTT) Sub(args ...any) (<-chan telemetry.Event, error) {
	if p.decoder == nil {
		decoder, err := ingest.NewDecoder(ingest.Options{})
		if err != nil {
			return nil, fmt.Errorf("failed to build default decoder: %w", err)
		}
		p.decoder = decoder
	}

	events := make(chan telemetry.Event, 100)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		decoded, err := p.decoder.Decode(context.Background(), msg.Topic(), msg.Payload())
		if err != nil {
			p.logger.Warn("payload rejected",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
			return
		}

		for _, event := range decoded {
			select {
			case events <- event:
			default:
				p.logger.Warn("event channel full, dropping message")
			}
		}
	}

	for _, topic := range p.Config.Topics {
		if err := p.Client.Subscribe(topic, p.Config.QoS, handler); err != nil {
			close(events)
			return nil, fmt.Errorf("mqtt subscribe failed: %w", err)
		}
	}

	return events, nil
}

func (p *PeerMQTT) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePubSub
}

func (p *PeerMQTT) Disconnect() error {
	p.client.Disconnect(500)
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorMQTT, &PeerMQTT{})
}
