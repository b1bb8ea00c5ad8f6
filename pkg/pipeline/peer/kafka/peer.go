package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
)

// PeerKafka implements the sink for Kafka
type PeerKafka struct {
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	config   *Config

	mu    sync.Mutex
	known map[string]struct{}
}

func (p *PeerKafka) Connect(config json.RawMessage, args ...any) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal Kafka config: %w", err)
	}

	// Set defaults if not provided
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "canflux"
	}
	if cfg.Version == "" {
		cfg.Version = "2.1.1"
	}
	if cfg.Partitions == 0 {
		cfg.Partitions = 1
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	if cfg.RetentionMS == 0 {
		cfg.RetentionMS = 7 * 24 * 60 * 60 * 1000 // 7 days
	}

	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaConfig)
	if err != nil {
		producer.Close()
		return fmt.Errorf("failed to create cluster admin: %w", err)
	}

	p.producer = producer
	p.admin = admin
	p.config = &cfg
	p.known = make(map[string]struct{})

	// Seed the topic cache so existing topics skip the create round trip
	if topics, err := admin.ListTopics(); err == nil {
		for name := range topics {
			p.known[name] = struct{}{}
		}
	}

	return nil
}

func (p *PeerKafka) Pub(event telemetry.Event, args ...any) error {
	if p.producer == nil {
		return errors.New("Kafka producer not initialized")
	}

	topic, err := p.eventTopic(event)
	if err != nil {
		return err
	}
	if err := p.ensureTopic(topic); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}

	// Keyed by vehicle so one vehicle's readings stay ordered within a partition
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.VehicleID()),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// eventTopic builds the per-event topic, eg canflux.sample.EngineData or
// canflux.anomaly.engine_overheat.
func (p *PeerKafka) eventTopic(event telemetry.Event) (string, error) {
	if !event.Valid() {
		return "", errors.New("event carries no payload")
	}

	name := event.MessageName()
	if event.Kind == telemetry.KindAnomaly {
		name = event.Anomaly.Type
	}

	return fmt.Sprintf("%s.%s.%s", p.config.TopicPrefix, event.Kind, topicToken(name)), nil
}

// topicToken replaces characters Kafka rejects in topic names.
func topicToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
}

// ensureTopic creates the topic on first use so retention settings apply
// even when broker auto-creation is disabled.
func (p *PeerKafka) ensureTopic(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.known[topic]; ok {
		return nil
	}

	topicDetail := &sarama.TopicDetail{
		NumPartitions:     p.config.Partitions,
		ReplicationFactor: p.config.Replicas,
		ConfigEntries: map[string]*string{
			"retention.ms": stringPtr(fmt.Sprintf("%d", p.config.RetentionMS)),
		},
	}

	err := p.admin.CreateTopic(topic, topicDetail, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	if err == nil {
		log.Printf("Created topic: %s", topic)
	}

	p.known[topic] = struct{}{}
	return nil
}

func stringPtr(s string) *string {
	return &s
}

func (p *PeerKafka) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerKafka) Disconnect() error {
	if p.admin != nil {
		p.admin.Close()
	}
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

func (p *PeerKafka) Sub(args ...any) (<-chan telemetry.Event, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorKafka, &PeerKafka{})
}
