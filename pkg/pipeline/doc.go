// Package pipeline provides a framework for moving decoded CAN telemetry
// from sources (ie MQTT brokers) to various `Peer`s (ie data destinations).
//
// Supported peer types include InfluxDB, Kafka, NATS, ClickHouse, MQTT,
// WebSocket fan-out and CSV archives, with extensibility through Go plugins.
//
// It defines a `Connector` interface that all `Peer` types must implement.
package pipeline
