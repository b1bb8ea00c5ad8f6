// Package kafka publishes telemetry events to Kafka for downstream stream
// processing.
//
// Kafka topic naming conventions:
// - Case-sensitive, no spaces
// - Valid chars: alphanumeric, `.`, `-`, `_`
// - Recommended max length: 249 bytes (to avoid potential issues)
//
// canflux uses the `[prefix].[kind].[name]` topic pattern, where kind is
// sample or anomaly, and name is the CAN message name for samples or the
// anomaly type for anomalies. Characters Kafka rejects in topic names are
// replaced with underscores.
//
// Examples:
//   - canflux.sample.EngineData        → decoded EngineData frames
//   - canflux.sample.ClimateControl    → decoded ClimateControl frames
//   - canflux.anomaly.engine_overheat  → overheat rule violations
//
// Message Format:
// - Key: vehicle ID, so one vehicle's readings stay ordered within a partition
// - Value: the telemetry event as JSON
//
// Topics are created on first publish with the configured partition count,
// replication factor, and retention, so the sink works against clusters with
// auto-creation disabled.
//
// Configuration:
// - Replication Factor: minimum 2 recommended for production
// - Number of Partitions: based on fleet size and throughput
// - Retention: defaults to 7 days
//
// SCRAM-SHA-256 and SCRAM-SHA-512 SASL authentication are supported via the
// sasl config block; set algorithm to sha256 or sha512.
package kafka
