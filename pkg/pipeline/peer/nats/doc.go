// Package nats bridges telemetry events to and from NATS JetStream.
//
// NATS subject (aka topic) patterns:
//   - Case-sensitive, dot-separated, no spaces
//   - Valid chars: alphanumeric, `-` or `_`
//   - Max length: 255 bytes
//
// canflux publishes to `prefix.kind.vehicle.name` subjects, where kind is
// sample or anomaly, and name is the CAN message name for samples or the
// anomaly type for anomalies. Tokens that would break subject hierarchy
// (dots, wildcards, spaces) are replaced with underscores.
//
// Examples:
//   - canflux.sample.VHC_01.EngineData        → decoded EngineData frame
//   - canflux.sample.VHC_04.ClimateControl    → decoded ClimateControl frame
//   - canflux.anomaly.VHC_03.engine_overheat  → overheat rule violation
//
// Payload: the telemetry event as JSON.
//
// All subjects under `prefix.>` are retained in one file-backed stream so
// downstream consumers can replay history:
//
//	nats sub 'canflux.anomaly.>'
//	nats sub 'canflux.sample.*.EngineData'
package nats
