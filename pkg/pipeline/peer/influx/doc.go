// Package influx provides the InfluxDB 2.x sink for decoded CAN telemetry.
package influx

// Decoded samples land in one measurement per CAN message:
//
//	measurement: EngineData | VehicleData | ClimateControl | ...
//	tags:        vehicle_id, frame_id, geography (when known)
//	fields:      one float field per signal (EngineSpeed, EngineTemp, ...)
//	time:        decode time of the sample
//
// Anomalies land in a single "anomalies" measurement:
//
//	tags:   vehicle_id, anomaly_type, message_type, severity, geography
//	fields: anomaly_count=1 plus value_<Signal> snapshots
//
// Writes go through the client's non-blocking write API: points are
// batched by size and flush interval and retried internally, so a store
// restart does not stall the pipeline.
