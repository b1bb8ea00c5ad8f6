// Package mqtt provides the MQTT source and sink for CAN telemetry.
package mqtt

// Inbound (Sub): the peer subscribes to the configured topics (default
// can/data) and runs every payload through the ingest chain: envelope
// integrity check and decryption, replay drop, catalog decode, fleet
// attribution, anomaly evaluation.
//
// payload: JSON (encrypted envelope or plain frame)
//
// Envelope:
// {"data": "<hex ciphertext>", "hash": "<sha256 hex of ciphertext>", "iv": "<hex iv>"}
//
// Frame:
// {"id": "0x123", "name": "EngineData", "data": [18, 52], "signals": {"EngineSpeed": 2450}}
//
// Outbound (Pub): decoded events are republished for downstream consumers:
// PREFIX/VEHICLE/MESSAGE for samples, PREFIX/VEHICLE/anomalies/TYPE for
// anomalies, both as JSON.
//
// Example:
// mosquitto_sub -t 'canflux/VHC_01/#'
// mosquitto_sub -t 'canflux/+/anomalies/#'
