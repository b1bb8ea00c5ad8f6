// Package transform provides utilities for applying transformations to telemetry events in pipelines.
// It's inspired by Kafka Connect's [Single Message Transformations (SMTs)](https://docs.confluent.io/platform/current/connect/transforms/overview.html) usage.
package transform
