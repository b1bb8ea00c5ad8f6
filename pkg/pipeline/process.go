package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/canflux/canflux/pkg/metrics"
	"github.com/canflux/canflux/pkg/pipeline/transform"
	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

func distributeToSinks(
	pl Pipeline,
	source Source,
	event telemetry.Event,
	sinkChannels map[string]chan telemetry.Event,
) {
	for _, sink := range pl.Sinks {
		if ch, ok := sinkChannels[sink.Name]; ok {
			select {
			case ch <- event:
				metrics.ProcessedEvents.WithLabelValues(
					pl.Name,
					source.Name,
					sink.Name,
				).Inc()
			default:
				metrics.EventsDropped.WithLabelValues(pl.Name, sink.Name).Inc()
				log.Printf("Warning: Sink channel %s is full", sink.Name)
			}
		}
	}
}

func applyTransformations(event *telemetry.Event, transformations []transform.Transformation) (*telemetry.Event, error) {
	if len(transformations) == 0 {
		return event, nil
	}

	if event == nil {
		return nil, fmt.Errorf("cannot transform nil event")
	}

	manager := transform.NewManager()
	manager.RegisterBuiltins()

	chainTransformations, err := manager.Chain(transformations)
	if err != nil {
		return nil, fmt.Errorf("error creating transformation pipeline: %w", err)
	}

	result, err := chainTransformations(event)
	if result == nil && err == nil {
		// Transform indicated event should be filtered out
		return nil, nil
	}
	return result, err
}

// processSinkEvents handles events from multiple sources
func processSinkEvents(
	ctx context.Context,
	wg *sync.WaitGroup,
	pl Pipeline,
	sink Sink,
	peer *Peer,
	ch <-chan telemetry.Event,
) {
	defer wg.Done()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}

			// Apply sink-specific transformations
			transformedEvent, err := applyTransformations(&event, sink.Transformations)
			if err != nil {
				metrics.TransformationErrors.WithLabelValues(
					"sink",
					pl.Name,
					"multiple",
					sink.Name,
				).Inc()
				log.Printf("Sink transformation error: %v", err)
				continue
			}
			if transformedEvent == nil {
				continue
			}

			// Publish the transformed event
			if err := peer.Connector().Pub(*transformedEvent); err != nil {
				metrics.PublishErrors.WithLabelValues(sink.Name).Inc()
				log.Printf("Publish error to %s: %v", peer.Name, err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// ProcessEvent handles the processing of a single event
func ProcessEvent(
	pl Pipeline,
	source Source,
	event telemetry.Event,
	sinkChannels map[string]chan telemetry.Event,
) {
	timer := prometheus.NewTimer(metrics.EventProcessingDuration.WithLabelValues(
		pl.Name,
		source.Name,
		"",
	))
	defer timer.ObserveDuration()

	// Process source transformations
	transformedEvent := applyEventTransformations(event, source, pl)
	if transformedEvent == nil {
		return
	}

	// Distribute to sinks
	distributeToSinks(pl, source, *transformedEvent, sinkChannels)
}

// applyEventTransformations applies all transformations to an event
func applyEventTransformations(
	event telemetry.Event,
	source Source,
	pl Pipeline,
) *telemetry.Event {
	// Source transformations
	transformed, err := applyTransformations(&event, source.Transformations)
	if err != nil {
		metrics.TransformationErrors.WithLabelValues(
			"source",
			pl.Name,
			source.Name,
			"",
		).Inc()
		log.Printf("Source transformation error: %v", err)
		return nil
	}
	if transformed == nil {
		return nil
	}

	// Pipeline transformations
	transformed, err = applyTransformations(transformed, pl.Transformations)
	if err != nil {
		metrics.TransformationErrors.WithLabelValues(
			"pipeline",
			pl.Name,
			source.Name,
			"",
		).Inc()
		log.Printf("Pipeline transformation error: %v", err)
		return nil
	}

	return transformed
}
