package debug

import (
	"encoding/json"
	"log"

	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
)

// PeerDebug is a debug peer that logs events to the console
type PeerDebug struct{}

func (p *PeerDebug) Pub(event telemetry.Event, _ ...any) error {
	switch event.Kind {
	case telemetry.KindAnomaly:
		log.Printf("%s anomaly %s vehicle=%s severity=%s %s",
			pipeline.ConnectorDebug,
			event.Anomaly.Type,
			event.Anomaly.VehicleID,
			event.Anomaly.Severity,
			event.Anomaly.Details)
	default:
		log.Printf("%s %s vehicle=%s signals=%v",
			pipeline.ConnectorDebug,
			event.MessageName(),
			event.VehicleID(),
			eventSignals(event))
	}
	return nil
}

func (p *PeerDebug) Connect(_ json.RawMessage, _ ...any) error {
	return nil
}

func (p *PeerDebug) Sub(_ ...any) (<-chan telemetry.Event, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerDebug) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerDebug) Disconnect() error {
	return nil
}

func eventSignals(event telemetry.Event) map[string]float64 {
	if event.Sample != nil {
		return event.Sample.Signals
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorDebug, &PeerDebug{})
}
