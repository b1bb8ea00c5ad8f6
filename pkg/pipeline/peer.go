package pipeline

// Peer is a data source/destination with an associated connector (ie MQTT, InfluxDB, Kafka, etc).
type Peer struct {
	Name          string `mapstructure:"name"`
	ConnectorName string `mapstructure:"connector"`
	// Config contains the connection config of underlying library
	// eg github.com/eclipse/paho.mqtt.golang.ClientOptions, influxdb2.Options etc
	Config map[string]any `mapstructure:"config"`
	// Extra arguments for Connect, Pub, Sub methods
	Args []any
}

func (p *Peer) Connector() Connector {
	return connectors[p.ConnectorName]
}
