package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canflux/canflux/pkg/anomaly"
	"github.com/canflux/canflux/pkg/dedup"
	"github.com/canflux/canflux/pkg/envelope"
	"github.com/canflux/canflux/pkg/fleet"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/spf13/viper"
)

// Version is stamped at build time.
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	pipeline.Config `mapstructure:",squash"`
	Bridge          BridgeConfig  `mapstructure:"bridge"`
	Metrics         MetricsConfig `mapstructure:"metrics"`
}

// BridgeConfig tunes the decode chain that runs in front of the pipelines.
type BridgeConfig struct {
	// CatalogFile points at a JSON signal catalog; empty uses the built-in
	// vehicle catalog.
	CatalogFile string `mapstructure:"catalogFile"`
	// WatchCatalog hot-reloads the catalog when the file changes.
	WatchCatalog bool `mapstructure:"watchCatalog"`
	// Key decrypts envelope payloads. Defaults to the demo publisher key so
	// the bundled compose stack works without setup.
	Key string `mapstructure:"key"`
	// AllowPlaintext also accepts plaintext frames when a key is set.
	AllowPlaintext bool          `mapstructure:"allowPlaintext"`
	Dedup          DedupConfig   `mapstructure:"dedup"`
	Fleet          FleetConfig   `mapstructure:"fleet"`
	Anomaly        AnomalyConfig `mapstructure:"anomaly"`
}

// DedupConfig controls replay suppression. With a Redis block the window is
// shared across bridge replicas; otherwise it is per process.
type DedupConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Window     time.Duration      `mapstructure:"window"`
	MaxEntries int                `mapstructure:"maxEntries"`
	Redis      *dedup.RedisConfig `mapstructure:"redis"`
}

// FleetConfig names the vehicles frames are attributed to. A registry conn
// string switches to the Postgres-backed roster.
type FleetConfig struct {
	Vehicles        []fleet.Vehicle `mapstructure:"vehicles"`
	Registry        string          `mapstructure:"registry"`
	RefreshInterval time.Duration   `mapstructure:"refreshInterval"`
}

// AnomalyConfig toggles the rule engine.
type AnomalyConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	anomaly.Config `mapstructure:",squash"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("canflux")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CANFLUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("bridge.key", envelope.DemoKey)
	v.SetDefault("bridge.allowPlaintext", true)
	v.SetDefault("bridge.dedup.enabled", true)
	v.SetDefault("bridge.dedup.window", "60s")
	v.SetDefault("bridge.anomaly.enabled", true)
}
