package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"loom/internal/capability"
	"loom/internal/mesh"
	"loom/internal/server"
	"loom/internal/trust"
)

// Duration wraps time.Duration so config files can say "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the node configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Capability CapabilityConfig `yaml:"capability"`
	Trust      TrustConfig      `yaml:"trust"`
	Server     ServerConfig     `yaml:"server"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig identifies this device and where it keeps its data.
type NodeConfig struct {
	DeviceID   string `yaml:"deviceId"`
	Name       string `yaml:"name"`
	DataDir    string `yaml:"dataDir"`
	APIAddress string `yaml:"apiAddress"`
}

// MeshConfig tunes topology maintenance and gossip.
type MeshConfig struct {
	StaleAfter        Duration `yaml:"staleAfter"`
	ExpireAfter       Duration `yaml:"expireAfter"`
	AdvertiseInterval Duration `yaml:"advertiseInterval"`
	TickInterval      Duration `yaml:"tickInterval"`
}

// CapabilityConfig tunes the capability snapshot and score weighting.
type CapabilityConfig struct {
	SnapshotInterval Duration                `yaml:"snapshotInterval"`
	Weights          capability.ScoreWeights `yaml:"weights"`
	ModelName        string                  `yaml:"modelName"`
	RuntimeEndpoint  string                  `yaml:"runtimeEndpoint"`
	BatterySysfsRoot string                  `yaml:"batterySysfsRoot"`
}

// TrustConfig tunes the trust tier thresholds.
type TrustConfig struct {
	Thresholds trust.Thresholds `yaml:"thresholds"`
}

// ServerConfig mirrors the inference server policy.
type ServerConfig struct {
	IsEnabled                       bool     `yaml:"isEnabled"`
	Mode                            string   `yaml:"mode"`
	ListenPort                      int      `yaml:"listenPort"`
	PricePerRequest                 int64    `yaml:"pricePerRequest"`
	MaxConcurrentRequests           int      `yaml:"maxConcurrentRequests"`
	AutoStartWhenCharging           bool     `yaml:"autoStartWhenCharging"`
	AutoStopBatteryThresholdPercent int      `yaml:"autoStopBatteryThresholdPercent"`
	AllowInternetConnections        bool     `yaml:"allowInternetConnections"`
	PairingCode                     string   `yaml:"pairingCode"`
	ClientRequestsPerMinute         int      `yaml:"clientRequestsPerMinute"`
	GracePeriod                     Duration `yaml:"gracePeriod"`
}

// NATSConfig points at the mesh gossip transport.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	srv := server.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			Name:       "loom-node",
			DataDir:    "data",
			APIAddress: ":8080",
		},
		Mesh: MeshConfig{
			StaleAfter:        Duration(30 * time.Second),
			ExpireAfter:       Duration(2 * time.Minute),
			AdvertiseInterval: Duration(5 * time.Second),
			TickInterval:      Duration(5 * time.Second),
		},
		Capability: CapabilityConfig{
			SnapshotInterval: Duration(10 * time.Second),
			Weights:          capability.DefaultScoreWeights(),
			BatterySysfsRoot: "/sys/class/power_supply",
		},
		Trust: TrustConfig{
			Thresholds: trust.DefaultThresholds(),
		},
		Server: ServerConfig{
			IsEnabled:                       srv.IsEnabled,
			Mode:                            string(srv.Mode),
			ListenPort:                      srv.ListenPort,
			PricePerRequest:                 srv.PricePerRequest,
			MaxConcurrentRequests:           srv.MaxConcurrentRequests,
			AutoStopBatteryThresholdPercent: srv.AutoStopBatteryThresholdPercent,
			ClientRequestsPerMinute:         srv.ClientRequestsPerMinute,
			GracePeriod:                     Duration(srv.GracePeriod),
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file at path (a missing file falls back to
// defaults) and applies environment variable overrides on top.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file: defaults plus env overrides.
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	config.Node.DeviceID = getEnv("LOOM_DEVICE_ID", config.Node.DeviceID)
	config.Node.Name = getEnv("LOOM_NODE_NAME", config.Node.Name)
	config.Node.DataDir = getEnv("LOOM_DATA_DIR", config.Node.DataDir)
	config.Node.APIAddress = getEnv("LOOM_API_ADDRESS", config.Node.APIAddress)
	config.NATS.URL = getEnv("LOOM_NATS_URL", config.NATS.URL)
	config.Logging.Level = getEnv("LOOM_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LOOM_LOG_FORMAT", config.Logging.Format)
	config.Server.ListenPort = getEnvInt("LOOM_SERVER_PORT", config.Server.ListenPort)
	config.Server.PairingCode = getEnv("LOOM_PAIRING_CODE", config.Server.PairingCode)

	return config, nil
}

// ServerConfig builds the server package config from the mirror.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		IsEnabled:                       c.Server.IsEnabled,
		Mode:                            server.Mode(c.Server.Mode),
		ListenPort:                      c.Server.ListenPort,
		PricePerRequest:                 c.Server.PricePerRequest,
		MaxConcurrentRequests:           c.Server.MaxConcurrentRequests,
		AutoStartWhenCharging:           c.Server.AutoStartWhenCharging,
		AutoStopBatteryThresholdPercent: c.Server.AutoStopBatteryThresholdPercent,
		AllowInternetConnections:        c.Server.AllowInternetConnections,
		PairingCode:                     c.Server.PairingCode,
		ClientRequestsPerMinute:         c.Server.ClientRequestsPerMinute,
		GracePeriod:                     c.Server.GracePeriod.Std(),
	}
}

// TopologyConfig builds the mesh topology config from the mirror.
func (c *Config) TopologyConfig() mesh.Config {
	return mesh.Config{
		StaleAfter:  c.Mesh.StaleAfter.Std(),
		ExpireAfter: c.Mesh.ExpireAfter.Std(),
	}
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
