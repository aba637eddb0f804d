// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"windtwin-gateway/internal/logging"
)

type Config struct {
	Log    logging.Config `mapstructure:"log"`
	Server struct {
		DataPort int `mapstructure:"data_port"`
		UIPort   int `mapstructure:"ui_port"`
	} `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Twin      TwinConfig      `mapstructure:"twin"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Viewer    ViewerConfig    `mapstructure:"viewer"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Anomaly   struct {
		Rules map[string]Rule `mapstructure:"rules"`
	} `mapstructure:"anomaly"`

	// FileUsed is the config file that was read, empty when running on
	// defaults and environment only.
	FileUsed string `mapstructure:"-"`
}

// Rule bounds one telemetry channel.
type Rule struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type RelayConfig struct {
	DevicesFile    string        `mapstructure:"devices_file"`
	PublicHubURL   string        `mapstructure:"public_hub_url"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	NATSIngest     bool          `mapstructure:"nats_ingest"`
}

type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

type TwinConfig struct {
	InstanceURL  string        `mapstructure:"instance_url"`
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenURL     string        `mapstructure:"token_url"` // %s is replaced by the tenant id
	Resource     string        `mapstructure:"resource"`
	APIVersion   string        `mapstructure:"api_version"`
	CacheTokens  bool          `mapstructure:"cache_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a twin store is configured.
func (t TwinConfig) Enabled() bool {
	return t.InstanceURL != ""
}

type SimulatorConfig struct {
	DatasetFile        string        `mapstructure:"dataset_file"`
	DevicesFile        string        `mapstructure:"devices_file"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MaxEventsPerSecond float64       `mapstructure:"max_events_per_second"`
	Burst              int           `mapstructure:"burst"`
	SendConcurrency    int           `mapstructure:"send_concurrency"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	AlertDevice        string        `mapstructure:"alert_device"`
	Transport          string        `mapstructure:"transport"` // "http" or "nats"
	IngestURL          string        `mapstructure:"ingest_url"`
	APIKey             string        `mapstructure:"api_key"`
}

type ViewerConfig struct {
	HubURL       string          `mapstructure:"hub_url"`
	NegotiateURL string          `mapstructure:"negotiate_url"`
	DevicesFile  string          `mapstructure:"devices_file"`
	Username     string          `mapstructure:"username"`
	Password     string          `mapstructure:"password"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Load reads config.yaml from path, then environment variables prefixed
// WINDTWIN_ and finally any flags in flags whose names match config keys
// (for example --log.level). A missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("WINDTWIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.FileUsed = v.ConfigFileUsed()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)

	v.SetDefault("relay.devices_file", "./DeviceIds.csv")
	v.SetDefault("relay.public_hub_url", "ws://localhost:8081/ws")
	v.SetDefault("relay.resync_interval", time.Minute)
	v.SetDefault("relay.nats_ingest", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)
	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("twin.instance_url", "")
	v.SetDefault("twin.tenant_id", "")
	v.SetDefault("twin.client_id", "")
	v.SetDefault("twin.client_secret", "")
	v.SetDefault("twin.token_url", "https://login.microsoftonline.com/%s/oauth2/token")
	v.SetDefault("twin.resource", "https://digitaltwins.azure.net")
	v.SetDefault("twin.api_version", "2020-10-31")
	v.SetDefault("twin.cache_tokens", true)
	v.SetDefault("twin.timeout", 10*time.Second)

	v.SetDefault("simulator.dataset_file", "./data.csv")
	v.SetDefault("simulator.devices_file", "./DeviceIds.csv")
	// Keep the tick above one second to stay inside the twin service limits.
	v.SetDefault("simulator.tick_interval", 5*time.Second)
	v.SetDefault("simulator.max_events_per_second", 50.0)
	v.SetDefault("simulator.burst", 10)
	v.SetDefault("simulator.send_concurrency", 8)
	v.SetDefault("simulator.send_timeout", 10*time.Second)
	v.SetDefault("simulator.alert_device", "T102")
	v.SetDefault("simulator.transport", "http")
	v.SetDefault("simulator.ingest_url", "http://localhost:8080/api/events")
	v.SetDefault("simulator.api_key", "")

	v.SetDefault("viewer.hub_url", "ws://localhost:8081/ws")
	v.SetDefault("viewer.negotiate_url", "")
	v.SetDefault("viewer.devices_file", "./DeviceIds.csv")
	v.SetDefault("viewer.username", "")
	v.SetDefault("viewer.password", "")
	v.SetDefault("viewer.reconnect.initial_interval", time.Second)
	v.SetDefault("viewer.reconnect.max_interval", 30*time.Second)
	v.SetDefault("viewer.reconnect.multiplier", 2.0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "windtwin.events")
}

// ValidateRelay checks the settings the relay needs.
func (c *Config) ValidateRelay() error {
	if c.Server.DataPort <= 0 || c.Server.UIPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Relay.NATSIngest && c.NATS.URL == "" {
		return fmt.Errorf("relay.nats_ingest requires nats.url")
	}
	return c.validateTwin()
}

// ValidateSimulator checks the settings the simulator needs.
func (c *Config) ValidateSimulator() error {
	s := c.Simulator
	if s.TickInterval <= 0 {
		return fmt.Errorf("simulator.tick_interval must be positive")
	}
	if s.MaxEventsPerSecond <= 0 || s.Burst <= 0 {
		return fmt.Errorf("simulator.max_events_per_second and simulator.burst must be positive")
	}
	if s.SendConcurrency <= 0 {
		return fmt.Errorf("simulator.send_concurrency must be positive")
	}
	switch s.Transport {
	case "http":
		if s.IngestURL == "" {
			return fmt.Errorf("simulator.ingest_url is required for the http transport")
		}
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats transport")
		}
	default:
		return fmt.Errorf("simulator.transport must be 'http' or 'nats'")
	}
	return c.validateTwin()
}

// ValidateViewer checks the settings the viewer needs.
func (c *Config) ValidateViewer() error {
	if c.Viewer.HubURL == "" && c.Viewer.NegotiateURL == "" {
		return fmt.Errorf("viewer.hub_url or viewer.negotiate_url is required")
	}
	r := c.Viewer.Reconnect
	if r.InitialInterval < 0 || r.MaxInterval < r.InitialInterval {
		return fmt.Errorf("viewer.reconnect intervals are inconsistent")
	}
	for name, rule := range c.Anomaly.Rules {
		if rule.Min > rule.Max {
			return fmt.Errorf("anomaly rule %s: min is greater than max", name)
		}
	}
	return nil
}

func (c *Config) validateTwin() error {
	if !c.Twin.Enabled() {
		return nil
	}
	if c.Twin.TenantID == "" || c.Twin.ClientID == "" || c.Twin.ClientSecret == "" {
		return fmt.Errorf("twin: tenant_id, client_id and client_secret are required when instance_url is set")
	}
	return nil
}
