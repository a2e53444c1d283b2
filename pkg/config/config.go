package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mdalboni/reportportal-manager/pkg/models"
	rptls "github.com/mdalboni/reportportal-manager/pkg/tls"
)

// EnvPrefix prefixes every environment variable, e.g. RP_ENDPOINT
const EnvPrefix = "RP"

// Config is everything needed to report a run to ReportPortal
type Config struct {
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Project    string `mapstructure:"project" yaml:"project" json:"project"`
	Token      string `mapstructure:"token" yaml:"token" json:"token"`
	LaunchUUID string `mapstructure:"launch_uuid" yaml:"launch_uuid,omitempty" json:"launch_uuid,omitempty"`
	Mode       string `mapstructure:"mode" yaml:"mode" json:"mode"`

	// Launch naming: "[battery] product os", described as "product vversion browser"
	Battery string `mapstructure:"battery" yaml:"battery" json:"battery"`
	Product string `mapstructure:"product" yaml:"product" json:"product"`
	Version string `mapstructure:"version" yaml:"version" json:"version"`
	Browser string `mapstructure:"browser" yaml:"browser" json:"browser"`
	OS      string `mapstructure:"os" yaml:"os" json:"os"`

	Attributes       map[string]string `mapstructure:"attributes" yaml:"attributes,omitempty" json:"attributes,omitempty"`
	SystemAttributes bool              `mapstructure:"system_attributes" yaml:"system_attributes" json:"system_attributes"`

	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	TLS     rptls.ClientConfig `mapstructure:"tls" yaml:"tls" json:"tls"`
	Log     LogConfig          `mapstructure:"log" yaml:"log" json:"log"`
	Metrics MetricsConfig      `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Tracing TracingConfig      `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"` // text or json
}

// MetricsConfig configures where run metrics go when the launch finishes
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" yaml:"pushgateway_url,omitempty" json:"pushgateway_url,omitempty"`
	Textfile       string `mapstructure:"textfile" yaml:"textfile,omitempty" json:"textfile,omitempty"`
	Job            string `mapstructure:"job" yaml:"job" json:"job"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure" json:"insecure"`
}

// SetDefaults registers every key so environment variables resolve even
// when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "")
	v.SetDefault("project", "")
	v.SetDefault("token", "")
	v.SetDefault("launch_uuid", "")
	v.SetDefault("mode", string(models.LaunchModeDefault))
	v.SetDefault("battery", "")
	v.SetDefault("product", "")
	v.SetDefault("version", "")
	v.SetDefault("browser", "")
	v.SetDefault("os", "")
	v.SetDefault("attributes", map[string]string{})
	v.SetDefault("system_attributes", true)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.insecure_skip_verify", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.job", "rpmanager")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
}

// NewViper returns a viper instance reading configFile, or
// rpmanager.yaml from $HOME/.rpmanager or the working directory when configFile is empty,
// overlaid with RP_* environment variables.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rpmanager"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("rpmanager")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by other ReportPortal agents
	v.BindEnv("token", "RP_TOKEN", "RP_API_KEY", "RP_UUID")
	v.BindEnv("launch_uuid", "RP_LAUNCH_UUID", "RP_LAUNCH_ID")

	return v
}

// Load reads the config file (a missing default file is not an error) and
// unmarshals the merged configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	cfg.Mode = strings.ToUpper(cfg.Mode)
	return &cfg, nil
}

// Validate checks the settings required to talk to the server
func (c *Config) Validate() error {
	var problems []string
	if c.Endpoint == "" {
		problems = append(problems, "endpoint is required")
	} else if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("endpoint %q must be an http(s) URL", c.Endpoint))
	}
	if c.Project == "" {
		problems = append(problems, "project is required")
	}
	if c.Token == "" {
		problems = append(problems, "token is required")
	}
	switch models.LaunchMode(c.Mode) {
	case "", models.LaunchModeDefault, models.LaunchModeDebug:
	default:
		problems = append(problems, fmt.Sprintf("mode %q must be DEFAULT or DEBUG", c.Mode))
	}
	if c.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LaunchMode returns the configured mode, DEFAULT when unset
func (c *Config) LaunchMode() models.LaunchMode {
	if c.Mode == "" {
		return models.LaunchModeDefault
	}
	return models.LaunchMode(c.Mode)
}

// Masked returns a copy safe to print: the token keeps its last four characters
func (c Config) Masked() Config {
	c.Token = MaskToken(c.Token)
	return c
}

// MaskToken hides all but the last four characters of a token
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
