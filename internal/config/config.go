package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iwanhae/partq/internal/dispatch"
	"github.com/iwanhae/partq/internal/engine"
	"github.com/iwanhae/partq/internal/partition"
	"github.com/iwanhae/partq/internal/service"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PARTQ_DATASET_CONTAINER.
const EnvPrefix = "PARTQ"

// Config holds all configuration for the application.
type Config struct {
	Dataset  DatasetConfig  `mapstructure:"dataset"`
	Engine   EngineConfig   `mapstructure:"engine"`
	S3       S3Config       `mapstructure:"s3"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatasetConfig locates the partitioned dataset: <scheme>://<container>[/<name>]/YYYY/MM/<filename>.
type DatasetConfig struct {
	Scheme    string `mapstructure:"scheme"`
	Container string `mapstructure:"container"`
	Name      string `mapstructure:"name"`
	Filename  string `mapstructure:"filename"`
}

// EngineConfig configures the embedded DuckDB database.
type EngineConfig struct {
	Path         string        `mapstructure:"path"`
	Extensions   []string      `mapstructure:"extensions"`
	RecycleAfter time.Duration `mapstructure:"recycle_after"`
}

// S3Config holds the httpfs settings used to reach s3:// partitions.
type S3Config struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	URLStyle string `mapstructure:"url_style"`
	UseSSL   bool   `mapstructure:"use_ssl"`
}

// DispatchConfig bounds how query batches are run.
type DispatchConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxPartitions  int           `mapstructure:"max_partitions"`
	Serialize      bool          `mapstructure:"serialize"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenPort string `mapstructure:"listen_port"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// SetDefaults registers the default value of every recognized key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("dataset.scheme", "s3")
	v.SetDefault("dataset.container", "ursa-labs-taxi-data")
	v.SetDefault("dataset.name", "")
	v.SetDefault("dataset.filename", partition.DefaultFilename)

	v.SetDefault("engine.path", "")
	v.SetDefault("engine.extensions", []string{"httpfs"})
	v.SetDefault("engine.recycle_after", time.Duration(0))

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.url_style", "")
	v.SetDefault("s3.use_ssl", true)

	v.SetDefault("dispatch.max_concurrency", 0)
	v.SetDefault("dispatch.max_partitions", service.DefaultMaxPartitions)
	v.SetDefault("dispatch.serialize", false)
	v.SetDefault("dispatch.timeout", 15*time.Minute)

	v.SetDefault("server.listen_port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// Load reads an optional config file plus PARTQ_* environment overrides into a
// validated Config. Flags bound to v beforehand take precedence over both.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("partq")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/partq")
		v.AddConfigPath("$HOME/.partq")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Dataset.Scheme == "":
		return errors.New("config: dataset.scheme must not be empty")
	case c.Dataset.Container == "":
		return errors.New("config: dataset.container must not be empty")
	case strings.Contains(c.Dataset.Container, "/"):
		return fmt.Errorf("config: dataset.container %q must not contain '/', use dataset.name for sub-paths", c.Dataset.Container)
	case c.Dispatch.MaxConcurrency < 0:
		return fmt.Errorf("config: dispatch.max_concurrency must not be negative, got %d", c.Dispatch.MaxConcurrency)
	case c.Dispatch.MaxPartitions < 0:
		return fmt.Errorf("config: dispatch.max_partitions must not be negative, got %d", c.Dispatch.MaxPartitions)
	case c.Dispatch.Timeout <= 0:
		return fmt.Errorf("config: dispatch.timeout must be positive, got %v", c.Dispatch.Timeout)
	}
	return nil
}

// Layout returns where the dataset's monthly partitions live.
func (c *Config) Layout() partition.Layout {
	prefix := fmt.Sprintf("%s://%s", c.Dataset.Scheme, c.Dataset.Container)
	if name := strings.Trim(c.Dataset.Name, "/"); name != "" {
		prefix += "/" + name
	}
	return partition.Layout{Prefix: prefix, Filename: c.Dataset.Filename}
}

// EngineOptions maps the engine and s3 sections onto engine.Options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Path:         c.Engine.Path,
		Extensions:   c.Engine.Extensions,
		RecycleAfter: c.Engine.RecycleAfter,
		S3Region:     c.S3.Region,
		S3Endpoint:   c.S3.Endpoint,
		S3URLStyle:   c.S3.URLStyle,
		S3UseSSL:     c.S3.UseSSL,
	}
}

// DispatchOptions maps the dispatch section onto dispatch.Options.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		MaxConcurrency: c.Dispatch.MaxConcurrency,
		Serialize:      c.Dispatch.Serialize,
	}
}

// ServiceOptions returns the layout, batch timeout and range cap for service.New.
func (c *Config) ServiceOptions() service.Options {
	return service.Options{
		Layout:        c.Layout(),
		Timeout:       c.Dispatch.Timeout,
		MaxPartitions: c.Dispatch.MaxPartitions,
	}
}
