package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CDSS_SERVER_API_KEY
const EnvPrefix = "CDSS"

// Config is the full service configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	DICOM      DICOMConfig      `mapstructure:"dicom"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Reporter   ReporterConfig   `mapstructure:"reporter"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RateLimit       int           `mapstructure:"rate_limit"` // submissions per minute per API key; 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory or sqlite
	Path   string `mapstructure:"path"`
}

type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	QueueSize     int           `mapstructure:"queue_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	ImageFormat   string        `mapstructure:"image_format"`
}

type DICOMConfig struct {
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ContrastStretch bool          `mapstructure:"contrast_stretch"`
}

// ModelConfig selects how one model is served: Endpoint wins over the static prediction
type ModelConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	StaticLabel       string        `mapstructure:"static_label"`
	StaticProbability float64       `mapstructure:"static_probability"`
}

type ClassifierConfig struct {
	BrainMRI ModelConfig `mapstructure:"brain_mri"`
	LungCT   ModelConfig `mapstructure:"lung_ct"`
}

type ReporterConfig struct {
	BackendURL      string        `mapstructure:"backend_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// SetDefaults registers every key with its default so env overrides apply to all of them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "cdss.db")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 1000)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.lease_duration", 15*time.Minute)
	v.SetDefault("worker.job_timeout", 10*time.Minute)
	v.SetDefault("worker.image_format", "jpeg")

	v.SetDefault("dicom.fetch_timeout", 300*time.Second)
	v.SetDefault("dicom.contrast_stretch", true)

	for _, model := range []string{"brain_mri", "lung_ct"} {
		v.SetDefault("classifier."+model+".endpoint", "")
		v.SetDefault("classifier."+model+".timeout", 5*time.Minute)
		v.SetDefault("classifier."+model+".static_label", "")
		v.SetDefault("classifier."+model+".static_probability", 0.0)
	}

	v.SetDefault("reporter.backend_url", "")
	v.SetDefault("reporter.api_key", "")
	v.SetDefault("reporter.timeout", 10*time.Second)
	v.SetDefault("reporter.max_attempts", 1)
	v.SetDefault("reporter.initial_interval", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "cdss-inference")
	v.SetDefault("tracing.environment", "development")
}

// Load reads configuration from the optional YAML file at path and from CDSS_* environment variables
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short aliases carried over from earlier deployments
	v.BindEnv("server.api_key", EnvPrefix+"_SERVER_API_KEY", EnvPrefix+"_API_KEY")
	v.BindEnv("reporter.backend_url", EnvPrefix+"_REPORTER_BACKEND_URL", EnvPrefix+"_BACKEND_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Worker.QueueSize < 1 {
		errs = append(errs, errors.New("worker.queue_size must be at least 1"))
	}
	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, errors.New("worker.job_timeout must be positive"))
	}
	if c.Worker.LeaseDuration <= c.Worker.JobTimeout {
		errs = append(errs, fmt.Errorf("worker.lease_duration (%s) must exceed worker.job_timeout (%s)",
			c.Worker.LeaseDuration, c.Worker.JobTimeout))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	switch strings.ToLower(c.Worker.ImageFormat) {
	case "jpeg", "jpg", "png":
	default:
		errs = append(errs, fmt.Errorf("worker.image_format %q must be jpeg or png", c.Worker.ImageFormat))
	}

	if c.DICOM.FetchTimeout <= 0 {
		errs = append(errs, errors.New("dicom.fetch_timeout must be positive"))
	}

	for name, m := range map[string]ModelConfig{"brain_mri": c.Classifier.BrainMRI, "lung_ct": c.Classifier.LungCT} {
		if m.StaticProbability < 0 || m.StaticProbability > 1 {
			errs = append(errs, fmt.Errorf("classifier.%s.static_probability must be within [0, 1]", name))
		}
	}

	if c.Reporter.MaxAttempts < 1 {
		errs = append(errs, errors.New("reporter.max_attempts must be at least 1"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}
