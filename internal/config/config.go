// Package config loads the worker configuration from an optional yaml file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"image-worker/internal/storage"
)

const (
	MinPort = 1
	MaxPort = 65535
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  storage.Config `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Search   SearchConfig   `yaml:"search"`
	Elastic  ElasticConfig  `yaml:"elastic"`
	Logging  LoggingConfig  `yaml:"logging"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type AppConfig struct {
	Version string `yaml:"version"`
	// Dev prefixes artifact names with dev_ and suffixes the log index.
	Dev bool `yaml:"dev"`
}

type WorkerConfig struct {
	Name          string   `yaml:"name"`
	Groups        []string `yaml:"groups"`
	ExcludeGlobal bool     `yaml:"exclude_global"`
	ReloadGroups  bool     `yaml:"reload_groups"`
	LockDir       string   `yaml:"lock_dir"`

	StatusTTL           time.Duration `yaml:"status_ttl"`
	WaitTimeout         time.Duration `yaml:"wait_timeout"`
	DisconnectedDelay   time.Duration `yaml:"disconnected_delay"`
	RestartGrace        time.Duration `yaml:"restart_grace"`
	RestartPollInterval time.Duration `yaml:"restart_poll_interval"`
	WebhookTimeout      time.Duration `yaml:"webhook_timeout"`
	ImageFetchTimeout   time.Duration `yaml:"image_fetch_timeout"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type EngineConfig struct {
	URLs         []string      `yaml:"urls"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// RecoverOutputOnDisk enables loading artifacts the engine reports as
	// written to its local disk.
	RecoverOutputOnDisk bool `yaml:"recover_output_on_disk"`
}

type PipelineConfig struct {
	TrackSizes  bool          `yaml:"track_sizes"`
	FontPath    string        `yaml:"font_path"`
	FFmpeg      string        `yaml:"ffmpeg"`
	NSFWURL     string        `yaml:"nsfw_url"`
	NSFWTimeout time.Duration `yaml:"nsfw_timeout"`
}

type SearchConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type ElasticConfig struct {
	Addresses []string `yaml:"addresses"`
	CloudID   string   `yaml:"cloud_id"`
	APIKey    string   `yaml:"api_key"`
	Index     string   `yaml:"index"`
}

func (e ElasticConfig) Enabled() bool { return len(e.Addresses) > 0 || e.CloudID != "" }

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() *Config {
	name, _ := os.Hostname()
	return &Config{
		Worker: WorkerConfig{
			Name:                name,
			StatusTTL:           30 * time.Minute,
			WaitTimeout:         5 * time.Second,
			DisconnectedDelay:   5 * time.Second,
			RestartGrace:        3 * time.Second,
			RestartPollInterval: 5 * time.Second,
			WebhookTimeout:      3 * time.Second,
			ImageFetchTimeout:   60 * time.Second,
			LockDir:             os.TempDir(),
		},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		Engine:   EngineConfig{ProbeTimeout: 5 * time.Second},
		Storage:  storage.Config{Driver: storage.DriverR2, Region: "auto"},
		Pipeline: PipelineConfig{FFmpeg: "ffmpeg", NSFWTimeout: 10 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("VERSION", &c.App.Version)
	boolean("DEV", &c.App.Dev)

	str("WORKER_NAME", &c.Worker.Name)
	list("WORKER_GROUPS", &c.Worker.Groups)
	boolean("EXCLUDE_GLOBAL_QUEUE", &c.Worker.ExcludeGlobal)
	boolean("RELOAD_GROUPS", &c.Worker.ReloadGroups)

	str("REDIS_HOST", &c.Redis.Host)
	integer("REDIS_PORT", &c.Redis.Port)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	list("ENGINE_URLS", &c.Engine.URLs)
	str("ENGINE_USERNAME", &c.Engine.Username)
	str("ENGINE_PASSWORD", &c.Engine.Password)
	boolean("ENGINE_RECOVER_OUTPUT_ON_DISK", &c.Engine.RecoverOutputOnDisk)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_PUBLIC_URL", &c.Storage.PublicURL)
	str("STORAGE_PATH", &c.Storage.Path)
	str("R2_ENDPOINT", &c.Storage.Endpoint)
	str("R2_BUCKET", &c.Storage.Bucket)
	str("R2_ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	str("R2_SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey)
	str("BUNNY_UPLOAD_URL", &c.Storage.UploadURL)
	str("BUNNY_API_KEY", &c.Storage.APIKey)

	boolean("TRACK_SIZES", &c.Pipeline.TrackSizes)
	str("FONT_PATH", &c.Pipeline.FontPath)
	str("FFMPEG_PATH", &c.Pipeline.FFmpeg)
	str("NSFW_URL", &c.Pipeline.NSFWURL)

	str("SEARCH_DATABASE_URL", &c.Search.DatabaseURL)

	list("ELASTIC_ADDRESSES", &c.Elastic.Addresses)
	str("ELASTIC_CLOUD_ID", &c.Elastic.CloudID)
	str("ELASTIC_API_KEY", &c.Elastic.APIKey)
	str("ELASTIC_INDEX", &c.Elastic.Index)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("HTTP_ADDR", &c.HTTP.Addr)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks what the run command cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Worker.Name) == "" {
		return fmt.Errorf("worker name is required")
	}
	if len(c.Engine.URLs) == 0 {
		return fmt.Errorf("at least one engine url is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}
	if !storage.KnownDriver(c.Storage.Driver) {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.PublicURL == "" {
		return fmt.Errorf("storage public url is required")
	}
	if c.Worker.WaitTimeout < time.Second {
		return fmt.Errorf("worker wait_timeout must be at least 1s")
	}
	return nil
}
