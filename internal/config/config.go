package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rescale/rescale-ingest/internal/constants"
)

// EnvPrefix prefixes every environment override (RESCALE_INGEST_API_KEY, ...).
const EnvPrefix = "RESCALE_INGEST"

// Validation errors
var (
	ErrMissingAPIKey      = errors.New("api_key is required (set via RESCALE_INGEST_API_KEY, --api-key or the config file)")
	ErrInvalidUploadURL   = errors.New("upload_url must be an absolute http(s) URL")
	ErrInvalidPartSize    = errors.New("part_size must be positive and at most 5GB")
	ErrInvalidChunkSize   = errors.New("chunk sizes must satisfy 0 < min_chunk_size <= initial_chunk_size")
	ErrInvalidRetries     = errors.New("max_retries must be at least 1")
	ErrInvalidConcurrency = errors.New("concurrency settings must be between 1 and 64")
	ErrInvalidProxyMode   = errors.New("proxy.mode must be one of no-proxy, system, basic, ntlm")
	ErrInvalidProgress    = errors.New("progress must be one of bars, simple, none")
)

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	Mode     string `mapstructure:"mode"` // no-proxy, system, basic, ntlm
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	NoProxy  string `mapstructure:"no_proxy"` // Comma-separated bypass list (hosts, *.domain, CIDRs)
	Warmup   bool   `mapstructure:"warmup"`
}

// StoreConfig describes where the service stores the finished file.
type StoreConfig struct {
	Location  string `mapstructure:"location"` // s3, azure, gcs, ...
	Region    string `mapstructure:"region"`
	Container string `mapstructure:"container"`
	Path      string `mapstructure:"path"`
	Access    string `mapstructure:"access"` // public or private
}

// AWSConfig holds credentials for verifying objects landed in S3.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds the account SAS URL for verifying blobs.
type AzureConfig struct {
	SASURL string `mapstructure:"sas_url"`
}

// Config is the ingest client configuration.
// Sizes accept raw byte counts or human forms ("8MiB", "32KB").
type Config struct {
	APIKey    string `mapstructure:"api_key"`
	AppSecret string `mapstructure:"app_secret"`
	UploadURL string `mapstructure:"upload_url"`

	PartSize             int64         `mapstructure:"part_size"`
	InitialChunkSize     int64         `mapstructure:"initial_chunk_size"`
	MinChunkSize         int64         `mapstructure:"min_chunk_size"`
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	ChunkConcurrency     int           `mapstructure:"chunk_concurrency"`
	PartConcurrency      int           `mapstructure:"part_concurrency"`
	IntelligentIngestion bool          `mapstructure:"intelligent_ingestion"`

	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 disables the limiter
	TransportRetries  int     `mapstructure:"transport_retries"`

	Proxy      ProxyConfig       `mapstructure:"proxy"`
	Store      StoreConfig       `mapstructure:"store"`
	UploadTags map[string]string `mapstructure:"upload_tags"`

	Progress          string        `mapstructure:"progress"` // bars, simple, none
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	VerifyDestination bool          `mapstructure:"verify_destination"`
	AWS               AWSConfig     `mapstructure:"aws"`
	Azure             AzureConfig   `mapstructure:"azure"`
	LogLevel          string        `mapstructure:"log_level"`
	PolicyTTL         time.Duration `mapstructure:"policy_ttl"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"api-key":             "api_key",
	"app-secret":          "app_secret",
	"upload-url":          "upload_url",
	"part-size":           "part_size",
	"chunk-size":          "initial_chunk_size",
	"min-chunk-size":      "min_chunk_size",
	"max-retries":         "max_retries",
	"chunk-concurrency":   "chunk_concurrency",
	"part-concurrency":    "part_concurrency",
	"fii":                 "intelligent_ingestion",
	"requests-per-second": "requests_per_second",
	"proxy-mode":          "proxy.mode",
	"proxy-host":          "proxy.host",
	"proxy-port":          "proxy.port",
	"proxy-user":          "proxy.user",
	"no-proxy":            "proxy.no_proxy",
	"store-location":      "store.location",
	"store-region":        "store.region",
	"store-container":     "store.container",
	"store-path":          "store.path",
	"store-access":        "store.access",
	"tag":                 "upload_tags",
	"progress":            "progress",
	"metrics-addr":        "metrics_addr",
	"verify":              "verify_destination",
	"log-level":           "log_level",
	"policy-ttl":          "policy_ttl",
}

func setDefaults(v *viper.Viper) {
	// Zero defaults register keys so AutomaticEnv reaches them during Unmarshal.
	for _, key := range []string{
		"api_key", "app_secret", "proxy.host", "proxy.user", "proxy.password", "proxy.no_proxy",
		"store.region", "store.container", "store.path", "store.access", "metrics_addr",
		"aws.region", "aws.access_key_id", "aws.secret_access_key", "azure.sas_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("proxy.warmup", false)
	v.SetDefault("verify_destination", false)

	v.SetDefault("upload_url", constants.DefaultUploadURL)
	v.SetDefault("part_size", constants.DefaultPartSize)
	v.SetDefault("initial_chunk_size", constants.DefaultChunkSize)
	v.SetDefault("min_chunk_size", constants.MinChunkSize)
	v.SetDefault("max_retries", constants.MaxRetries)
	v.SetDefault("backoff_base", constants.RetryBackoffBase)
	v.SetDefault("chunk_concurrency", constants.DefaultChunkConcurrency)
	v.SetDefault("part_concurrency", constants.DefaultPartConcurrency)
	v.SetDefault("intelligent_ingestion", true)
	v.SetDefault("requests_per_second", 0)
	v.SetDefault("transport_retries", constants.TransportRetries)
	v.SetDefault("proxy.mode", "no-proxy")
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("store.location", "s3")
	v.SetDefault("progress", "bars")
	v.SetDefault("log_level", "info")
	v.SetDefault("policy_ttl", constants.DefaultPolicyTTL)
}

// Load builds a Config from defaults, the config file, RESCALE_INGEST_* env
// variables and explicitly set flags, in increasing order of precedence.
// An empty path means the default location; a missing default file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := ConfigDirectory(); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg, viper.DecodeHook(byteSizeHook()))
	return &cfg
}

// byteSizeHook lets int64 size fields accept "8MiB" style strings.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Int64 || to == reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return data, nil
		}
		n, err := units.RAMInBytes(s)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return n, nil
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	u, err := url.Parse(c.UploadURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidUploadURL
	}
	if c.PartSize <= 0 || c.PartSize > constants.MaxPartSize {
		return ErrInvalidPartSize
	}
	if c.MinChunkSize <= 0 || c.InitialChunkSize < c.MinChunkSize {
		return ErrInvalidChunkSize
	}
	if c.MaxRetries < 1 {
		return ErrInvalidRetries
	}
	if !inRange(c.ChunkConcurrency) || !inRange(c.PartConcurrency) {
		return ErrInvalidConcurrency
	}
	switch strings.ToLower(c.Proxy.Mode) {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProxyMode, c.Proxy.Mode)
	}
	switch c.Progress {
	case "", "bars", "simple", "none":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProgress, c.Progress)
	}
	return nil
}

func inRange(n int) bool {
	return n >= 1 && n <= constants.MaxConcurrency
}

// EffectiveChunkSize clamps the initial chunk size to the part size.
func (c *Config) EffectiveChunkSize() int64 {
	if c.InitialChunkSize > c.PartSize {
		return c.PartSize
	}
	return c.InitialChunkSize
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided. Used by CLI to determine if interactive prompt is needed.
func (c *Config) NeedsProxyPassword() bool {
	mode := strings.ToLower(c.Proxy.Mode)
	// Only basic and ntlm modes require credentials
	if mode != "basic" && mode != "ntlm" {
		return false
	}
	return c.Proxy.User != "" && c.Proxy.Password == ""
}
