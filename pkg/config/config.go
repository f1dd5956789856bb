// Package config loads and validates the bundler service configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (BUNDLER_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/vilenarios/ar-io-bundler/pkg/credit"
	"github.com/vilenarios/ar-io-bundler/pkg/gateway"
	"github.com/vilenarios/ar-io-bundler/pkg/optical"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db/postgres"
	kvredis "github.com/vilenarios/ar-io-bundler/pkg/store/kv/redis"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object/s3"
)

// Config is the full bundler service configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the ingress HTTP listener
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Database configures the relational state store
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// ObjectStore configures the durable payload store
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`

	// Redis configures the KV store and job queue backend. Driver
	// "memory" runs everything in process for single-node deployments.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// Gateway configures the Arweave gateway client
	Gateway gateway.Config `mapstructure:"gateway" yaml:"gateway"`

	// Credit configures the credit service client; empty URL disables
	// metering
	Credit credit.Config `mapstructure:"credit" yaml:"credit"`

	// Optical configures best-effort header forwarding; empty URL
	// disables it
	Optical optical.Config `mapstructure:"optical" yaml:"optical"`

	// Wallet is the service's Arweave JWK wallet. It signs receipts and
	// bundle transactions.
	Wallet WalletConfig `mapstructure:"wallet" yaml:"wallet"`

	// RawUpload configures unsigned (raw mode) uploads
	RawUpload RawUploadConfig `mapstructure:"raw_upload" yaml:"raw_upload"`

	// Bundling holds the pipeline tuning knobs
	Bundling BundlingConfig `mapstructure:"bundling" yaml:"bundling"`

	// Workers sets per-worker-class concurrency
	Workers WorkersConfig `mapstructure:"workers" yaml:"workers"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is either text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the ingress HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// ReadHeaderTimeout bounds header parsing; bodies stream for as long
	// as uploads need.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`

	// DataCaches and FastFinalityIndexes are advertised to uploaders in
	// admission responses: hosts that can serve the item before it is
	// mined.
	DataCaches          []string `mapstructure:"data_caches" yaml:"data_caches"`
	FastFinalityIndexes []string `mapstructure:"fast_finality_indexes" yaml:"fast_finality_indexes"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig configures Prometheus metrics exposure on the main router.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	// Driver is postgres or memory
	Driver   string          `mapstructure:"driver" validate:"required,oneof=postgres memory" yaml:"driver"`
	Postgres postgres.Config `mapstructure:"postgres" yaml:"postgres"`
}

// ObjectStoreConfig selects and configures the durable object store.
type ObjectStoreConfig struct {
	// Driver is s3 or fs
	Driver string        `mapstructure:"driver" validate:"required,oneof=s3 fs" yaml:"driver"`
	S3     s3.Config     `mapstructure:"s3" yaml:"s3"`
	FS     FSStoreConfig `mapstructure:"fs" yaml:"fs"`
}

// FSStoreConfig configures the filesystem object store.
type FSStoreConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// RedisConfig selects the KV/queue backend.
type RedisConfig struct {
	// Driver is redis or memory
	Driver string         `mapstructure:"driver" validate:"required,oneof=redis memory" yaml:"driver"`
	Redis  kvredis.Config `mapstructure:"redis" yaml:"redis"`
}

// WalletConfig points at the service signing key.
type WalletConfig struct {
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// RawUploadConfig controls raw-mode admission: unsigned bytes the service
// wraps in a data item signed with its own Ed25519 key.
type RawUploadConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// SeedPath is a file holding the base64url Ed25519 seed. Required
	// when raw mode is enabled.
	SeedPath string `mapstructure:"seed_path" yaml:"seed_path"`

	// ExtraTags are appended to the attribution tags of every raw-mode
	// item.
	ExtraTags []TagConfig `mapstructure:"extra_tags" yaml:"extra_tags,omitempty"`
}

// TagConfig is a name/value tag pair in config form.
type TagConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Value string `mapstructure:"value" yaml:"value"`
}

// BundlingConfig holds the pipeline tuning knobs.
type BundlingConfig struct {
	// MaxDataItemBytes is the largest admissible single item
	MaxDataItemBytes int64 `mapstructure:"max_data_item_bytes" validate:"required,gt=0" yaml:"max_data_item_bytes"`

	// MaxBundleBytes caps header plus payload of one bundle
	MaxBundleBytes int64 `mapstructure:"max_bundle_bytes" validate:"required,gt=0" yaml:"max_bundle_bytes"`

	// MaxItemsPerBundle caps the entry count of one bundle
	MaxItemsPerBundle int `mapstructure:"max_items_per_bundle" validate:"required,gt=0" yaml:"max_items_per_bundle"`

	// MaxPlanWait closes an underfull plan once its oldest item has
	// waited this long
	MaxPlanWait time.Duration `mapstructure:"max_plan_wait" yaml:"max_plan_wait"`

	// PlanInterval is the planner timer period
	PlanInterval time.Duration `mapstructure:"plan_interval" yaml:"plan_interval"`

	// MaxPostAttempts bounds post/seed retries before a bundle fails
	MaxPostAttempts int `mapstructure:"max_post_attempts" yaml:"max_post_attempts"`

	// MaxRepacks bounds how many failed or dropped bundles an item may
	// pass through before it fails terminally
	MaxRepacks int `mapstructure:"max_repacks" yaml:"max_repacks"`

	// PermanentThreshold is the confirmation count after which a bundle
	// is irrevocable
	PermanentThreshold int64 `mapstructure:"permanent_threshold" yaml:"permanent_threshold"`

	// RepackThreshold is the confirmation count after which an item
	// missing from a confirmed header is released for repack
	RepackThreshold int64 `mapstructure:"repack_threshold" yaml:"repack_threshold"`

	// ConfirmationDelayBlocks scales the delay before the first verify
	ConfirmationDelayBlocks int64 `mapstructure:"confirmation_delay_blocks" yaml:"confirmation_delay_blocks"`

	// BlockTime is the expected minimum Arweave block time
	BlockTime time.Duration `mapstructure:"block_time" yaml:"block_time"`

	// DroppedThreshold is how long a seeded bundle may stay unknown to
	// the gateway before it counts as dropped
	DroppedThreshold time.Duration `mapstructure:"dropped_threshold" yaml:"dropped_threshold"`

	// OffsetTTL is the lifetime of offset index rows
	OffsetTTL time.Duration `mapstructure:"offset_ttl" yaml:"offset_ttl"`

	// InFlightTTL is the lifetime of admission in-flight markers
	InFlightTTL time.Duration `mapstructure:"in_flight_ttl" yaml:"in_flight_ttl"`

	// DeadlineHeightIncrement is added to the current height to produce
	// a receipt's deadline height
	DeadlineHeightIncrement int64 `mapstructure:"deadline_height_increment" yaml:"deadline_height_increment"`

	// PriorityClasses enumerates the admission priority classes; the
	// first entry is the default
	PriorityClasses []string `mapstructure:"priority_classes" yaml:"priority_classes"`

	// MultipartTTL is how long an unfinalized multipart upload lives
	MultipartTTL time.Duration `mapstructure:"multipart_ttl" yaml:"multipart_ttl"`

	// UnbundleBDIs enables indexing of nested bundle payloads
	UnbundleBDIs bool `mapstructure:"unbundle_bdis" yaml:"unbundle_bdis"`

	// DurableStoreRequired refuses admission when no durable object
	// store is healthy. Defaults to true; disable only in tests.
	DurableStoreRequired bool `mapstructure:"durable_store_required" yaml:"durable_store_required"`
}

// WorkersConfig sets per-worker-class concurrency. These are tuning knobs,
// not contracts.
type WorkersConfig struct {
	Preparers           int           `mapstructure:"preparers" yaml:"preparers"`
	Posters             int           `mapstructure:"posters" yaml:"posters"`
	Verifiers           int           `mapstructure:"verifiers" yaml:"verifiers"`
	OffsetIndexers      int           `mapstructure:"offset_indexers" yaml:"offset_indexers"`
	OpticalPosters      int           `mapstructure:"optical_posters" yaml:"optical_posters"`
	Unbundlers          int           `mapstructure:"unbundlers" yaml:"unbundlers"`
	MultipartFinalizers int           `mapstructure:"multipart_finalizers" yaml:"multipart_finalizers"`
	SeedConcurrency     int           `mapstructure:"seed_concurrency" yaml:"seed_concurrency"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	// bool knobs whose default is true cannot go through ApplyDefaults
	v.SetDefault("bundling.durable_store_required", true)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment variable and config file handling.
// Environment variables use the BUNDLER_ prefix with underscores, e.g.
// BUNDLER_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BUNDLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks converts duration strings like "30s" and "5m".
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(durationDecodeHook())
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ar-io-bundler")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ar-io-bundler")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
