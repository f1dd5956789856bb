package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyObjectStoreDefaults(&cfg.ObjectStore)
	applyRedisDefaults(&cfg.Redis)
	cfg.Gateway.ApplyDefaults()
	cfg.Credit.ApplyDefaults()
	cfg.Optical.ApplyDefaults()
	applyBundlingDefaults(&cfg.Bundling)
	applyWorkersDefaults(&cfg.Workers)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if len(cfg.DataCaches) == 0 {
		cfg.DataCaches = []string{"arweave.net"}
	}
	if len(cfg.FastFinalityIndexes) == 0 {
		cfg.FastFinalityIndexes = []string{"arweave.net"}
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	cfg.Postgres.ApplyDefaults()
}

func applyObjectStoreDefaults(cfg *ObjectStoreConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "s3"
	}
	cfg.S3.ApplyDefaults()
	if cfg.FS.Root == "" {
		cfg.FS.Root = "/var/lib/ar-io-bundler/objects"
	}
}

func applyRedisDefaults(cfg *RedisConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "redis"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
}

func applyBundlingDefaults(cfg *BundlingConfig) {
	if cfg.MaxDataItemBytes == 0 {
		cfg.MaxDataItemBytes = 200 * 1024 * 1024 // 200 MiB
	}
	if cfg.MaxBundleBytes == 0 {
		cfg.MaxBundleBytes = 250 * 1024 * 1024 // 250 MiB
	}
	if cfg.MaxItemsPerBundle == 0 {
		cfg.MaxItemsPerBundle = 1000
	}
	if cfg.MaxPlanWait == 0 {
		cfg.MaxPlanWait = 5 * time.Minute
	}
	if cfg.PlanInterval == 0 {
		cfg.PlanInterval = time.Minute
	}
	if cfg.MaxPostAttempts == 0 {
		cfg.MaxPostAttempts = 5
	}
	if cfg.MaxRepacks == 0 {
		cfg.MaxRepacks = 3
	}
	if cfg.PermanentThreshold == 0 {
		cfg.PermanentThreshold = 18
	}
	if cfg.RepackThreshold == 0 {
		cfg.RepackThreshold = 50
	}
	if cfg.ConfirmationDelayBlocks == 0 {
		cfg.ConfirmationDelayBlocks = 2
	}
	if cfg.BlockTime == 0 {
		cfg.BlockTime = 2 * time.Minute
	}
	if cfg.DroppedThreshold == 0 {
		cfg.DroppedThreshold = 4 * time.Hour
	}
	if cfg.OffsetTTL == 0 {
		cfg.OffsetTTL = 30 * 24 * time.Hour
	}
	if cfg.InFlightTTL == 0 {
		cfg.InFlightTTL = 60 * time.Second
	}
	if cfg.DeadlineHeightIncrement == 0 {
		cfg.DeadlineHeightIncrement = 200
	}
	if len(cfg.PriorityClasses) == 0 {
		cfg.PriorityClasses = []string{"default", "warp", "ao"}
	}
	if cfg.MultipartTTL == 0 {
		cfg.MultipartTTL = 48 * time.Hour
	}
}

func applyWorkersDefaults(cfg *WorkersConfig) {
	if cfg.Preparers == 0 {
		cfg.Preparers = 3
	}
	if cfg.Posters == 0 {
		cfg.Posters = 2
	}
	if cfg.Verifiers == 0 {
		cfg.Verifiers = 3
	}
	if cfg.OffsetIndexers == 0 {
		cfg.OffsetIndexers = 5
	}
	if cfg.OpticalPosters == 0 {
		cfg.OpticalPosters = 5
	}
	if cfg.Unbundlers == 0 {
		cfg.Unbundlers = 2
	}
	if cfg.MultipartFinalizers == 0 {
		cfg.MultipartFinalizers = 3
	}
	if cfg.SeedConcurrency == 0 {
		cfg.SeedConcurrency = 4
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
}

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Bundling.DurableStoreRequired = true
	return cfg
}
