package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for structural and semantic errors.
// Sections are validated selectively so inactive drivers do not trip the
// required tags of their unused configs.
func Validate(cfg *Config) error {
	v := validator.New()

	sections := []struct {
		name  string
		value any
	}{
		{"logging", cfg.Logging},
		{"server", cfg.Server},
		{"bundling", cfg.Bundling},
		{"wallet", cfg.Wallet},
		{"gateway", cfg.Gateway},
	}
	for _, s := range sections {
		if err := v.Struct(s.value); err != nil {
			return fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}

	switch cfg.Database.Driver {
	case "postgres":
		if err := v.Struct(cfg.Database.Postgres); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	switch cfg.ObjectStore.Driver {
	case "s3":
		if err := v.Struct(cfg.ObjectStore.S3); err != nil {
			return fmt.Errorf("invalid s3 config: %w", err)
		}
	case "fs":
		if cfg.ObjectStore.FS.Root == "" {
			return fmt.Errorf("object store driver is fs but fs.root is not set")
		}
	default:
		return fmt.Errorf("unknown object store driver %q", cfg.ObjectStore.Driver)
	}

	switch cfg.Redis.Driver {
	case "redis":
		if err := v.Struct(cfg.Redis.Redis); err != nil {
			return fmt.Errorf("invalid redis config: %w", err)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown redis driver %q", cfg.Redis.Driver)
	}

	if cfg.Bundling.MaxDataItemBytes > cfg.Bundling.MaxBundleBytes {
		return fmt.Errorf("max_data_item_bytes (%d) exceeds max_bundle_bytes (%d): no item could ever be bundled",
			cfg.Bundling.MaxDataItemBytes, cfg.Bundling.MaxBundleBytes)
	}
	if cfg.Bundling.RepackThreshold < cfg.Bundling.PermanentThreshold {
		return fmt.Errorf("repack_threshold (%d) below permanent_threshold (%d)",
			cfg.Bundling.RepackThreshold, cfg.Bundling.PermanentThreshold)
	}
	if cfg.RawUpload.Enabled && cfg.RawUpload.SeedPath == "" {
		return fmt.Errorf("raw uploads enabled but raw_upload.seed_path is not set")
	}
	return nil
}
