package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rathix/esmserve/internal/transpile"
)

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns an empty Config with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return &Config{}, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	var validationErrors []error

	cfg.Target = strings.TrimSpace(cfg.Target)
	if cfg.Target != "" {
		if _, err := transpile.ParseTarget(cfg.Target); err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("target: %w", err))
			cfg.Target = ""
		}
	}
	cfg.JSX = strings.TrimSpace(cfg.JSX)
	if _, err := transpile.ParseJSX(cfg.JSX); err != nil {
		validationErrors = append(validationErrors, fmt.Errorf("jsx: %w", err))
		cfg.JSX = ""
	}

	var errs []error
	cfg.Resolve.Conditions, errs = validateNames("resolve.conditions", cfg.Resolve.Conditions, nil)
	validationErrors = append(validationErrors, errs...)

	cfg.Resolve.MainFields, errs = validateNames("resolve.mainFields", cfg.Resolve.MainFields, nil)
	validationErrors = append(validationErrors, errs...)

	// Extensions must look like ".js"
	cfg.Resolve.Extensions, errs = validateNames("resolve.extensions", cfg.Resolve.Extensions, func(ext string) error {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 || strings.ContainsAny(ext, `/\`) {
			return fmt.Errorf("must be a file extension like \".js\", got %q", ext)
		}
		return nil
	})
	validationErrors = append(validationErrors, errs...)

	if cfg.Resolve.CacheSize < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("resolve.cacheSize: must not be negative, got %d", cfg.Resolve.CacheSize))
		cfg.Resolve.CacheSize = 0
	}

	return &cfg, validationErrors
}

// validateNames trims entries, drops empty and duplicate ones and those
// rejected by check, and reports each removal.
func validateNames(field string, values []string, check func(string) error) ([]string, []error) {
	if len(values) == 0 {
		return values, nil
	}
	var errs []error
	valid := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for i, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: required value missing", field, i))
			continue
		}
		if _, dup := seen[v]; dup {
			errs = append(errs, fmt.Errorf("%s[%d]: duplicate value %q", field, i, v))
			continue
		}
		if check != nil {
			if err := check(v); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", field, i, err))
				continue
			}
		}
		seen[v] = struct{}{}
		valid = append(valid, v)
	}
	return valid, errs
}
