// Package config holds the single configuration structure of the imager and
// its YAML loading, defaults and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTelescopes are the international LOFAR stations used for closure
// imaging when no list is given.
const DefaultTelescopes = "DE601;DE602;DE603;DE604;DE605;FR606;SE607;UK608;DE609;PL610;PL611;PL612;IE613"

// Data modes.
const (
	ModeSplit      = "split"
	ModeBispectrum = "bispectrum"
	ModeBoth       = "both"
)

// Antenna match modes.
const (
	MatchPrefix = "prefix"
	MatchExact  = "exact"
)

// Config enumerates every recognized option.
type Config struct {
	// Input is the measurement store to image.
	Input string `yaml:"input"`

	Telescopes string `yaml:"telescopes"` // semicolon separated
	Exclude    string `yaml:"exclude"`
	MatchMode  string `yaml:"match_mode"`
	// ZBLPair names the preferred baseline for the zero-baseline estimate.
	ZBLPair [2]string `yaml:"zbl_pair"`

	Npix      int     `yaml:"npix"`
	FOV       float64 `yaml:"fov_arcsec"`
	ZBL       float64 `yaml:"zbl"` // Jy, 0 = estimate from data
	PriorFWHM float64 `yaml:"prior_fwhm_arcsec"`

	Stem      string `yaml:"stem"`
	OutputDir string `yaml:"output_dir"`

	MaxIter     int     `yaml:"maxiter"`
	ClipFloor   float64 `yaml:"clipfloor"` // Jy/pixel
	Convergence float64 `yaml:"convergence"`

	DataMode    string  `yaml:"data_mode"`
	DataWeight  float64 `yaml:"data_weight"`
	Regularizer string  `yaml:"regularizer"`
	RegWeight   float64 `yaml:"reg_weight"`
	FluxWeight  float64 `yaml:"flux_weight"`

	UseCatalog bool   `yaml:"use_catalog"`
	Catalog    string `yaml:"catalog"`

	Plots       bool `yaml:"plots"`
	Diagnostics bool `yaml:"diagnostics"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig controls the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // empty disables export
}

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Exporter    string `yaml:"exporter"` // stdout | file
	Path        string `yaml:"path"`     // used when Exporter == file
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Telescopes:  DefaultTelescopes,
		MatchMode:   MatchPrefix,
		ZBLPair:     [2]string{"DE601", "DE605"},
		Npix:        128,
		FOV:         6,
		PriorFWHM:   1,
		Stem:        "ehtim",
		OutputDir:   ".",
		MaxIter:     300,
		ClipFloor:   0.001,
		Convergence: 1e-4,
		DataMode:    ModeSplit,
		DataWeight:  50,
		Regularizer: "gs",
		RegWeight:   1,
		FluxWeight:  500,
		UseCatalog:  true,
		Catalog:     "first_2008.fits",
		Logging:     LoggingConfig{Level: "info", Format: "console"},
		Tracing:     TracingConfig{ServiceName: "closureimager", Exporter: "stdout"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults with environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("CLOSUREIMAGER_CATALOG"); path != "" {
		c.Catalog = path
	}
	if level := os.Getenv("CLOSUREIMAGER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if strings.EqualFold(os.Getenv("CLOSUREIMAGER_TRACING_ENABLED"), "true") {
		c.Tracing.Enabled = true
	}
	if path := os.Getenv("CLOSUREIMAGER_METRICS_TEXTFILE"); path != "" {
		c.Metrics.Textfile = path
	}
}

// Validate checks every option and reports the first problem.
func (c Config) Validate() error {
	switch {
	case c.Npix <= 0:
		return fmt.Errorf("npix must be positive, got %d", c.Npix)
	case c.FOV <= 0:
		return fmt.Errorf("fov must be positive, got %g", c.FOV)
	case c.ZBL < 0:
		return fmt.Errorf("zbl must be non-negative, got %g", c.ZBL)
	case c.PriorFWHM <= 0:
		return fmt.Errorf("prior fwhm must be positive, got %g", c.PriorFWHM)
	case c.MaxIter <= 0:
		return fmt.Errorf("maxiter must be positive, got %d", c.MaxIter)
	case c.ClipFloor < 0:
		return fmt.Errorf("clipfloor must be non-negative, got %g", c.ClipFloor)
	case c.Convergence <= 0:
		return fmt.Errorf("convergence must be positive, got %g", c.Convergence)
	case c.DataWeight <= 0:
		return fmt.Errorf("data weight must be positive, got %g", c.DataWeight)
	case c.RegWeight < 0 || c.FluxWeight < 0:
		return fmt.Errorf("regularizer weights must be non-negative")
	case c.Stem == "":
		return fmt.Errorf("output stem must not be empty")
	case strings.ContainsAny(c.Stem, `/\`):
		return fmt.Errorf("output stem %q must not contain path separators", c.Stem)
	}
	switch c.DataMode {
	case ModeSplit, ModeBispectrum, ModeBoth:
	default:
		return fmt.Errorf("invalid data mode: %s (valid: %s, %s, %s)", c.DataMode, ModeSplit, ModeBispectrum, ModeBoth)
	}
	switch c.MatchMode {
	case MatchPrefix, MatchExact:
	default:
		return fmt.Errorf("invalid match mode: %s (valid: %s, %s)", c.MatchMode, MatchPrefix, MatchExact)
	}
	switch c.Regularizer {
	case "gs", "l1":
	default:
		return fmt.Errorf("invalid regularizer: %s", c.Regularizer)
	}
	if c.ZBLPair[0] == "" || c.ZBLPair[1] == "" {
		return fmt.Errorf("zbl pair must name two antennas")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "":
		case "file":
			if c.Tracing.Path == "" {
				return fmt.Errorf("file trace exporter needs a path")
			}
		default:
			return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.Exporter)
		}
	}
	return nil
}

// Variants returns the data modes a run of this configuration executes.
func (c Config) Variants() []string {
	if c.DataMode == ModeBoth {
		return []string{ModeSplit, ModeBispectrum}
	}
	return []string{c.DataMode}
}
