// Package config loads the service configuration from a YAML file with
// VIDANON_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vidanon/internal/pipeline"
)

// Detection backends
const (
	BackendOpenCV = "opencv"
	BackendRemote = "remote"
)

// Config is the complete service configuration
type Config struct {
	FFmpeg          string                   `yaml:"ffmpeg"`
	FFprobe         string                   `yaml:"ffprobe"`
	WorkRoot        string                   `yaml:"work_root"`  // Per-run work directories are created here
	OutputDir       string                   `yaml:"output_dir"` // Final artifacts
	PlayableTimeout time.Duration            `yaml:"playable_timeout"`
	Pipeline        pipeline.PipelineOptions `yaml:"pipeline"` // Defaults for runs that do not set options
	Models          ModelsConfig             `yaml:"models"`
	Detection       DetectionConfig          `yaml:"detection"`
	HTTP            HTTPConfig               `yaml:"http"`
	Database        DatabaseConfig           `yaml:"database"`
	Auth            AuthConfig               `yaml:"auth"`
	Inference       InferenceConfig          `yaml:"inference"`
}

// ModelsConfig controls detector resource staging
type ModelsConfig struct {
	BaseURL  string `yaml:"base_url"` // Overrides every catalog URL when set
	CacheDir string `yaml:"cache_dir"`
}

// DetectionConfig selects the detection backend
type DetectionConfig struct {
	Backend       string        `yaml:"backend"`  // opencv | remote
	Endpoint      string        `yaml:"endpoint"` // Remote inference address
	Timeout       time.Duration `yaml:"timeout"`
	PyramidLevels int           `yaml:"pyramid_levels"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Addr              string `yaml:"addr"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
	MaxUploadMB       int64  `yaml:"max_upload_mb"`
}

// DatabaseConfig configures the run store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures API bearer tokens
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// InferenceConfig configures the remote inference server
type InferenceConfig struct {
	Addr     string `yaml:"addr"`
	ModelDir string `yaml:"model_dir"`
}

// Default returns the built-in configuration
func Default() Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	base := filepath.Join(cacheDir, "vidanon")

	return Config{
		FFmpeg:          "ffmpeg",
		FFprobe:         "ffprobe",
		WorkRoot:        os.TempDir(),
		OutputDir:       filepath.Join(base, "output"),
		PlayableTimeout: 2 * time.Minute,
		Pipeline:        pipeline.DefaultOptions(),
		Models: ModelsConfig{
			CacheDir: filepath.Join(base, "models"),
		},
		Detection: DetectionConfig{
			Backend:       BackendOpenCV,
			Endpoint:      "localhost:50051",
			Timeout:       5 * time.Second,
			PyramidLevels: 1,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			MaxConcurrentRuns: 2,
			MaxUploadMB:       512,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(base, "vidanon.db"),
		},
		Auth: AuthConfig{
			JWTExpiry: 24 * time.Hour,
		},
		Inference: InferenceConfig{
			Addr:     ":50051",
			ModelDir: filepath.Join(base, "inference"),
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	// A file that sets toggles replaces the default set rather than merging
	toggles := c.Pipeline.Toggles
	c.Pipeline.Toggles = nil

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if c.Pipeline.Toggles == nil {
		c.Pipeline.Toggles = toggles
	}
	return nil
}

// ApplyEnv overrides fields from VIDANON_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("VIDANON_FFMPEG", &c.FFmpeg)
	str("VIDANON_FFPROBE", &c.FFprobe)
	str("VIDANON_WORK_ROOT", &c.WorkRoot)
	str("VIDANON_OUTPUT_DIR", &c.OutputDir)
	dur("VIDANON_PLAYABLE_TIMEOUT", &c.PlayableTimeout)
	str("VIDANON_MODEL_BASE_URL", &c.Models.BaseURL)
	str("VIDANON_MODEL_CACHE", &c.Models.CacheDir)
	str("VIDANON_DETECTION_BACKEND", &c.Detection.Backend)
	str("VIDANON_INFERENCE_ENDPOINT", &c.Detection.Endpoint)
	str("VIDANON_HTTP_ADDR", &c.HTTP.Addr)
	str("VIDANON_DB_PATH", &c.Database.Path)
	boolean("VIDANON_AUTH_ENABLED", &c.Auth.Enabled)
	str("VIDANON_JWT_SECRET", &c.Auth.JWTSecret)
	dur("VIDANON_JWT_EXPIRY", &c.Auth.JWTExpiry)
	str("VIDANON_INFERENCE_ADDR", &c.Inference.Addr)

	if v, ok := lookup("VIDANON_STYLE"); ok && v != "" {
		style, err := pipeline.ParseStyle(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VIDANON_STYLE: %w", err))
		} else {
			c.Pipeline.Style = style
		}
	}
	if v, ok := lookup("VIDANON_MODELS"); ok && v != "" {
		c.Pipeline.Toggles = ParseToggles(v)
	}

	return errors.Join(errs...)
}

// ParseToggles turns a comma-separated model list into enabled toggles
func ParseToggles(s string) map[string]bool {
	toggles := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			toggles[name] = true
		}
	}
	return toggles
}

// Validate checks the configuration for values no component can use
func (c Config) Validate() error {
	if c.FFmpeg == "" || c.FFprobe == "" {
		return fmt.Errorf("ffmpeg and ffprobe binaries are required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Models.CacheDir == "" {
		return fmt.Errorf("models.cache_dir is required")
	}
	switch c.Detection.Backend {
	case BackendOpenCV:
	case BackendRemote:
		if c.Detection.Endpoint == "" {
			return fmt.Errorf("detection.endpoint is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown detection backend %q", c.Detection.Backend)
	}
	if c.Detection.PyramidLevels < 0 {
		return fmt.Errorf("detection.pyramid_levels must be >= 0")
	}
	if c.HTTP.MaxConcurrentRuns < 0 {
		return fmt.Errorf("http.max_concurrent_runs must be >= 0")
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 bytes when auth is enabled")
	}
	if err := c.Pipeline.Validate(nil); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}
