package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	App      AppConfig
	Model    ModelConfig
	Pipeline PipelineConfig
	Display  DisplayConfig
	LogLevel string
}

type ServerConfig struct {
	Host string
	Port string
}

type AppConfig struct {
	TempDir       string
	MaxUploadSize int64
	MaxFiles      int
	MaxPixels     int64         // width*height bound for every decoded image
	SessionTTL    time.Duration // how long an untouched session keeps its images
}

type ModelConfig struct {
	// Backend is one of "onnx", "deepface" or "ollama".
	Backend      string
	Path         string
	MetadataPath string
	URL          string
	Name         string
	Timeout      time.Duration
	Sessions     int
}

// PipelineConfig controls blurring, display layout and how classification
// is scheduled.
type PipelineConfig struct {
	BlurRadius                float64
	GridWidth                 int
	UseParallelClassification bool
	Workers                   int
	Resize                    bool
	TargetWidth               int
	TargetHeight              int
}

type DisplayConfig struct {
	Format  string
	Quality int
}

var backends = []string{"onnx", "deepface", "ollama"}

var displayFormats = []string{"jpeg", "png", "webp"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("APP_TEMP_DIR", os.TempDir())
	v.SetDefault("APP_MAX_UPLOAD_SIZE", 32*1024*1024) // 32MB per request
	v.SetDefault("APP_MAX_FILES", 100)
	v.SetDefault("APP_MAX_PIXELS", 40_000_000)
	v.SetDefault("APP_SESSION_TTL", "30m")
	v.SetDefault("MODEL_BACKEND", "onnx")
	v.SetDefault("MODEL_PATH", "models/model_embedded.onnx")
	v.SetDefault("MODEL_METADATA_PATH", "models/model_metadata.json")
	v.SetDefault("MODEL_URL", "http://localhost:5005")
	v.SetDefault("MODEL_NAME", "llava")
	v.SetDefault("MODEL_TIMEOUT", "60s")
	v.SetDefault("MODEL_SESSIONS", 0)
	v.SetDefault("PIPELINE_BLUR_RADIUS", 35.0)
	v.SetDefault("PIPELINE_GRID_WIDTH", 10)
	v.SetDefault("PIPELINE_USE_PARALLEL_CLASSIFICATION", true)
	v.SetDefault("PIPELINE_WORKERS", 0)
	v.SetDefault("PIPELINE_RESIZE", false)
	v.SetDefault("PIPELINE_TARGET_WIDTH", 300)
	v.SetDefault("PIPELINE_TARGET_HEIGHT", 300)
	v.SetDefault("DISPLAY_FORMAT", "jpeg")
	v.SetDefault("DISPLAY_QUALITY", 85)
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads configuration from defaults, an optional .env file, an
// optional config file and the environment, in increasing precedence.
func Load(configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	timeout, err := time.ParseDuration(v.GetString("MODEL_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("invalid MODEL_TIMEOUT: %w", err)
	}
	sessionTTL, err := time.ParseDuration(v.GetString("APP_SESSION_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_SESSION_TTL: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetString("SERVER_PORT"),
		},
		App: AppConfig{
			TempDir:       v.GetString("APP_TEMP_DIR"),
			MaxUploadSize: v.GetInt64("APP_MAX_UPLOAD_SIZE"),
			MaxFiles:      v.GetInt("APP_MAX_FILES"),
			MaxPixels:     v.GetInt64("APP_MAX_PIXELS"),
			SessionTTL:    sessionTTL,
		},
		Model: ModelConfig{
			Backend:      strings.ToLower(v.GetString("MODEL_BACKEND")),
			Path:         v.GetString("MODEL_PATH"),
			MetadataPath: v.GetString("MODEL_METADATA_PATH"),
			URL:          v.GetString("MODEL_URL"),
			Name:         v.GetString("MODEL_NAME"),
			Timeout:      timeout,
			Sessions:     v.GetInt("MODEL_SESSIONS"),
		},
		Pipeline: PipelineConfig{
			BlurRadius:                v.GetFloat64("PIPELINE_BLUR_RADIUS"),
			GridWidth:                 v.GetInt("PIPELINE_GRID_WIDTH"),
			UseParallelClassification: v.GetBool("PIPELINE_USE_PARALLEL_CLASSIFICATION"),
			Workers:                   v.GetInt("PIPELINE_WORKERS"),
			Resize:                    v.GetBool("PIPELINE_RESIZE"),
			TargetWidth:               v.GetInt("PIPELINE_TARGET_WIDTH"),
			TargetHeight:              v.GetInt("PIPELINE_TARGET_HEIGHT"),
		},
		Display: DisplayConfig{
			Format:  normalizeFormat(v.GetString("DISPLAY_FORMAT")),
			Quality: v.GetInt("DISPLAY_QUALITY"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.App.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir %s: %w", cfg.App.TempDir, err)
	}

	return cfg, nil
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "jpg" {
		return "jpeg"
	}
	return format
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if !contains(backends, c.Model.Backend) {
		errs = append(errs, fmt.Errorf("model.backend must be one of %v, got %q", backends, c.Model.Backend))
	}
	if c.Model.Timeout <= 0 {
		errs = append(errs, errors.New("model.timeout must be positive"))
	}
	if c.Pipeline.BlurRadius <= 0 {
		errs = append(errs, errors.New("pipeline.blur_radius must be positive"))
	}
	if c.Pipeline.GridWidth < 1 {
		errs = append(errs, errors.New("pipeline.grid_width must be at least 1"))
	}
	if c.Pipeline.Workers < 0 {
		errs = append(errs, errors.New("pipeline.workers cannot be negative"))
	}
	if c.Pipeline.Resize && (c.Pipeline.TargetWidth < 1 || c.Pipeline.TargetHeight < 1) {
		errs = append(errs, errors.New("pipeline target size must be positive when resizing"))
	}
	if !contains(displayFormats, c.Display.Format) {
		errs = append(errs, fmt.Errorf("display.format must be one of %v, got %q", displayFormats, c.Display.Format))
	}
	if c.Display.Quality < 1 || c.Display.Quality > 100 {
		errs = append(errs, errors.New("display.quality must be between 1 and 100"))
	}
	if c.App.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("app.max_upload_size must be positive"))
	}
	if c.App.MaxPixels <= 0 {
		errs = append(errs, errors.New("app.max_pixels must be positive"))
	}
	if c.App.SessionTTL <= 0 {
		errs = append(errs, errors.New("app.session_ttl must be positive"))
	}
	if c.App.MaxFiles < 1 {
		errs = append(errs, errors.New("app.max_files must be at least 1"))
	}

	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
