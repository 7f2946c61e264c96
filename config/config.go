package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"landmarkrtc/internal/logger"
	"landmarkrtc/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. LANDMARKRTC_HTTP_ADDR
const EnvPrefix = "LANDMARKRTC"

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	// WebRTC
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	PLIInterval   time.Duration `mapstructure:"pli_interval"`
	MaxSessions   int           `mapstructure:"max_sessions"`

	// Decoding
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FrameWidth  int    `mapstructure:"frame_width"`
	FrameHeight int    `mapstructure:"frame_height"`
	FrameQueue  int    `mapstructure:"frame_queue"`

	// Analysis
	AnalyzerURL     string        `mapstructure:"analyzer_url"` // Empty runs the no-op analyzer
	AnalyzerFormat  string        `mapstructure:"analyzer_format"`
	AnalysisTimeout time.Duration `mapstructure:"analysis_timeout"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`

	// Payload layout
	LandmarkOffset int `mapstructure:"landmark_offset"`
	LandmarkCount  int `mapstructure:"landmark_count"`
	LandmarkDims   int `mapstructure:"landmark_dims"`

	// Auth
	RequireOfferToken bool          `mapstructure:"require_offer_token"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	MaxTokenTTL       time.Duration `mapstructure:"max_token_ttl"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
		LogPretty:         false,
		ICEServers:        []string{},
		GatherTimeout:     10 * time.Second,
		PLIInterval:       3 * time.Second,
		MaxSessions:       100,
		FFmpegPath:        "ffmpeg",
		FrameWidth:        640,
		FrameHeight:       480,
		FrameQueue:        2,
		AnalyzerURL:       "",
		AnalyzerFormat:    string(models.PixelFormatRGB24),
		AnalysisTimeout:   500 * time.Millisecond,
		StopGrace:         2 * time.Second,
		LandmarkOffset:    10,
		LandmarkCount:     11,
		LandmarkDims:      2,
		RequireOfferToken: false,
		TokenTTL:          5 * time.Minute,
		MaxTokenTTL:       time.Hour,
	}
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"addr":      "http_addr",
	"log-level": "log_level",
}

// Load builds the configuration from defaults, an optional YAML file, the
// environment and finally any flags that were set on the command line.
// An empty path falls back to $LANDMARKRTC_CONFIG and then ./landmarkrtc.yaml
// if it exists.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed every key so env-only configs unmarshal
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_pretty", cfg.LogPretty)
	v.SetDefault("ice_servers", cfg.ICEServers)
	v.SetDefault("gather_timeout", cfg.GatherTimeout)
	v.SetDefault("pli_interval", cfg.PLIInterval)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("ffmpeg_path", cfg.FFmpegPath)
	v.SetDefault("frame_width", cfg.FrameWidth)
	v.SetDefault("frame_height", cfg.FrameHeight)
	v.SetDefault("frame_queue", cfg.FrameQueue)
	v.SetDefault("analyzer_url", cfg.AnalyzerURL)
	v.SetDefault("analyzer_format", cfg.AnalyzerFormat)
	v.SetDefault("analysis_timeout", cfg.AnalysisTimeout)
	v.SetDefault("stop_grace", cfg.StopGrace)
	v.SetDefault("landmark_offset", cfg.LandmarkOffset)
	v.SetDefault("landmark_count", cfg.LandmarkCount)
	v.SetDefault("landmark_dims", cfg.LandmarkDims)
	v.SetDefault("require_offer_token", cfg.RequireOfferToken)
	v.SetDefault("token_ttl", cfg.TokenTTL)
	v.SetDefault("max_token_ttl", cfg.MaxTokenTTL)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("landmarkrtc")
		v.AddConfigPath(".")
	}

	// A missing config file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	if c.HTTPAddr == "" {
		return errors.New("http_addr must not be empty")
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", c.FrameWidth, c.FrameHeight)
	}
	if c.FrameQueue < 1 {
		return fmt.Errorf("frame_queue must be at least 1, got %d", c.FrameQueue)
	}
	if c.LandmarkOffset < 0 || c.LandmarkCount < 1 {
		return fmt.Errorf("invalid landmark range offset=%d count=%d", c.LandmarkOffset, c.LandmarkCount)
	}
	if c.LandmarkDims < 1 || c.LandmarkDims > 3 {
		return fmt.Errorf("landmark_dims must be 1, 2 or 3, got %d", c.LandmarkDims)
	}
	if models.PixelFormat(c.AnalyzerFormat).BytesPerPixel() == 0 {
		return fmt.Errorf("unsupported analyzer_format %q", c.AnalyzerFormat)
	}
	if c.AnalysisTimeout < 0 || c.GatherTimeout < 0 || c.PLIInterval < 0 {
		return errors.New("timeouts and intervals must not be negative")
	}
	if c.RequireOfferToken && c.TokenTTL <= 0 {
		return errors.New("token_ttl must be positive when offer tokens are required")
	}
	return nil
}
