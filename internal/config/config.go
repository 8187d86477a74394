package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sentinel/internal/pipeline"
	"sentinel/internal/zone"
)

// Config is the immutable configuration snapshot for one pipeline run
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Listen    string `yaml:"listen"`

	Defaults     Defaults           `yaml:"defaults"`
	Cameras      []Camera           `yaml:"cameras"`
	Stream       StreamConfig       `yaml:"stream"`
	Detection    DetectionConfig    `yaml:"detection"`
	Correlation  CorrelationConfig  `yaml:"correlation"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Feed     FeedConfig     `yaml:"feed"`
}

// Defaults are the global pipeline settings every camera inherits
type Defaults struct {
	Sensitivity       int     `yaml:"sensitivity"`         // Motion sensitivity 1..10
	MinArea           int     `yaml:"min_area"`            // Minimum motion region area in pixels
	CooldownSeconds   float64 `yaml:"cooldown_seconds"`    // Trigger suppression after an event
	BeforeSeconds     float64 `yaml:"before_seconds"`      // Context kept before a trigger
	AfterSeconds      float64 `yaml:"after_seconds"`       // Delay of the after frame
	AfterGraceSeconds float64 `yaml:"after_grace_seconds"` // Extra wait before giving up on the after frame
	TriggerConfidence float32 `yaml:"trigger_confidence"`  // Floor for a detection to open an event
	AcceptConfidence  float32 `yaml:"accept_confidence"`   // Local heuristic floor when confirmation is unavailable
	ColorConfidence   float32 `yaml:"color_confidence"`    // Detector threshold for color sources
	ThermalConfidence float32 `yaml:"thermal_confidence"`  // Detector threshold for thermal sources
}

// Overrides are per-camera settings. Nil means inherit from Defaults.
type Overrides struct {
	Sensitivity       *int     `yaml:"sensitivity,omitempty"`
	MinArea           *int     `yaml:"min_area,omitempty"`
	CooldownSeconds   *float64 `yaml:"cooldown_seconds,omitempty"`
	BeforeSeconds     *float64 `yaml:"before_seconds,omitempty"`
	AfterSeconds      *float64 `yaml:"after_seconds,omitempty"`
	TriggerConfidence *float32 `yaml:"trigger_confidence,omitempty"`
	AcceptConfidence  *float32 `yaml:"accept_confidence,omitempty"`
	Confidence        *float32 `yaml:"confidence,omitempty"` // Detector threshold for this camera
}

// Camera describes one camera source
type Camera struct {
	ID        string              `yaml:"id"`
	Name      string              `yaml:"name"`
	URL       string              `yaml:"url"`
	Kind      pipeline.SourceKind `yaml:"kind"`
	FPS       int                 `yaml:"fps"`
	Width     int                 `yaml:"width"`
	Height    int                 `yaml:"height"`
	Pair      string              `yaml:"pair,omitempty"` // Secondary camera correlated into this camera's events
	Disabled  bool                `yaml:"disabled,omitempty"`
	Zones     []ZoneConfig        `yaml:"zones,omitempty"`
	Overrides Overrides           `yaml:"overrides,omitempty"`
}

// ZoneConfig is the YAML form of a zone
type ZoneConfig struct {
	Name    string       `yaml:"name"`
	Mode    zone.Mode    `yaml:"mode"`
	Enabled *bool        `yaml:"enabled,omitempty"`
	Points  []zone.Point `yaml:"points"`
}

// StreamConfig controls source reconnection
type StreamConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	FailureWindow       time.Duration `yaml:"failure_window"`
	FailedProbeInterval time.Duration `yaml:"failed_probe_interval"`
	FFmpegPath          string        `yaml:"ffmpeg_path"`
}

// DetectionConfig controls the object detector and its worker pool
type DetectionConfig struct {
	Backends     []string      `yaml:"backends"` // Backend names in preference order: http, grpc, onnx
	Endpoint     string        `yaml:"endpoint"`
	GRPCEndpoint string        `yaml:"grpc_endpoint"`
	ModelPath    string        `yaml:"model_path"`
	RuntimePath  string        `yaml:"runtime_path"`
	Timeout      time.Duration `yaml:"timeout"`
	Workers      int           `yaml:"workers"`
	IoUThreshold float32       `yaml:"iou_threshold"`
	Classes      []string      `yaml:"classes"`
	MinAspect    float32       `yaml:"min_aspect"`
	MaxAspect    float32       `yaml:"max_aspect"`
}

// CorrelationConfig controls dual-camera merging
type CorrelationConfig struct {
	Tolerance          time.Duration `yaml:"tolerance"`
	DisagreementGap    float32       `yaml:"disagreement_gap"`
	SingleSourceFactor float32       `yaml:"single_source_factor"`
}

// ConfirmationConfig controls the vision-language confirmation gate
type ConfirmationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	Language      string        `yaml:"language"`
	Prompt        string        `yaml:"prompt"`
}

// MQTTConfig configures the MQTT output
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	ClearAfter  time.Duration `yaml:"clear_after"` // State topic returns to "clear" after this
}

// TelegramConfig configures the Telegram output
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// DatabaseConfig configures the SQLite event store
type DatabaseConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// StorageConfig selects where evidence frames are written
type StorageConfig struct {
	Backend   string      `yaml:"backend"` // "minio", "disk" or "none"
	Directory string      `yaml:"directory"`
	Minio     MinioConfig `yaml:"minio"`
}

// MinioConfig configures the S3-compatible evidence store
type MinioConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// FeedConfig configures the websocket live event feed
type FeedConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RequireAuth bool          `yaml:"require_auth"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Preview     bool          `yaml:"preview"` // Serve MJPEG previews and snapshots next to the feed
}

// Load reads .env files, the YAML file at path and environment overrides,
// then validates the result. Any ConfigurationError aborts startup.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and fills defaults without touching the environment
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// loadEnvFiles loads .env style files; missing files are not an error
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Listen:    ":8090",
		Defaults: Defaults{
			Sensitivity:       5,
			MinArea:           400,
			CooldownSeconds:   30,
			BeforeSeconds:     3,
			AfterSeconds:      3,
			AfterGraceSeconds: 2,
			TriggerConfidence: 0.5,
			AcceptConfidence:  0.8,
			ColorConfidence:   0.5,
			ThermalConfidence: 0.35,
		},
		Stream: StreamConfig{
			MaxRetries:          8,
			RetryDelay:          time.Second,
			MaxRetryDelay:       60 * time.Second,
			FailureThreshold:    5,
			FailureWindow:       10 * time.Second,
			FailedProbeInterval: 5 * time.Minute,
			FFmpegPath:          "ffmpeg",
		},
		Detection: DetectionConfig{
			Backends:     []string{"http"},
			Endpoint:     "http://localhost:8081",
			Timeout:      5 * time.Second,
			Workers:      2,
			IoUThreshold: 0.45,
			Classes:      []string{"person"},
			MinAspect:    0.8,
			MaxAspect:    4.5,
		},
		Correlation: CorrelationConfig{
			Tolerance:          300 * time.Millisecond,
			DisagreementGap:    0.4,
			SingleSourceFactor: 0.9,
		},
		Confirmation: ConfirmationConfig{
			Timeout:       20 * time.Second,
			MaxRetries:    2,
			RetryDelay:    time.Second,
			MaxRetryDelay: 8 * time.Second,
			Language:      "en",
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "sentinel",
			TopicPrefix: "sentinel",
			ClearAfter:  30 * time.Second,
		},
		Telegram: TelegramConfig{
			CooldownSeconds: 30,
		},
		Database: DatabaseConfig{
			Path:      "sentinel.db",
			Retention: 30 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend:   "disk",
			Directory: "evidence",
			Minio: MinioConfig{
				Endpoint: "localhost:9000",
				Bucket:   "sentinel-evidence",
			},
		},
		Feed: FeedConfig{
			TokenExpiry: 24 * time.Hour,
		},
	}
}

// applyDefaults fills per-camera fields left empty in YAML
func (c *Config) applyDefaults() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Name == "" {
			cam.Name = cam.ID
		}
		if cam.Kind == "" {
			cam.Kind = pipeline.SourceColor
		}
		if cam.FPS <= 0 {
			cam.FPS = 5
		}
	}
}

// ZoneList converts the YAML zones of a camera. Zones default to enabled.
func (cam Camera) ZoneList() []zone.Zone {
	out := make([]zone.Zone, 0, len(cam.Zones))
	for _, z := range cam.Zones {
		enabled := true
		if z.Enabled != nil {
			enabled = *z.Enabled
		}
		out = append(out, zone.Zone{
			Name:    z.Name,
			Mode:    z.Mode,
			Enabled: enabled,
			Points:  append([]zone.Point(nil), z.Points...),
		})
	}
	return out
}

// Camera returns the camera with the given id
func (c *Config) Camera(id string) (Camera, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return Camera{}, false
}

// Secondaries returns the ids of cameras used as the secondary of a pair
func (c *Config) Secondaries() map[string]string {
	out := make(map[string]string)
	for _, cam := range c.Cameras {
		if cam.Pair != "" {
			out[cam.Pair] = cam.ID
		}
	}
	return out
}
