package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultConfigPath is the path to the canonical front-end defaults file.
const DefaultConfigPath = "config/frontend.defaults.json"

// FrontendConfig is the JSON configuration of the front-end binary. Every
// field is optional; the Get* methods supply defaults for omitted fields.
type FrontendConfig struct {
	// Estimator
	TimeOffset       *float64 `json:"time_offset,omitempty"` // seconds, camera clock + td = inertial clock
	Gravity          *float64 `json:"gravity,omitempty"`     // m/s², along world +Z
	NumCameras       *int     `json:"num_cameras,omitempty"`
	WarmupFrames     *int     `json:"warmup_frames,omitempty"`
	WindowSize       *int     `json:"window_size,omitempty"`
	KeyframeDistance *float64 `json:"keyframe_distance,omitempty"`

	// Diagnostics
	LogThrottleInterval *string `json:"log_throttle_interval,omitempty"` // duration string like "1s"
	LogThrottleBurst    *int    `json:"log_throttle_burst,omitempty"`
	StatsInterval       *string `json:"stats_interval,omitempty"` // "0s" disables the periodic stats line

	// Endpoints
	HTTPListen     *string `json:"http_listen,omitempty"`
	GRPCListen     *string `json:"grpc_listen,omitempty"`
	SerialPath     *string `json:"serial_path,omitempty"`
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty"`

	// Publishers
	RecorderPath       *string `json:"recorder_path,omitempty"` // empty disables recording
	StreamClientBuffer *int    `json:"stream_client_buffer,omitempty"`
}

// LoadConfig loads a FrontendConfig from a JSON file with a .json
// extension no larger than 1MB. Omitted fields keep their defaults.
func LoadConfig(path string) (*FrontendConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &FrontendConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. It panics when the file is missing and is meant
// for test setup.
func MustLoadDefaultConfig() *FrontendConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *FrontendConfig) Validate() error {
	if c.Gravity != nil && *c.Gravity <= 0 {
		return fmt.Errorf("gravity must be positive, got %f", *c.Gravity)
	}
	if c.NumCameras != nil && *c.NumCameras < 1 {
		return fmt.Errorf("num_cameras must be at least 1, got %d", *c.NumCameras)
	}
	if c.WarmupFrames != nil && *c.WarmupFrames < 0 {
		return fmt.Errorf("warmup_frames must be non-negative, got %d", *c.WarmupFrames)
	}
	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", *c.WindowSize)
	}
	if c.KeyframeDistance != nil && *c.KeyframeDistance < 0 {
		return fmt.Errorf("keyframe_distance must be non-negative, got %f", *c.KeyframeDistance)
	}
	for name, v := range map[string]*string{
		"log_throttle_interval": c.LogThrottleInterval,
		"stats_interval":        c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		if d, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		} else if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.LogThrottleBurst != nil && *c.LogThrottleBurst < 1 {
		return fmt.Errorf("log_throttle_burst must be at least 1, got %d", *c.LogThrottleBurst)
	}
	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return fmt.Errorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}
	if c.StreamClientBuffer != nil && *c.StreamClientBuffer < 1 {
		return fmt.Errorf("stream_client_buffer must be at least 1, got %d", *c.StreamClientBuffer)
	}
	return nil
}

// GetTimeOffset returns time_offset or 0.
func (c *FrontendConfig) GetTimeOffset() float64 {
	if c.TimeOffset == nil {
		return 0
	}
	return *c.TimeOffset
}

// GetGravity returns the world gravity vector, 9.81 m/s² along +Z by default.
func (c *FrontendConfig) GetGravity() r3.Vec {
	if c.Gravity == nil {
		return r3.Vec{Z: 9.81}
	}
	return r3.Vec{Z: *c.Gravity}
}

func (c *FrontendConfig) GetNumCameras() int {
	if c.NumCameras == nil {
		return 1
	}
	return *c.NumCameras
}

func (c *FrontendConfig) GetWarmupFrames() int {
	if c.WarmupFrames == nil {
		return 10
	}
	return *c.WarmupFrames
}

func (c *FrontendConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return 10
	}
	return *c.WindowSize
}

func (c *FrontendConfig) GetKeyframeDistance() float64 {
	if c.KeyframeDistance == nil {
		return 0.25
	}
	return *c.KeyframeDistance
}

func (c *FrontendConfig) GetLogThrottleInterval() time.Duration {
	return parseDuration(c.LogThrottleInterval, time.Second)
}

func (c *FrontendConfig) GetLogThrottleBurst() int {
	if c.LogThrottleBurst == nil {
		return 5
	}
	return *c.LogThrottleBurst
}

// GetStatsInterval returns how often synchronizer statistics are logged;
// zero disables the log line.
func (c *FrontendConfig) GetStatsInterval() time.Duration {
	return parseDuration(c.StatsInterval, 30*time.Second)
}

func (c *FrontendConfig) GetHTTPListen() string {
	return stringOr(c.HTTPListen, "localhost:8090")
}

func (c *FrontendConfig) GetGRPCListen() string {
	return stringOr(c.GRPCListen, "localhost:50061")
}

func (c *FrontendConfig) GetSerialPath() string {
	return stringOr(c.SerialPath, "/dev/ttyUSB0")
}

// GetSerialBaudRate returns serial_baud_rate; 0 lets the serial layer pick
// its default.
func (c *FrontendConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 0
	}
	return *c.SerialBaudRate
}

// GetRecorderPath returns the sqlite trajectory file, empty when recording
// is disabled.
func (c *FrontendConfig) GetRecorderPath() string {
	return stringOr(c.RecorderPath, "")
}

func (c *FrontendConfig) GetStreamClientBuffer() int {
	if c.StreamClientBuffer == nil {
		return 64
	}
	return *c.StreamClientBuffer
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
