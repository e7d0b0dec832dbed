// Package config loads the sync-record configuration.
//
// Precedence: built-in defaults, then the YAML file, then SYNC_CAPTURE_*
// environment variables. Command-line flags are applied by the caller on
// top of the loaded Config, followed by a second Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	synccapture "github.com/e7canasta/sync-capture"
)

// PathEnv names the config file when -config is not given
const PathEnv = "SYNC_CAPTURE_CONFIG"

// Config represents the complete sync-record configuration
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Master    MasterConfig    `yaml:"master"`
	Run       RunConfig       `yaml:"run"`
	Output    OutputConfig    `yaml:"output"`
	Devices   []DeviceConfig  `yaml:"devices"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	// Simulate > 0 replaces the hardware driver with that many simulated devices
	Simulate int `yaml:"simulate" env:"SYNC_CAPTURE_SIMULATE"`
}

// CaptureConfig contains the settings shared by every device
type CaptureConfig struct {
	ColorFormat            string `yaml:"color_format" env:"SYNC_CAPTURE_COLOR_FORMAT"`   // MJPG, NV12, YUY2, BGRA32
	Resolution             string `yaml:"resolution" env:"SYNC_CAPTURE_RESOLUTION"`       // 720p .. 3072p
	DepthMode              string `yaml:"depth_mode" env:"SYNC_CAPTURE_DEPTH_MODE"`       // OFF, NFOV_UNBINNED, ...
	FPS                    int    `yaml:"fps" env:"SYNC_CAPTURE_FPS"`                     // 5, 15, 30
	ExposureUsec           int32  `yaml:"exposure_usec" env:"SYNC_CAPTURE_EXPOSURE_USEC"` // manual exposure
	Gain                   int32  `yaml:"gain" env:"SYNC_CAPTURE_GAIN"`                   // manual gain
	SubordinateDelayUsec   uint32 `yaml:"subordinate_delay_usec" env:"SYNC_CAPTURE_SUB_DELAY_USEC"`
	DepthDelayOffColorUsec int32  `yaml:"depth_delay_off_color_usec" env:"SYNC_CAPTURE_DEPTH_DELAY_USEC"`
}

// MasterConfig designates the master explicitly. Serial wins over Index;
// Index -1 with an empty Serial means detect from sync cabling.
type MasterConfig struct {
	Serial string `yaml:"serial" env:"SYNC_CAPTURE_MASTER_SERIAL"`
	Index  int    `yaml:"index" env:"SYNC_CAPTURE_MASTER_INDEX"`
}

// RunConfig contains timing of the run
type RunConfig struct {
	Duration    time.Duration `yaml:"duration" env:"SYNC_CAPTURE_DURATION"`
	SettleDelay time.Duration `yaml:"settle_delay" env:"SYNC_CAPTURE_SETTLE_DELAY"`
	PollTimeout time.Duration `yaml:"poll_timeout" env:"SYNC_CAPTURE_POLL_TIMEOUT"`
}

// OutputConfig controls where recordings go
type OutputConfig struct {
	Dir      string `yaml:"dir" env:"SYNC_CAPTURE_OUTPUT_DIR"`
	Prefix   string `yaml:"prefix" env:"SYNC_CAPTURE_PREFIX"`
	Manifest bool   `yaml:"manifest" env:"SYNC_CAPTURE_MANIFEST"`
}

// DeviceConfig describes one V4L2 device. When Devices is empty the driver
// scans /dev/video* and reads serials from sysfs.
type DeviceConfig struct {
	Path    string `yaml:"path"`
	Serial  string `yaml:"serial"`
	SyncIn  bool   `yaml:"sync_in"`
	SyncOut bool   `yaml:"sync_out"`
}

// MQTTConfig contains MQTT broker settings. An empty Broker disables events.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"SYNC_CAPTURE_MQTT_BROKER"`
	Topic    string `yaml:"topic" env:"SYNC_CAPTURE_MQTT_TOPIC"`
	ClientID string `yaml:"client_id" env:"SYNC_CAPTURE_MQTT_CLIENT_ID"`
	QoS      byte   `yaml:"qos" env:"SYNC_CAPTURE_MQTT_QOS"`
}

// TelemetryConfig enables tracing when Endpoint is set
type TelemetryConfig struct {
	Endpoint    string `yaml:"otel_endpoint" env:"SYNC_CAPTURE_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SYNC_CAPTURE_OTEL_SERVICE"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `yaml:"level" env:"SYNC_CAPTURE_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"SYNC_CAPTURE_LOG_FORMAT"` // text, json
}

// Default returns a single-run configuration:
// MJPG 720p at 30 fps, depth off, 3 seconds, detected master.
func Default() *Config {
	s := synccapture.DefaultSettings()
	return &Config{
		Capture: CaptureConfig{
			ColorFormat:            s.ColorFormat.String(),
			Resolution:             s.ColorResolution.String(),
			DepthMode:              s.DepthMode.String(),
			FPS:                    s.FrameRate.FramesPerSecond(),
			ExposureUsec:           s.ExposureUsec,
			Gain:                   s.Gain,
			SubordinateDelayUsec:   s.SubordinateDelayUsec,
			DepthDelayOffColorUsec: s.DepthDelayOffColorUsec,
		},
		Master: MasterConfig{Index: synccapture.AutoMaster},
		Run: RunConfig{
			Duration:    3 * time.Second,
			SettleDelay: synccapture.DefaultSettleDelay,
			PollTimeout: synccapture.DefaultPollTimeout,
		},
		Output: OutputConfig{
			Dir:      ".",
			Prefix:   "capture",
			Manifest: true,
		},
		MQTT: MQTTConfig{
			Topic:    "sync-capture/events",
			ClientID: "sync-record",
			QoS:      1,
		},
		Telemetry: TelemetryConfig{ServiceName: "sync-record"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// ResolvePath returns flagPath, or the SYNC_CAPTURE_CONFIG path when the flag is empty
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv(PathEnv)
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse config: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseEnv overlays SYNC_CAPTURE_* variables onto target. Unset variables
// leave the current values in place.
func ParseEnv(target *Config) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Settings converts the capture section into run settings
func (c *Config) Settings() (synccapture.Settings, error) {
	format, err := synccapture.ParseColorFormat(c.Capture.ColorFormat)
	if err != nil {
		return synccapture.Settings{}, err
	}
	res, err := synccapture.ParseColorResolution(c.Capture.Resolution)
	if err != nil {
		return synccapture.Settings{}, err
	}
	depth, err := synccapture.ParseDepthMode(c.Capture.DepthMode)
	if err != nil {
		return synccapture.Settings{}, err
	}
	rate, err := synccapture.ParseFrameRate(c.Capture.FPS)
	if err != nil {
		return synccapture.Settings{}, err
	}

	return synccapture.Settings{
		ColorFormat:            format,
		ColorResolution:        res,
		DepthMode:              depth,
		FrameRate:              rate,
		SubordinateDelayUsec:   c.Capture.SubordinateDelayUsec,
		DepthDelayOffColorUsec: c.Capture.DepthDelayOffColorUsec,
		ExposureUsec:           c.Capture.ExposureUsec,
		Gain:                   c.Capture.Gain,
	}, nil
}

// Options converts the configuration into run options. Clock, Events and
// Logger are left for the caller to wire.
func (c *Config) Options() (synccapture.Options, error) {
	settings, err := c.Settings()
	if err != nil {
		return synccapture.Options{}, err
	}

	opts := synccapture.DefaultOptions()
	opts.Settings = settings
	opts.Master = synccapture.MasterOverride{Serial: c.Master.Serial, Index: c.Master.Index}
	opts.Duration = c.Run.Duration
	opts.SettleDelay = c.Run.SettleDelay
	opts.PollTimeout = c.Run.PollTimeout
	opts.OutputDir = c.Output.Dir
	opts.FilePrefix = c.Output.Prefix
	return opts, nil
}

// ErrInvalid marks every validation failure
var ErrInvalid = errors.New("invalid configuration")
