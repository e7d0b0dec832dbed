package config

import (
	"fmt"
	"regexp"
	"strings"

	synccapture "github.com/e7canasta/sync-capture"
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks the configuration and fills derived defaults
func Validate(cfg *Config) error {
	if _, err := cfg.Settings(); err != nil {
		return fmt.Errorf("%w: capture: %v", ErrInvalid, err)
	}
	if cfg.Capture.ExposureUsec <= 0 {
		return fmt.Errorf("%w: capture.exposure_usec must be > 0, got %d", ErrInvalid, cfg.Capture.ExposureUsec)
	}
	if cfg.Capture.Gain < 0 || cfg.Capture.Gain > 255 {
		return fmt.Errorf("%w: capture.gain must be in [0, 255], got %d", ErrInvalid, cfg.Capture.Gain)
	}

	if cfg.Master.Index < synccapture.AutoMaster {
		return fmt.Errorf("%w: master.index must be >= -1, got %d", ErrInvalid, cfg.Master.Index)
	}

	if cfg.Run.Duration <= 0 {
		return fmt.Errorf("%w: run.duration must be > 0", ErrInvalid)
	}
	if cfg.Run.SettleDelay < 0 {
		return fmt.Errorf("%w: run.settle_delay must be >= 0", ErrInvalid)
	}
	if cfg.Run.PollTimeout <= 0 {
		cfg.Run.PollTimeout = synccapture.DefaultPollTimeout
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "."
	}
	if cfg.Output.Prefix == "" {
		cfg.Output.Prefix = "capture"
	}
	if !prefixPattern.MatchString(cfg.Output.Prefix) {
		return fmt.Errorf("%w: output.prefix must match [A-Za-z0-9._-]+, got %q", ErrInvalid, cfg.Output.Prefix)
	}

	if cfg.Simulate < 0 {
		return fmt.Errorf("%w: simulate must be >= 0, got %d", ErrInvalid, cfg.Simulate)
	}
	if err := ValidateDevices(cfg.Devices); err != nil {
		return err
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "sync-capture/events"
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2, got %d", ErrInvalid, cfg.MQTT.QoS)
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q (must be debug, info, warn or error)", ErrInvalid, cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q (must be text or json)", ErrInvalid, cfg.Log.Format)
	}

	return nil
}

// ValidateDevices checks the static device list
func ValidateDevices(devices []DeviceConfig) error {
	paths := make(map[string]bool, len(devices))
	serials := make(map[string]bool, len(devices))

	for i, d := range devices {
		if d.Path == "" {
			return fmt.Errorf("%w: devices[%d]: path is required", ErrInvalid, i)
		}
		if paths[d.Path] {
			return fmt.Errorf("%w: devices[%d]: duplicate path %s", ErrInvalid, i, d.Path)
		}
		paths[d.Path] = true

		if d.Serial != "" {
			if serials[d.Serial] {
				return fmt.Errorf("%w: devices[%d]: duplicate serial %s", ErrInvalid, i, d.Serial)
			}
			serials[d.Serial] = true
		}
	}
	return nil
}
