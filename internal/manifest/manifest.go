// Package manifest writes the per-run YAML sidecar describing every
// recording: configuration, frame counts, device timestamps and arrival
// statistics.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	synccapture "github.com/e7canasta/sync-capture"
)

// Manifest is the document written next to the recordings
type Manifest struct {
	RunID       string    `yaml:"run_id"`
	StartedAt   time.Time `yaml:"started_at"`
	DurationS   float64   `yaml:"duration_s"`
	MasterIndex int       `yaml:"master_index"`
	State       string    `yaml:"state"`
	Status      string    `yaml:"status"` // ok, incomplete, failed
	Error       string    `yaml:"error,omitempty"`
	Devices     []Device  `yaml:"devices"`
}

// Device describes one recording
type Device struct {
	Index  int    `yaml:"index"`
	Serial string `yaml:"serial"`
	File   string `yaml:"file,omitempty"`

	ColorFormat          string `yaml:"color_format"`
	ColorResolution      string `yaml:"color_resolution"`
	DepthMode            string `yaml:"depth_mode"`
	FPS                  int    `yaml:"fps"`
	WiredSyncMode        string `yaml:"wired_sync_mode"`
	SubordinateDelayUsec uint32 `yaml:"subordinate_delay_usec"`

	FramesWritten    uint64 `yaml:"frames_written"`
	BytesWritten     uint64 `yaml:"bytes_written"`
	Timeouts         uint64 `yaml:"timeouts"`
	FirstTimestampUs int64  `yaml:"first_timestamp_usec"`
	LastTimestampUs  int64  `yaml:"last_timestamp_usec"`

	Stats Stats `yaml:"arrival_stats"`

	Finalized   bool   `yaml:"finalized"`
	FinalizeErr string `yaml:"finalize_error,omitempty"`
	CloseErr    string `yaml:"close_error,omitempty"`
}

// Stats mirrors synccapture.ArrivalStats
type Stats struct {
	FPSMean       float64 `yaml:"fps_mean"`
	FPSStdDev     float64 `yaml:"fps_stddev"`
	FPSMin        float64 `yaml:"fps_min"`
	FPSMax        float64 `yaml:"fps_max"`
	JitterMeanMs  float64 `yaml:"jitter_mean_ms"`
	JitterMaxMs   float64 `yaml:"jitter_max_ms"`
	DeliveryRatio float64 `yaml:"delivery_ratio"`
	Stable        bool    `yaml:"stable"`
}

// FileName returns <prefix>_run_<runID>.yaml
func FileName(prefix, runID string) string {
	if prefix == "" {
		prefix = "capture"
	}
	return fmt.Sprintf("%s_run_%s.yaml", prefix, runID)
}

// Build converts a run report. runErr is the error Run returned, if any.
func Build(r *synccapture.Report, runErr error) Manifest {
	m := Manifest{
		RunID:       r.RunID,
		StartedAt:   r.StartedAt.UTC(),
		DurationS:   r.Duration.Seconds(),
		MasterIndex: r.MasterIndex,
		State:       r.State.String(),
		Status:      "ok",
	}

	switch {
	case runErr != nil:
		m.Status = "failed"
		m.Error = runErr.Error()
	case len(r.FailedDevices()) > 0:
		m.Status = "incomplete"
	}

	for _, d := range r.Devices {
		md := Device{
			Index:                d.Index,
			Serial:               d.Serial,
			File:                 filepath.Base(d.OutputPath),
			ColorFormat:          d.Config.ColorFormat.String(),
			ColorResolution:      d.Config.ColorResolution.String(),
			DepthMode:            d.Config.DepthMode.String(),
			FPS:                  d.Config.FrameRate.FramesPerSecond(),
			WiredSyncMode:        d.Config.Role.WiredSyncMode(),
			SubordinateDelayUsec: d.Config.SubordinateDelayUsec,
			FramesWritten:        d.FramesWritten,
			BytesWritten:         d.BytesWritten,
			Timeouts:             d.Timeouts,
			FirstTimestampUs:     d.FirstTimestamp.Microseconds(),
			LastTimestampUs:      d.LastTimestamp.Microseconds(),
			Stats: Stats{
				FPSMean:       d.Stats.FPSMean,
				FPSStdDev:     d.Stats.FPSStdDev,
				FPSMin:        d.Stats.FPSMin,
				FPSMax:        d.Stats.FPSMax,
				JitterMeanMs:  d.Stats.JitterMean * 1000,
				JitterMaxMs:   d.Stats.JitterMax * 1000,
				DeliveryRatio: d.Stats.DeliveryRatio,
				Stable:        d.Stats.IsStable,
			},
			Finalized: d.Finalized,
		}
		if d.OutputPath == "" {
			md.File = ""
		}
		if d.FinalizeErr != nil {
			md.FinalizeErr = d.FinalizeErr.Error()
		}
		if d.CloseErr != nil {
			md.CloseErr = d.CloseErr.Error()
		}
		m.Devices = append(m.Devices, md)
	}
	return m
}

// Write stores the manifest for r in dir and returns its path
func Write(dir, prefix string, r *synccapture.Report, runErr error) (string, error) {
	data, err := yaml.Marshal(Build(r, runErr))
	if err != nil {
		return "", fmt.Errorf("manifest: failed to marshal: %w", err)
	}

	path := filepath.Join(dir, FileName(prefix, r.RunID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("manifest: failed to write %s: %w", path, err)
	}
	return path, nil
}

// Load reads a manifest back
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to read: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: failed to parse: %w", err)
	}
	return &m, nil
}

// Recordings returns the container paths listed in m, resolved against dir,
// the directory the manifest was read from.
func (m *Manifest) Recordings(dir string) []string {
	var paths []string
	for _, d := range m.Devices {
		if d.File == "" {
			continue
		}
		paths = append(paths, filepath.Join(dir, d.File))
	}
	return paths
}
