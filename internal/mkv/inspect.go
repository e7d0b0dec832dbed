package mkv

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/pbutils"
	"gopkg.in/yaml.v3"

	synccapture "github.com/e7canasta/sync-capture"
)

// DefaultInspectTimeout bounds the discoverer pass over one file
const DefaultInspectTimeout = 10 * time.Second

// ErrNoRecordingTags is returned by DecodeTags when the container carries no
// device metadata, e.g. a file not written by this package.
var ErrNoRecordingTags = errors.New("mkv: no recording tags in container")

// Metadata is the recording configuration read back from a finished container
type Metadata struct {
	File            string            `yaml:"file"`
	GeneratedAt     time.Time         `yaml:"generated_at_utc"`
	Configuration   Configuration     `yaml:"configuration"`
	Tracks          Tracks            `yaml:"tracks"`
	DurationUs      int64             `yaml:"duration_usec"`
	LastTimestampUs int64             `yaml:"last_timestamp_usec"`
	Tags            map[string]string `yaml:"tags,omitempty"`
}

// Configuration is the device configuration stored in the container tags
type Configuration struct {
	DeviceSerial           string `yaml:"device_serial"`
	DeviceIndex            int    `yaml:"device_index"`
	ColorFormat            string `yaml:"color_format"`
	ColorResolution        string `yaml:"color_resolution"`
	DepthMode              string `yaml:"depth_mode"`
	CameraFPS              int    `yaml:"camera_fps"`
	WiredSyncMode          string `yaml:"wired_sync_mode"`
	SubordinateDelayUsec   int64  `yaml:"subordinate_delay_off_master_usec"`
	DepthDelayOffColorUsec int64  `yaml:"depth_delay_off_color_usec"`
	SynchronizedImagesOnly bool   `yaml:"synchronized_images_only"`
}

// Tracks summarizes the streams found in the container
type Tracks struct {
	HasColorTrack bool `yaml:"has_color_track"`
	HasDepthTrack bool `yaml:"has_depth_track"`
	ColorWidth    int  `yaml:"color_width,omitempty"`
	ColorHeight   int  `yaml:"color_height,omitempty"`
}

// Inspect reads the recording metadata of a finished container.
//
// This function:
//  1. Runs a GStreamer discoverer pass over the file
//  2. Collects the comment tag written by WriteHeader (container or stream scope)
//  3. Decodes it into a Configuration
//  4. Reports the video track geometry and the last frame timestamp
//
// A zero timeout uses DefaultInspectTimeout.
func Inspect(path string, timeout time.Duration) (*Metadata, error) {
	if timeout <= 0 {
		timeout = DefaultInspectTimeout
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("mkv: invalid path %q: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("mkv: %w", err)
	}

	gst.Init(nil)

	disc, err := pbutils.NewDiscoverer(timeout)
	if err != nil {
		return nil, fmt.Errorf("mkv: failed to create discoverer: %w", err)
	}
	uri := (&url.URL{Scheme: "file", Path: abs}).String()
	info, err := disc.DiscoverURI(uri)
	if err != nil {
		return nil, fmt.Errorf("mkv: failed to inspect %s: %w", path, err)
	}
	switch info.GetResult() {
	case pbutils.DiscovererResultOK, pbutils.DiscovererResultMissingPlugins:
	default:
		return nil, fmt.Errorf("mkv: failed to inspect %s: discoverer result %d", path, info.GetResult())
	}

	meta := &Metadata{
		File:        abs,
		GeneratedAt: time.Now().UTC(),
	}

	var comment, title string
	collect := func(tags *gst.TagList) {
		if tags == nil {
			return
		}
		if comment == "" {
			comment, _ = tags.GetString(gst.TagComment)
		}
		if title == "" {
			title, _ = tags.GetString(gst.TagTitle)
		}
	}
	collect(info.GetTags())

	for _, v := range info.GetVideoStreams() {
		collect(v.GetTags())
		if !meta.Tracks.HasColorTrack {
			meta.Tracks.HasColorTrack = true
			meta.Tracks.ColorWidth = int(v.GetWidth())
			meta.Tracks.ColorHeight = int(v.GetHeight())
		}
	}

	meta.Tags = ParseTags(comment)
	cfg, err := DecodeTags(meta.Tags)
	if err != nil && !errors.Is(err, ErrNoRecordingTags) {
		return nil, fmt.Errorf("mkv: %s: %w", path, err)
	}
	if cfg.DeviceSerial == "" {
		cfg.DeviceSerial = title
	}
	meta.Configuration = cfg

	duration := info.GetDuration()
	meta.DurationUs = duration.Microseconds()
	meta.LastTimestampUs = lastTimestamp(duration, cfg.CameraFPS).Microseconds()
	return meta, nil
}

// lastTimestamp derives the PTS of the final frame from the stream duration,
// which extends one frame period past it.
func lastTimestamp(duration time.Duration, fps int) time.Duration {
	if fps <= 0 || duration <= 0 {
		return duration
	}
	last := duration - time.Second/time.Duration(fps)
	if last < 0 {
		return 0
	}
	return last
}

// DecodeTags turns the tags written by Tags back into a Configuration
func DecodeTags(tags map[string]string) (Configuration, error) {
	var cfg Configuration
	if len(tags) == 0 {
		return cfg, ErrNoRecordingTags
	}

	cfg.DeviceSerial = tags["K4A_DEVICE_SERIAL_NUMBER"]
	cfg.DepthMode = tags["K4A_DEPTH_MODE"]
	cfg.WiredSyncMode = tags["K4A_WIRED_SYNC_MODE"]
	cfg.SynchronizedImagesOnly = tags["K4A_SYNCHRONIZED_IMAGES"] == "true"

	if mode, ok := tags["K4A_COLOR_MODE"]; ok {
		i := strings.LastIndex(mode, "_")
		if i <= 0 {
			return cfg, fmt.Errorf("invalid K4A_COLOR_MODE %q", mode)
		}
		format, err := synccapture.ParseColorFormat(mode[:i])
		if err != nil {
			return cfg, err
		}
		res, err := synccapture.ParseColorResolution(mode[i+1:])
		if err != nil {
			return cfg, err
		}
		cfg.ColorFormat = format.String()
		cfg.ColorResolution = res.String()
	}

	ints := []struct {
		key string
		set func(int64)
	}{
		{"K4A_DEVICE_INDEX", func(v int64) { cfg.DeviceIndex = int(v) }},
		{"K4A_FRAMERATE", func(v int64) { cfg.CameraFPS = int(v) }},
		{"K4A_SUBORDINATE_DELAY_NS", func(v int64) { cfg.SubordinateDelayUsec = v / 1000 }},
		{"K4A_DEPTH_DELAY_NS", func(v int64) { cfg.DepthDelayOffColorUsec = v / 1000 }},
	}
	for _, f := range ints {
		raw, ok := tags[f.key]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q", f.key, raw)
		}
		f.set(v)
	}
	return cfg, nil
}

// SidecarPath returns the metadata file written next to a recording
func SidecarPath(recording string) string {
	return strings.TrimSuffix(recording, filepath.Ext(recording)) + ".yaml"
}

// WriteSidecar writes meta as YAML to path
func WriteSidecar(path string, meta *Metadata) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("mkv: failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mkv: failed to write %s: %w", path, err)
	}
	return nil
}
