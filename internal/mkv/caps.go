package mkv

import (
	"fmt"
	"sort"
	"strings"

	synccapture "github.com/e7canasta/sync-capture"
)

// CapsFor returns the appsrc caps for captures produced under cfg
func CapsFor(cfg synccapture.CaptureConfig) string {
	width, height := cfg.ColorResolution.Dimensions()
	fps := cfg.FrameRate.FramesPerSecond()

	switch cfg.ColorFormat {
	case synccapture.FormatMJPG:
		return fmt.Sprintf("image/jpeg,width=%d,height=%d,framerate=%d/1", width, height, fps)
	case synccapture.FormatNV12:
		return fmt.Sprintf("video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1", width, height, fps)
	case synccapture.FormatYUY2:
		return fmt.Sprintf("video/x-raw,format=YUY2,width=%d,height=%d,framerate=%d/1", width, height, fps)
	default:
		return fmt.Sprintf("video/x-raw,format=BGRA,width=%d,height=%d,framerate=%d/1", width, height, fps)
	}
}

// Tags returns the recording metadata written into the container.
//
// Keys follow the Azure Kinect recording convention.
func Tags(info synccapture.DeviceInfo, cfg synccapture.CaptureConfig) map[string]string {
	return map[string]string{
		"K4A_DEVICE_SERIAL_NUMBER": info.Serial,
		"K4A_DEVICE_INDEX":         fmt.Sprint(info.Index),
		"K4A_COLOR_MODE":           fmt.Sprintf("%s_%s", cfg.ColorFormat, strings.ToUpper(cfg.ColorResolution.String())),
		"K4A_DEPTH_MODE":           cfg.DepthMode.String(),
		"K4A_FRAMERATE":            fmt.Sprint(cfg.FrameRate.FramesPerSecond()),
		"K4A_WIRED_SYNC_MODE":      cfg.Role.WiredSyncMode(),
		"K4A_SUBORDINATE_DELAY_NS": fmt.Sprint(int64(cfg.SubordinateDelayUsec) * 1000),
		"K4A_DEPTH_DELAY_NS":       fmt.Sprint(int64(cfg.DepthDelayOffColorUsec) * 1000),
		"K4A_SYNCHRONIZED_IMAGES":  fmt.Sprint(cfg.SynchronizedImagesOnly),
	}
}

// formatTags renders tags as sorted KEY=VALUE lines
func formatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// ParseTags reads back the text written by formatTags
func ParseTags(comment string) map[string]string {
	tags := make(map[string]string)
	for _, line := range strings.Split(comment, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		tags[k] = v
	}
	return tags
}
