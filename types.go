package synccapture

import (
	"fmt"
	"strings"
	"time"
)

// SyncRole is the position of a device in the wired sync topology
type SyncRole int

const (
	// RoleSubordinate waits for the master's trigger before each exposure
	RoleSubordinate SyncRole = iota
	// RoleMaster emits the sync pulse that paces every other device
	RoleMaster
)

// String returns a human-readable string representation of the role
func (r SyncRole) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSubordinate:
		return "subordinate"
	default:
		return "unknown"
	}
}

// WiredSyncMode returns the container metadata spelling of the role
func (r SyncRole) WiredSyncMode() string {
	if r == RoleMaster {
		return "MASTER"
	}
	return "SUBORDINATE"
}

// ColorFormat is the color image encoding produced by the sensor
type ColorFormat int

const (
	// FormatMJPG is motion JPEG, one compressed image per capture
	FormatMJPG ColorFormat = iota
	// FormatNV12 is planar YUV 4:2:0
	FormatNV12
	// FormatYUY2 is packed YUV 4:2:2
	FormatYUY2
	// FormatBGRA32 is 32 bit BGRA
	FormatBGRA32
)

// String returns a human-readable string representation of the format
func (f ColorFormat) String() string {
	switch f {
	case FormatMJPG:
		return "MJPG"
	case FormatNV12:
		return "NV12"
	case FormatYUY2:
		return "YUY2"
	case FormatBGRA32:
		return "BGRA32"
	default:
		return "MJPG"
	}
}

// ParseColorFormat parses MJPG, NV12, YUY2 or BGRA32 (case-insensitive)
func ParseColorFormat(s string) (ColorFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MJPG", "MJPEG":
		return FormatMJPG, nil
	case "NV12":
		return FormatNV12, nil
	case "YUY2":
		return FormatYUY2, nil
	case "BGRA32", "BGRA":
		return FormatBGRA32, nil
	default:
		return 0, fmt.Errorf("sync-capture: invalid color format %q (must be MJPG, NV12, YUY2 or BGRA32)", s)
	}
}

// ColorResolution represents supported color sensor resolutions
type ColorResolution int

const (
	// Res720p represents 1280x720 resolution
	Res720p ColorResolution = iota
	// Res1080p represents 1920x1080 resolution
	Res1080p
	// Res1440p represents 2560x1440 resolution
	Res1440p
	// Res1536p represents 2048x1536 resolution (4:3)
	Res1536p
	// Res2160p represents 3840x2160 resolution
	Res2160p
	// Res3072p represents 4096x3072 resolution (4:3)
	Res3072p
)

// Dimensions returns the width and height for the resolution
func (r ColorResolution) Dimensions() (width, height int) {
	switch r {
	case Res720p:
		return 1280, 720
	case Res1080p:
		return 1920, 1080
	case Res1440p:
		return 2560, 1440
	case Res1536p:
		return 2048, 1536
	case Res2160p:
		return 3840, 2160
	case Res3072p:
		return 4096, 3072
	default:
		// Safe default: 720p
		return 1280, 720
	}
}

// String returns a human-readable string representation of the resolution
func (r ColorResolution) String() string {
	switch r {
	case Res720p:
		return "720p"
	case Res1080p:
		return "1080p"
	case Res1440p:
		return "1440p"
	case Res1536p:
		return "1536p"
	case Res2160p:
		return "2160p"
	case Res3072p:
		return "3072p"
	default:
		return "720p"
	}
}

// ParseColorResolution parses a resolution name such as "720p"
func ParseColorResolution(s string) (ColorResolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "720p":
		return Res720p, nil
	case "1080p":
		return Res1080p, nil
	case "1440p":
		return Res1440p, nil
	case "1536p":
		return Res1536p, nil
	case "2160p":
		return Res2160p, nil
	case "3072p":
		return Res3072p, nil
	default:
		return 0, fmt.Errorf("sync-capture: invalid color resolution %q", s)
	}
}

// DepthMode selects the depth sensor operating mode
type DepthMode int

const (
	DepthOff DepthMode = iota
	DepthNFOV2x2Binned
	DepthNFOVUnbinned
	DepthWFOV2x2Binned
	DepthWFOVUnbinned
	DepthPassiveIR
)

var depthModeNames = map[DepthMode]string{
	DepthOff:           "OFF",
	DepthNFOV2x2Binned: "NFOV_2X2BINNED",
	DepthNFOVUnbinned:  "NFOV_UNBINNED",
	DepthWFOV2x2Binned: "WFOV_2X2BINNED",
	DepthWFOVUnbinned:  "WFOV_UNBINNED",
	DepthPassiveIR:     "PASSIVE_IR",
}

func (d DepthMode) String() string {
	if name, ok := depthModeNames[d]; ok {
		return name
	}
	return "OFF"
}

// ParseDepthMode parses a depth mode name such as "OFF" or "NFOV_UNBINNED"
func ParseDepthMode(s string) (DepthMode, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for mode, name := range depthModeNames {
		if name == want {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("sync-capture: invalid depth mode %q", s)
}

// FrameRate is the sensor frame rate
type FrameRate int

const (
	FPS5 FrameRate = iota
	FPS15
	FPS30
)

// FramesPerSecond returns the numeric rate
func (f FrameRate) FramesPerSecond() int {
	switch f {
	case FPS5:
		return 5
	case FPS15:
		return 15
	case FPS30:
		return 30
	default:
		return 30
	}
}

// Period returns the nominal interval between two captures
func (f FrameRate) Period() time.Duration {
	return time.Second / time.Duration(f.FramesPerSecond())
}

func (f FrameRate) String() string {
	return fmt.Sprintf("%dfps", f.FramesPerSecond())
}

// ParseFrameRate accepts 5, 15 or 30
func ParseFrameRate(fps int) (FrameRate, error) {
	switch fps {
	case 5:
		return FPS5, nil
	case 15:
		return FPS15, nil
	case 30:
		return FPS30, nil
	default:
		return 0, fmt.Errorf("sync-capture: invalid frame rate %d (must be 5, 15 or 30)", fps)
	}
}

// ColorControl names a manual control on the color sensor
type ColorControl int

const (
	// ControlExposure is the exposure time in microseconds
	ControlExposure ColorControl = iota
	// ControlGain is the analog gain
	ControlGain
)

func (c ColorControl) String() string {
	switch c {
	case ControlExposure:
		return "exposure"
	case ControlGain:
		return "gain"
	default:
		return "unknown"
	}
}

// CaptureConfig is the immutable per-device configuration sent to StartCameras
type CaptureConfig struct {
	ColorFormat     ColorFormat
	ColorResolution ColorResolution
	DepthMode       DepthMode
	FrameRate       FrameRate
	// SynchronizedImagesOnly drops captures the hardware could not confirm as synchronized
	SynchronizedImagesOnly bool
	Role                   SyncRole
	// SubordinateDelayUsec is the delay after the master trigger, 0 for the master
	SubordinateDelayUsec uint32
	// DepthDelayOffColorUsec offsets depth exposure relative to color
	DepthDelayOffColorUsec int32
}

// Settings are the global knobs every device configuration is derived from
type Settings struct {
	ColorFormat            ColorFormat
	ColorResolution        ColorResolution
	DepthMode              DepthMode
	FrameRate              FrameRate
	SubordinateDelayUsec   uint32
	DepthDelayOffColorUsec int32
	// ExposureUsec is the manual exposure time applied to every device
	ExposureUsec int32
	// Gain is the manual gain applied to every device
	Gain int32
}

// DefaultSettings returns MJPG 720p at 30 fps with depth off
func DefaultSettings() Settings {
	return Settings{
		ColorFormat:          FormatMJPG,
		ColorResolution:      Res720p,
		DepthMode:            DepthOff,
		FrameRate:            FPS30,
		SubordinateDelayUsec: 160,
		ExposureUsec:         8330,
		Gain:                 128,
	}
}

// JackState is the sync cable wiring observed on one device
type JackState struct {
	SyncIn  bool
	SyncOut bool
}

// IsMasterCandidate reports whether the wiring looks like a master: out connected, in free
func (j JackState) IsMasterCandidate() bool {
	return j.SyncOut && !j.SyncIn
}

// DeviceInfo identifies a device for the recording layer
type DeviceInfo struct {
	Index  int
	Serial string
	Role   SyncRole
}
