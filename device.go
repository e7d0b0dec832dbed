package synccapture

import (
	"context"
	"errors"
	"time"
)

// ErrCaptureTimeout is returned by Device.GetCapture when no capture became
// ready within the wait window. It is steady-state behavior, not a failure.
var ErrCaptureTimeout = errors.New("sync-capture: capture wait timed out")

// Driver enumerates and opens devices of one hardware family
type Driver interface {
	// DeviceCount returns the number of connected devices.
	DeviceCount() (int, error)

	// Open opens the device at index. Indices are 0..DeviceCount()-1 and
	// stable for the lifetime of the process.
	Open(index int) (Device, error)
}

// Device is an opened camera handle.
//
// Implementations are driven from a single goroutine and need not be
// thread-safe.
type Device interface {
	// Serial returns the device serial number.
	Serial() (string, error)

	// SyncJacks reports which sync cable jacks are connected.
	SyncJacks() (JackState, error)

	// SetColorControl sets a manual color sensor control. It must be
	// called before StartCameras.
	SetColorControl(ctrl ColorControl, value int32) error

	// StartCameras starts streaming with the given configuration.
	StartCameras(cfg CaptureConfig) error

	// StopCameras stops streaming. Blocks until the device confirms.
	StopCameras() error

	// GetCapture waits up to timeout for the next synchronized capture.
	//
	// Returns ErrCaptureTimeout (possibly wrapped) when nothing arrived in
	// time. Any other error is a hard device failure.
	GetCapture(timeout time.Duration) (Capture, error)

	// Close releases the handle.
	Close() error
}

// Capture is one synchronized image set. The caller owns it until Release.
type Capture interface {
	// Data returns the encoded color image. Valid until Release.
	Data() []byte
	// Timestamp is the device timestamp of the color image.
	Timestamp() time.Duration
	// Release returns the capture's buffers to the driver.
	Release()
}

// RecordingFactory creates output containers
type RecordingFactory interface {
	Create(path string, info DeviceInfo, cfg CaptureConfig) (Recording, error)
}

// Recording is one output container bound to one device.
//
// Lifecycle: WriteHeader once, WriteCapture zero or more times, then Flush
// and Close exactly once each.
type Recording interface {
	WriteHeader() error
	WriteCapture(c Capture) error
	Flush() error
	Close() error
}

// Clock abstracts wall time for the settle delay and the capture deadline
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the real wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// EventSink receives run lifecycle events. Publication failures are logged
// and never abort a run.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventType names a lifecycle event
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventMasterElected   EventType = "master_elected"
	EventStreaming       EventType = "streaming"
	EventDeviceFinalized EventType = "device_finalized"
	EventRunFinished     EventType = "run_finished"
	EventRunAborted      EventType = "run_aborted"
)

// Event is a run lifecycle notification
type Event struct {
	Type   EventType
	RunID  string
	Time   time.Time
	Device int // -1 when the event is not about one device
	Serial string
	Role   string
	Detail string
}
