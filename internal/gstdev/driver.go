// Package gstdev drives V4L2 cameras through GStreamer.
//
// Pipeline structure, one per device:
//
//	v4l2src → capsfilter → appsink
//
// The pipeline is built on StartCameras and torn down on StopCameras.
// GetCapture is a bounded try-pull on the appsink; manual controls go
// through v4l2-ctl.
package gstdev

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	synccapture "github.com/e7canasta/sync-capture"
)

// Driver exposes a fixed list of V4L2 devices. It implements synccapture.Driver.
type Driver struct {
	specs  []DeviceSpec
	run    CommandRunner
	logger *slog.Logger
}

// NewDriver returns a driver over specs. run defaults to ExecRunner.
func NewDriver(specs []DeviceSpec, run CommandRunner, logger *slog.Logger) *Driver {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{specs: specs, run: run, logger: logger}
}

// DeviceCount returns the number of configured devices
func (d *Driver) DeviceCount() (int, error) {
	return len(d.specs), nil
}

// Open claims the device at index. Streaming starts with StartCameras.
func (d *Driver) Open(index int) (synccapture.Device, error) {
	if index < 0 || index >= len(d.specs) {
		return nil, fmt.Errorf("gstdev: no device at index %d", index)
	}
	spec := d.specs[index]
	if spec.Path == "" {
		return nil, fmt.Errorf("gstdev: device %d has no path", index)
	}
	return &Device{
		spec:   spec,
		run:    d.run,
		logger: d.logger.With("index", index, "path", spec.Path),
	}, nil
}

// Device is one V4L2 camera
type Device struct {
	spec   DeviceSpec
	run    CommandRunner
	logger *slog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	closed   bool
}

// Serial returns the configured or sysfs serial. Devices without one are
// named after their video node.
func (d *Device) Serial() (string, error) {
	if d.spec.Serial != "" {
		return d.spec.Serial, nil
	}
	name := filepath.Base(d.spec.Path)
	d.logger.Warn("gstdev: device reports no serial, using node name", "serial", name)
	return name, nil
}

// SyncJacks returns the configured cabling
func (d *Device) SyncJacks() (synccapture.JackState, error) {
	return synccapture.JackState{SyncIn: d.spec.SyncIn, SyncOut: d.spec.SyncOut}, nil
}

func (d *Device) SetColorControl(ctrl synccapture.ColorControl, value int32) error {
	return setControl(d.run, d.spec.Path, ctrl, value)
}

// SourceCaps returns the capsfilter caps requested from v4l2src
func SourceCaps(cfg synccapture.CaptureConfig) string {
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
		return fmt.Sprintf("video/x-raw,format=BGRx,width=%d,height=%d,framerate=%d/1", width, height, fps)
	}
}

// StartCameras builds and starts the capture pipeline for cfg
func (d *Device) StartCameras(cfg synccapture.CaptureConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("gstdev: device closed")
	}
	if d.pipeline != nil {
		return errors.New("gstdev: cameras already started")
	}

	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gstdev: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("gstdev: failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", d.spec.Path)
	src.SetProperty("do-timestamp", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gstdev: failed to create capsfilter: %w", err)
	}
	caps := SourceCaps(cfg)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(caps))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstdev: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 2) // single-slot device buffer plus one in flight
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("gstdev: failed to link pipeline elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstdev: failed to start pipeline: %w", err)
	}

	d.pipeline = pipeline
	d.sink = sink
	d.logger.Info("gstdev: cameras started",
		"caps", caps,
		"role", cfg.Role.String(),
		"subordinate_delay_usec", cfg.SubordinateDelayUsec,
	)
	return nil
}

// StopCameras tears the pipeline down
func (d *Device) StopCameras() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pipeline == nil {
		return nil
	}
	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline = nil
	d.sink = nil
	if err != nil {
		return fmt.Errorf("gstdev: failed to stop pipeline: %w", err)
	}
	d.logger.Info("gstdev: cameras stopped")
	return nil
}

// GetCapture pulls the next sample, waiting at most timeout.
//
// Returns synccapture.ErrCaptureTimeout when nothing arrived in time, and
// a hard error when the pipeline hit EOS or posted an error.
func (d *Device) GetCapture(timeout time.Duration) (synccapture.Capture, error) {
	d.mu.Lock()
	sink, pipeline := d.sink, d.pipeline
	d.mu.Unlock()

	if sink == nil {
		return nil, errors.New("gstdev: cameras not started")
	}

	sample := sink.TryPullSample(timeout)
	if sample == nil {
		if err := pendingError(pipeline); err != nil {
			return nil, err
		}
		if sink.IsEOS() {
			return nil, errors.New("gstdev: end of stream")
		}
		return nil, synccapture.ErrCaptureTimeout
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, synccapture.ErrCaptureTimeout
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		d.logger.Warn("gstdev: empty buffer received")
		return nil, synccapture.ErrCaptureTimeout
	}

	// Copy frame data (GStreamer will reuse buffer)
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	return &capture{data: frame, ts: buffer.PresentationTimestamp()}, nil
}

// Close releases the pipeline if still running. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	closed := d.closed
	d.closed = true
	d.mu.Unlock()

	if closed {
		return nil
	}
	return d.StopCameras()
}

func pendingError(pipeline *gst.Pipeline) error {
	if pipeline == nil {
		return nil
	}
	bus := pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("gstdev: pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
		case gst.MessageEOS:
			return errors.New("gstdev: end of stream")
		}
	}
}

type capture struct {
	data []byte
	ts   time.Duration
}

func (c *capture) Data() []byte             { return c.data }
func (c *capture) Timestamp() time.Duration { return c.ts }
func (c *capture) Release()                 { c.data = nil }
