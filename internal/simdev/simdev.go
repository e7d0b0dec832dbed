// Package simdev simulates a daisy chain of synchronized cameras.
//
// The chain has one master (sync-out cabled, sync-in free) and subordinates
// that only produce captures once the master is emitting sync pulses. Each
// pulse k happens at masterStart + k*period; a subordinate delivers it
// SubordinateDelayUsec later. Payloads are small synthetic JPEG-framed blobs.
package simdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	synccapture "github.com/e7canasta/sync-capture"
)

// Fault injects failures into one simulated device
type Fault struct {
	OpenErr    error
	SerialErr  error
	JackErr    error
	ControlErr error
	StartErr   error
	StopErr    error
	CloseErr   error
	// ReadErrAfter > 0 fails GetCapture once that many captures were delivered
	ReadErrAfter int
}

// Options configures the simulated chain
type Options struct {
	// Devices is the number of cameras in the chain (required, > 0)
	Devices int
	// Master is the index cabled as master (default 0)
	Master int
	// FrameSize is the payload size of each capture (default 4096)
	FrameSize int
	// Clock defaults to the system clock
	Clock synccapture.Clock
	// Faults maps device index to injected failures
	Faults map[int]Fault
	Logger *slog.Logger
}

// Driver is a simulated synccapture.Driver
type Driver struct {
	opts    Options
	hub     *hub
	devices []*Device
}

// hub is the sync cable: the master's pulse origin shared by the chain
type hub struct {
	mu          sync.Mutex
	masterStart time.Time
	emitting    bool
}

func (h *hub) origin() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.masterStart, h.emitting
}

func (h *hub) set(start time.Time, emitting bool) {
	h.mu.Lock()
	h.masterStart = start
	h.emitting = emitting
	h.mu.Unlock()
}

// NewDriver creates a simulated chain.
//
// Fails fast on a non-positive device count or an out-of-range master.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Devices <= 0 {
		return nil, fmt.Errorf("simdev: devices must be > 0, got %d", opts.Devices)
	}
	if opts.Master < 0 || opts.Master >= opts.Devices {
		return nil, fmt.Errorf("simdev: master must be in [0, %d), got %d", opts.Devices, opts.Master)
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = 4096
	}
	if opts.FrameSize < minFrameSize {
		opts.FrameSize = minFrameSize
	}
	if opts.Clock == nil {
		opts.Clock = synccapture.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Driver{opts: opts, hub: &hub{}}
	d.devices = make([]*Device, opts.Devices)
	for i := range d.devices {
		d.devices[i] = &Device{
			index:  i,
			serial: fmt.Sprintf("SIM%09d", 100+i),
			jacks:  chainJacks(i, opts.Master, opts.Devices),
			fault:  opts.Faults[i],
			driver: d,
		}
	}
	return d, nil
}

// chainJacks cables the master first and the subordinates after it in
// index order, the last subordinate leaving sync-out free
func chainJacks(i, master, n int) synccapture.JackState {
	if i == master {
		return synccapture.JackState{SyncOut: n > 1}
	}
	last := n - 1
	if master == last {
		last = n - 2
	}
	return synccapture.JackState{SyncIn: true, SyncOut: i != last}
}

// DeviceCount returns the number of simulated cameras
func (d *Driver) DeviceCount() (int, error) {
	return len(d.devices), nil
}

// Open returns the device at index
func (d *Driver) Open(index int) (synccapture.Device, error) {
	if index < 0 || index >= len(d.devices) {
		return nil, fmt.Errorf("simdev: no device at index %d", index)
	}
	dev := d.devices[index]
	if dev.fault.OpenErr != nil {
		return nil, dev.fault.OpenErr
	}
	if dev.open {
		return nil, fmt.Errorf("simdev: device %d already open", index)
	}
	dev.open = true
	return dev, nil
}

// Device returns the simulated device at index for inspection
func (d *Driver) Device(index int) *Device {
	return d.devices[index]
}

// Device is one simulated camera
type Device struct {
	index  int
	serial string
	jacks  synccapture.JackState
	fault  Fault
	driver *Driver

	open      bool
	streaming bool
	cfg       synccapture.CaptureConfig
	startedAt time.Time
	nextPulse int64
	delivered int
	dropped   int
	controls  map[synccapture.ColorControl]int32
}

func (d *Device) Serial() (string, error) {
	if d.fault.SerialErr != nil {
		return "", d.fault.SerialErr
	}
	return d.serial, nil
}

func (d *Device) SyncJacks() (synccapture.JackState, error) {
	if d.fault.JackErr != nil {
		return synccapture.JackState{}, d.fault.JackErr
	}
	return d.jacks, nil
}

func (d *Device) SetColorControl(ctrl synccapture.ColorControl, value int32) error {
	if d.fault.ControlErr != nil {
		return d.fault.ControlErr
	}
	if d.controls == nil {
		d.controls = make(map[synccapture.ColorControl]int32)
	}
	d.controls[ctrl] = value
	return nil
}

// Control returns the last value set for ctrl
func (d *Device) Control(ctrl synccapture.ColorControl) (int32, bool) {
	v, ok := d.controls[ctrl]
	return v, ok
}

// StartCameras arms the device. The master starts emitting pulses; a
// subordinate waits for them.
func (d *Device) StartCameras(cfg synccapture.CaptureConfig) error {
	if d.fault.StartErr != nil {
		return d.fault.StartErr
	}
	if d.streaming {
		return errors.New("simdev: cameras already started")
	}
	d.cfg = cfg
	d.streaming = true
	d.startedAt = d.driver.opts.Clock.Now()
	d.nextPulse = 0
	if cfg.Role == synccapture.RoleMaster {
		d.driver.hub.set(d.startedAt, true)
	}

	d.driver.opts.Logger.Debug("simdev: cameras started",
		"index", d.index,
		"role", cfg.Role.String(),
		"fps", cfg.FrameRate.FramesPerSecond(),
	)
	return nil
}

func (d *Device) StopCameras() error {
	if d.fault.StopErr != nil {
		return d.fault.StopErr
	}
	d.streaming = false
	if d.cfg.Role == synccapture.RoleMaster {
		d.driver.hub.set(time.Time{}, false)
	}
	return nil
}

// GetCapture waits up to timeout for the next pulse this device delivers.
//
// A device that fell behind drops the pulses it missed and delivers the
// latest one, the way a camera overwrites its single-slot buffer.
func (d *Device) GetCapture(timeout time.Duration) (synccapture.Capture, error) {
	clock := d.driver.opts.Clock
	if !d.streaming {
		return nil, errors.New("simdev: cameras not started")
	}
	if d.fault.ReadErrAfter > 0 && d.delivered >= d.fault.ReadErrAfter {
		return nil, fmt.Errorf("simdev: device %d stopped responding", d.index)
	}

	origin, emitting := d.driver.hub.origin()
	if !emitting {
		clock.Sleep(timeout)
		return nil, synccapture.ErrCaptureTimeout
	}

	period := d.cfg.FrameRate.Period()
	offset := time.Duration(d.cfg.SubordinateDelayUsec) * time.Microsecond
	now := clock.Now()

	// Latest pulse already due
	if elapsed := now.Sub(origin) - offset; elapsed >= 0 {
		latest := int64(elapsed / period)
		if latest > d.nextPulse {
			d.dropped += int(latest - d.nextPulse)
			d.nextPulse = latest
		}
	}

	due := origin.Add(offset + time.Duration(d.nextPulse)*period)
	if wait := due.Sub(now); wait > 0 {
		if wait > timeout {
			clock.Sleep(timeout)
			return nil, synccapture.ErrCaptureTimeout
		}
		clock.Sleep(wait)
	}

	seq := d.nextPulse
	d.nextPulse++
	d.delivered++
	return &capture{
		data: syntheticFrame(d.index, seq, d.driver.opts.FrameSize),
		ts:   due.Sub(d.startedAt),
	}, nil
}

func (d *Device) Close() error {
	d.open = false
	if d.fault.CloseErr != nil {
		return d.fault.CloseErr
	}
	return nil
}

// Delivered returns the number of captures handed out
func (d *Device) Delivered() int { return d.delivered }

// Dropped returns the number of pulses the device skipped because it was polled late
func (d *Device) Dropped() int { return d.dropped }

type capture struct {
	data []byte
	ts   time.Duration
}

func (c *capture) Data() []byte             { return c.data }
func (c *capture) Timestamp() time.Duration { return c.ts }
func (c *capture) Release()                 { c.data = nil }

const minFrameSize = 16

// syntheticFrame is an SOI/EOI framed blob carrying device index and pulse number
func syntheticFrame(index int, seq int64, size int) []byte {
	b := make([]byte, size)
	b[0], b[1] = 0xFF, 0xD8
	binary.BigEndian.PutUint32(b[2:6], uint32(index))
	binary.BigEndian.PutUint64(b[6:14], uint64(seq))
	b[size-2], b[size-1] = 0xFF, 0xD9
	return b
}

// FrameInfo decodes the device index and pulse number of a synthetic frame
func FrameInfo(data []byte) (index int, seq int64, ok bool) {
	if len(data) < minFrameSize || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(data[2:6])), int64(binary.BigEndian.Uint64(data[6:14])), true
}
