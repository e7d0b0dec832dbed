package synccapture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// discardLogger keeps test output readable
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// journal records cross-device operations in the order they happened
type journal struct {
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// indexOf returns the position of the first entry equal to e, or -1
func (j *journal) indexOf(e string) int {
	for i, got := range j.entries {
		if got == e {
			return i
		}
	}
	return -1
}

// lastWithPrefix returns the position of the last entry starting with prefix, or -1
func (j *journal) lastWithPrefix(prefix string) int {
	last := -1
	for i, got := range j.entries {
		if strings.HasPrefix(got, prefix) {
			last = i
		}
	}
	return last
}

// firstWithPrefix returns the position of the first entry starting with prefix, or -1
func (j *journal) firstWithPrefix(prefix string) int {
	for i, got := range j.entries {
		if strings.HasPrefix(got, prefix) {
			return i
		}
	}
	return -1
}

func (j *journal) count(e string) int {
	n := 0
	for _, got := range j.entries {
		if got == e {
			n++
		}
	}
	return n
}

// fakeClock only moves when something sleeps or polls
type fakeClock struct {
	now time.Time
	log *journal
}

func newFakeClock(log *journal) *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), log: log}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	if c.log != nil {
		c.log.add("sleep %v", d)
	}
	c.now = c.now.Add(d)
}

type outcome int

const (
	outcomeCapture outcome = iota
	outcomeTimeout
	outcomeFail
)

var errDeviceUnplugged = errors.New("usb device unplugged")

// fakeDevice is a scripted device. Each GetCapture consumes one scripted
// outcome (then repeats fallback) and advances the shared clock.
type fakeDevice struct {
	index  int
	serial string
	jacks  JackState

	serialErr  error
	jackErr    error
	controlErr map[ColorControl]error
	startErr   error
	stopErr    error
	closeErr   error

	script   []outcome
	fallback outcome
	// captureOnError returns a capture alongside timeout and read errors
	captureOnError bool
	// pollCost is how much clock time one GetCapture consumes
	pollCost time.Duration

	clock *fakeClock
	log   *journal

	controls    map[ColorControl]int32
	startedWith *CaptureConfig
	jackReads   int
	polls       int
	startCalls  int
	stopCalls   int
	closeCalls  int
	nextTS      time.Duration
}

func (d *fakeDevice) Serial() (string, error) {
	if d.serialErr != nil {
		return "", d.serialErr
	}
	return d.serial, nil
}

func (d *fakeDevice) SyncJacks() (JackState, error) {
	d.jackReads++
	return d.jacks, d.jackErr
}

func (d *fakeDevice) SetColorControl(ctrl ColorControl, value int32) error {
	d.log.add("control %d %s", d.index, ctrl)
	if err := d.controlErr[ctrl]; err != nil {
		return err
	}
	if d.controls == nil {
		d.controls = make(map[ColorControl]int32)
	}
	d.controls[ctrl] = value
	return nil
}

func (d *fakeDevice) StartCameras(cfg CaptureConfig) error {
	d.startCalls++
	d.log.add("start %d", d.index)
	if d.startErr != nil {
		return d.startErr
	}
	c := cfg
	d.startedWith = &c
	return nil
}

func (d *fakeDevice) StopCameras() error {
	d.stopCalls++
	d.log.add("stop %d", d.index)
	return d.stopErr
}

func (d *fakeDevice) GetCapture(timeout time.Duration) (Capture, error) {
	d.polls++
	o := d.fallback
	if len(d.script) > 0 {
		o = d.script[0]
		d.script = d.script[1:]
	}

	cost := d.pollCost
	if o == outcomeTimeout {
		cost = timeout
	}
	if d.clock != nil {
		d.clock.now = d.clock.now.Add(cost)
	}

	var stray Capture
	if d.captureOnError {
		stray = &fakeCapture{device: d.index, data: []byte("partial"), log: d.log}
	}

	switch o {
	case outcomeTimeout:
		d.log.add("timeout %d", d.index)
		return stray, fmt.Errorf("device %d: %w", d.index, ErrCaptureTimeout)
	case outcomeFail:
		d.log.add("fail %d", d.index)
		return stray, errDeviceUnplugged
	default:
		d.nextTS += 33333 * time.Microsecond
		return &fakeCapture{device: d.index, data: []byte("jpeg-frame"), ts: d.nextTS, log: d.log}, nil
	}
}

func (d *fakeDevice) Close() error {
	d.closeCalls++
	d.log.add("close %d", d.index)
	return d.closeErr
}

type fakeCapture struct {
	device   int
	data     []byte
	ts       time.Duration
	log      *journal
	released bool
}

func (c *fakeCapture) Data() []byte             { return c.data }
func (c *fakeCapture) Timestamp() time.Duration { return c.ts }
func (c *fakeCapture) Release() {
	c.released = true
	c.log.add("release %d", c.device)
}

type fakeDriver struct {
	devices  []*fakeDevice
	countErr error
	openErr  map[int]error
}

func (d *fakeDriver) DeviceCount() (int, error) {
	if d.countErr != nil {
		return 0, d.countErr
	}
	return len(d.devices), nil
}

func (d *fakeDriver) Open(index int) (Device, error) {
	if err := d.openErr[index]; err != nil {
		return nil, err
	}
	return d.devices[index], nil
}

type fakeRecording struct {
	path   string
	info   DeviceInfo
	cfg    CaptureConfig
	log    *journal
	header bool
	writes int
	bytes  int

	headerErr error
	// failWriteAt fails the n-th write (1-based), 0 never fails
	failWriteAt int
	flushErr    error
	closeErr    error

	flushCalls int
	closeCalls int
}

func (r *fakeRecording) WriteHeader() error {
	r.log.add("header %d", r.info.Index)
	if r.headerErr != nil {
		return r.headerErr
	}
	r.header = true
	return nil
}

func (r *fakeRecording) WriteCapture(c Capture) error {
	r.log.add("write %d", r.info.Index)
	if r.failWriteAt > 0 && r.writes+1 == r.failWriteAt {
		return errors.New("disk full")
	}
	r.writes++
	r.bytes += len(c.Data())
	return nil
}

func (r *fakeRecording) Flush() error {
	r.flushCalls++
	r.log.add("flush %d", r.info.Index)
	return r.flushErr
}

func (r *fakeRecording) Close() error {
	r.closeCalls++
	r.log.add("finalize %d", r.info.Index)
	return r.closeErr
}

type fakeFactory struct {
	log       *journal
	createErr map[int]error
	// prepare customizes a recording before it is handed out
	prepare    func(r *fakeRecording)
	recordings map[int]*fakeRecording
}

func (f *fakeFactory) Create(path string, info DeviceInfo, cfg CaptureConfig) (Recording, error) {
	f.log.add("create %d", info.Index)
	if err := f.createErr[info.Index]; err != nil {
		return nil, err
	}
	r := &fakeRecording{path: path, info: info, cfg: cfg, log: f.log}
	if f.prepare != nil {
		f.prepare(r)
	}
	if f.recordings == nil {
		f.recordings = make(map[int]*fakeRecording)
	}
	f.recordings[info.Index] = r
	return r, nil
}

// rig is a daisy-chained set of fake devices sharing one clock and journal
type rig struct {
	log     *journal
	clock   *fakeClock
	devices []*fakeDevice
	driver  *fakeDriver
	factory *fakeFactory
}

// newRig wires n devices with master's sync-out feeding the chain. Every
// device captures on every poll, each poll costing 11ms.
func newRig(n, master int) *rig {
	log := &journal{}
	clock := newFakeClock(log)
	r := &rig{log: log, clock: clock, factory: &fakeFactory{log: log}}
	for i := 0; i < n; i++ {
		d := &fakeDevice{
			index:    i,
			serial:   fmt.Sprintf("00042%04d", i),
			jacks:    JackState{SyncIn: true, SyncOut: i < n-1},
			pollCost: 11 * time.Millisecond,
			clock:    clock,
			log:      log,
		}
		if i == master {
			d.jacks = JackState{SyncIn: false, SyncOut: true}
		}
		r.devices = append(r.devices, d)
	}
	r.driver = &fakeDriver{devices: r.devices}
	return r
}

// sessions opens the rig into a registry and returns its sessions
func (r *rig) sessions() []*Session {
	reg, err := OpenRegistry(r.driver, discardLogger())
	if err != nil {
		panic(err)
	}
	return reg.Sessions()
}

func (r *rig) options(duration time.Duration) Options {
	opts := DefaultOptions()
	opts.Duration = duration
	opts.OutputDir = "/recordings"
	opts.Clock = r.clock
	opts.Logger = discardLogger()
	return opts
}

type recordedEvents struct {
	events []Event
	err    error
}

func (s *recordedEvents) Publish(_ context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordedEvents) types() []EventType {
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}
