package synccapture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/e7canasta/sync-capture"

// Options configures one recording run
type Options struct {
	// Settings are the capture settings shared by every device
	Settings Settings
	// Master designates the master explicitly; Index AutoMaster reads the sync jacks
	Master MasterOverride
	// Duration is the wall-clock length of the capture loop (required)
	Duration time.Duration
	// OutputDir receives one container per device (default ".")
	OutputDir string
	// FilePrefix starts every container name (default "capture")
	FilePrefix string
	// PollTimeout is the per-device capture wait (default 100ms)
	PollTimeout time.Duration
	// SettleDelay separates subordinate start from master start (0 disables)
	SettleDelay time.Duration
	// Clock drives the settle delay and the deadline (default SystemClock)
	Clock Clock
	// Events receives lifecycle events (optional)
	Events EventSink
	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// DefaultOptions returns a 3 second MJPG 720p/30fps run with auto master detection
func DefaultOptions() Options {
	return Options{
		Settings:    DefaultSettings(),
		Master:      MasterOverride{Index: AutoMaster},
		Duration:    3 * time.Second,
		OutputDir:   ".",
		FilePrefix:  "capture",
		PollTimeout: DefaultPollTimeout,
		SettleDelay: DefaultSettleDelay,
	}
}

func (o Options) withDefaults() (Options, error) {
	if o.Duration <= 0 {
		return o, fmt.Errorf("sync-capture: invalid duration %v (must be > 0)", o.Duration)
	}
	if o.SettleDelay < 0 {
		return o, fmt.Errorf("sync-capture: invalid settle delay %v", o.SettleDelay)
	}
	if o.PollTimeout < 0 {
		return o, fmt.Errorf("sync-capture: invalid poll timeout %v", o.PollTimeout)
	}
	if o.Master.Index < AutoMaster {
		return o, fmt.Errorf("sync-capture: invalid master index %d", o.Master.Index)
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
	if o.FilePrefix == "" {
		o.FilePrefix = "capture"
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

// Run records from every connected device for opts.Duration.
//
// This function:
//  1. Opens every device and reads its serial
//  2. Elects the master (override or sync cabling)
//  3. Derives each device's configuration from its role
//  4. Applies manual exposure and gain
//  5. Creates every container and writes its header
//  6. Starts subordinates, settles, starts the master
//  7. Polls all devices until the duration elapses
//  8. Stops all cameras, finalizes all containers, closes all handles
//
// Step 8 runs on every path that got past step 5, including fatal ones.
// Handles opened in step 1 are always closed.
//
// The returned error is the first fatal *Error, or nil. Flush/close failures
// after a completed run do not make it fail; they are reported per device in
// the Report. ctx carries tracing and events only: the capture loop ends at
// its deadline or on a fatal error.
func Run(ctx context.Context, driver Driver, factory RecordingFactory, opts Options) (*Report, error) {
	if driver == nil {
		return nil, fmt.Errorf("sync-capture: driver is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("sync-capture: recording factory is required")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	r := &runner{
		driver:  driver,
		factory: factory,
		opts:    opts,
		logger:  opts.Logger.With("run_id", runID),
		tracer:  otel.Tracer(tracerName),
		report: &Report{
			RunID:       runID,
			StartedAt:   opts.Clock.Now(),
			MasterIndex: -1,
			State:       StateConfigured,
		},
	}
	return r.run(ctx)
}

type runner struct {
	driver  Driver
	factory RecordingFactory
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	report  *Report

	registry *Registry
	window   time.Duration
}

func (r *runner) run(ctx context.Context) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "sync-capture.run",
		trace.WithAttributes(attribute.String("run.id", r.report.RunID)))
	defer span.End()

	r.logger.Info("sync-capture: run starting",
		"duration", r.opts.Duration,
		"color_format", r.opts.Settings.ColorFormat.String(),
		"resolution", r.opts.Settings.ColorResolution.String(),
		"depth_mode", r.opts.Settings.DepthMode.String(),
		"fps", r.opts.Settings.FrameRate.FramesPerSecond(),
		"output_dir", r.opts.OutputDir,
	)
	r.emit(ctx, Event{Type: EventRunStarted, Device: noDevice})

	err := r.phase(ctx, "open_devices", func() error {
		reg, err := OpenRegistry(r.driver, r.logger)
		r.registry = reg
		return err
	})
	if err != nil {
		return r.abort(ctx, span, err)
	}
	sessions := r.registry.Sessions()

	var master int
	err = r.phase(ctx, "elect_master", func() error {
		m, err := ElectMaster(sessions, r.opts.Master, r.logger)
		master = m
		return err
	})
	if err != nil {
		r.closeHandles()
		return r.abort(ctx, span, err)
	}
	r.report.MasterIndex = master
	AssignRoles(sessions, master, r.opts.Settings)
	r.emit(ctx, Event{
		Type:   EventMasterElected,
		Device: master,
		Serial: sessions[master].Serial,
		Role:   RoleMaster.String(),
	})

	err = r.phase(ctx, "apply_exposure", func() error {
		return ApplyExposure(sessions, r.opts.Settings.ExposureUsec, r.opts.Settings.Gain, r.logger)
	})
	if err != nil {
		r.closeHandles()
		return r.abort(ctx, span, err)
	}

	chor, err := NewChoreographer(r.registry, master, r.opts.Clock, r.opts.SettleDelay, r.logger)
	if err != nil {
		r.closeHandles()
		return r.abort(ctx, span, err)
	}
	loop, err := NewCaptureLoop(sessions, r.opts.Clock, r.opts.Duration, r.opts.PollTimeout, r.logger)
	if err != nil {
		r.closeHandles()
		return r.abort(ctx, span, err)
	}

	err = r.phase(ctx, "open_recordings", func() error {
		return OpenRecordings(sessions, r.factory, r.opts.OutputDir, r.opts.FilePrefix, r.logger)
	})
	if err != nil {
		r.teardown(ctx, chor)
		return r.abort(ctx, span, err)
	}

	runErr := r.phase(ctx, "start_cameras", chor.Start)
	if runErr == nil {
		r.emit(ctx, Event{Type: EventStreaming, Device: noDevice})
		streamStart := r.opts.Clock.Now()
		runErr = r.phase(ctx, "capture", loop.Run)
		r.window = r.opts.Clock.Now().Sub(streamStart)
	}

	stopErr := r.phase(ctx, "stop_cameras", chor.Stop)
	if runErr == nil && stopErr != nil {
		runErr = stopErr
	}
	r.teardown(ctx, chor)

	if runErr != nil {
		return r.abort(ctx, span, runErr)
	}

	failed := r.report.FailedDevices()
	for _, d := range failed {
		r.logger.Warn("sync-capture: device recording incomplete",
			"index", d.Index,
			"serial", d.Serial,
			"path", d.OutputPath,
			"error", d.ShutdownErr(),
		)
	}
	r.logger.Info("sync-capture: run completed",
		"devices", len(r.report.Devices),
		"frames", r.report.TotalFrames(),
		"incomplete_devices", len(failed),
		"elapsed", r.report.Duration,
	)
	span.SetAttributes(attribute.Int64("run.frames", int64(r.report.TotalFrames())))
	r.emit(ctx, Event{
		Type:   EventRunFinished,
		Device: noDevice,
		Detail: fmt.Sprintf("frames=%d incomplete=%d", r.report.TotalFrames(), len(failed)),
	})
	return r.report, nil
}

// teardown finalizes every recording and closes every handle, then fills
// the per-device report. Shutdown errors are recorded per device.
func (r *runner) teardown(ctx context.Context, chor *Choreographer) {
	if err := r.phase(ctx, "finalize", chor.Close); err != nil {
		r.logger.Warn("sync-capture: teardown completed with errors", "error", err)
	}
	r.report.State = chor.State()
	r.fillDevices()

	for _, d := range r.report.Devices {
		if d.OutputPath == "" {
			continue
		}
		ev := Event{
			Type:   EventDeviceFinalized,
			Device: d.Index,
			Serial: d.Serial,
			Role:   d.Role.String(),
			Detail: "ok",
		}
		if !d.Clean() {
			ev.Detail = fmt.Sprint(d.ShutdownErr())
		}
		r.emit(ctx, ev)
	}
}

// closeHandles releases the handles of a run that failed before any
// recording existed.
func (r *runner) closeHandles() {
	if r.registry == nil {
		return
	}
	if err := r.registry.Close(); err != nil {
		r.logger.Warn("sync-capture: device handles closed with errors", "error", err)
	}
	r.report.State = StateClosed
	r.fillDevices()
}

func (r *runner) fillDevices() {
	r.report.Duration = r.opts.Clock.Now().Sub(r.report.StartedAt)
	r.report.Devices = r.report.Devices[:0]
	for _, s := range r.registry.Sessions() {
		r.report.Devices = append(r.report.Devices, newDeviceReport(s, r.window))
	}
}

func (r *runner) abort(ctx context.Context, span trace.Span, err error) (*Report, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kind := "unknown"
	if k, ok := KindOf(err); ok {
		kind = k.String()
	}
	r.logger.Error("sync-capture: run aborted",
		"error", err,
		"kind", kind,
		"device", FailedDevice(err),
		"state", r.report.State.String(),
	)
	r.emit(ctx, Event{Type: EventRunAborted, Device: FailedDevice(err), Detail: err.Error()})
	return r.report, err
}

// phase runs fn inside a child span named after the phase
func (r *runner) phase(ctx context.Context, name string, fn func() error) error {
	_, span := r.tracer.Start(ctx, "sync-capture."+name)
	defer span.End()

	if err := fn(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *runner) emit(ctx context.Context, ev Event) {
	if r.opts.Events == nil {
		return
	}
	ev.RunID = r.report.RunID
	ev.Time = r.opts.Clock.Now()
	if err := r.opts.Events.Publish(ctx, ev); err != nil {
		r.logger.Warn("sync-capture: event not published",
			"event", string(ev.Type),
			"error", err,
		)
	}
}
