// Package mkv writes one Matroska container per device with GStreamer.
//
// Pipeline structure:
//
//	appsrc (caps from CaptureConfig) → matroskamux → filesink
//
// Captures are pushed as buffers whose PTS is the device timestamp relative
// to the first capture, so every file starts at zero on its own device clock.
package mkv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	synccapture "github.com/e7canasta/sync-capture"
)

// DefaultFlushTimeout bounds how long Flush waits for the muxer to finish
const DefaultFlushTimeout = 10 * time.Second

const writingApp = "sync-record"

// Factory creates Writers. It implements synccapture.RecordingFactory.
type Factory struct {
	// FlushTimeout defaults to DefaultFlushTimeout
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// NewFactory returns a Factory with default settings
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{FlushTimeout: DefaultFlushTimeout, Logger: logger}
}

// Create builds the writer pipeline for one device. The pipeline stays in
// NULL state until WriteHeader.
func (f *Factory) Create(path string, info synccapture.DeviceInfo, cfg synccapture.CaptureConfig) (synccapture.Recording, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkv: create output dir: %w", err)
		}
	}

	elems, err := createPipeline(path, CapsFor(cfg))
	if err != nil {
		return nil, err
	}

	timeout := f.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		path:         path,
		info:         info,
		cfg:          cfg,
		pipeline:     elems.pipeline,
		src:          elems.src,
		flushTimeout: timeout,
		logger:       logger.With("index", info.Index, "serial", info.Serial),
	}, nil
}

type pipelineElements struct {
	pipeline *gst.Pipeline
	src      *app.Source
}

func createPipeline(path, caps string) (*pipelineElements, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("mkv: failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("mkv: failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(caps))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", false)
	// Block on a full queue rather than drop: every capture must reach the file
	src.SetProperty("block", true)

	mux, err := gst.NewElement("matroskamux")
	if err != nil {
		return nil, fmt.Errorf("mkv: failed to create matroskamux: %w", err)
	}
	mux.SetProperty("writing-app", writingApp)

	sink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("mkv: failed to create filesink: %w", err)
	}
	sink.SetProperty("location", path)
	sink.SetProperty("sync", false)

	pipeline.AddMany(src.Element, mux, sink)
	if err := gst.ElementLinkMany(src.Element, mux, sink); err != nil {
		return nil, fmt.Errorf("mkv: failed to link pipeline elements: %w", err)
	}

	return &pipelineElements{pipeline: pipeline, src: src}, nil
}

// Writer is one device's container. It implements synccapture.Recording.
type Writer struct {
	path         string
	info         synccapture.DeviceInfo
	cfg          synccapture.CaptureConfig
	pipeline     *gst.Pipeline
	src          *app.Source
	flushTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	started bool
	base    time.Duration
	hasBase bool
	frames  uint64
	bytes   uint64
	flushed bool
	closed  bool
}

// Path returns the file being written
func (w *Writer) Path() string { return w.path }

// WriteHeader starts the pipeline and sends the recording tags, so the
// container header carries serial, role and configuration before the first frame.
func (w *Writer) WriteHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}
	if err := w.pipeline.SetState(gst.StatePlaying); err != nil {
		return w.busError(fmt.Errorf("mkv: failed to start pipeline: %w", err))
	}

	tags := gst.NewEmptyTagList()
	tags.AddValue(gst.TagMergeReplace, gst.TagTitle, w.info.Serial)
	tags.AddValue(gst.TagMergeReplace, gst.TagComment, formatTags(Tags(w.info, w.cfg)))
	if !w.src.SendEvent(gst.NewTagEvent(tags)) {
		w.logger.Warn("mkv: tag event not accepted, container has no metadata", "path", w.path)
	}

	if err := w.pendingError(); err != nil {
		return err
	}

	w.started = true
	w.logger.Debug("mkv: header written",
		"path", w.path,
		"caps", CapsFor(w.cfg),
		"role", w.cfg.Role.String(),
	)
	return nil
}

// WriteCapture appends one capture. The payload is copied; the caller
// may release the capture as soon as this returns.
func (w *Writer) WriteCapture(c synccapture.Capture) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started || w.flushed {
		return fmt.Errorf("mkv: writer not accepting captures (started=%v, flushed=%v)", w.started, w.flushed)
	}

	data := c.Data()
	if len(data) == 0 {
		return fmt.Errorf("mkv: empty capture")
	}

	ts := c.Timestamp()
	if !w.hasBase {
		w.base = ts
		w.hasBase = true
	}
	pts := ts - w.base
	if pts < 0 {
		pts = 0
	}

	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(pts)
	buf.SetDuration(w.cfg.FrameRate.Period())

	if ret := w.src.PushBuffer(buf); ret != gst.FlowOK {
		return w.busError(fmt.Errorf("mkv: push buffer: flow %v", ret))
	}

	w.frames++
	w.bytes += uint64(len(data))
	return nil
}

// Flush ends the stream and waits for the muxer to write the index and
// cues. Returns the pipeline error if one is raised before EOS.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flushed || !w.started {
		return nil
	}
	w.flushed = true

	if ret := w.src.EndStream(); ret != gst.FlowOK {
		return w.busError(fmt.Errorf("mkv: end stream: flow %v", ret))
	}

	bus := w.pipeline.GetPipelineBus()
	deadline := time.Now().Add(w.flushTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			w.logger.Info("mkv: recording flushed",
				"path", w.path,
				"frames", w.frames,
				"bytes", w.bytes,
			)
			return nil
		case gst.MessageError:
			return w.gstError(msg.ParseError())
		}
	}
	return fmt.Errorf("mkv: no end of stream after %v", w.flushTimeout)
}

// Close releases the pipeline. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("mkv: failed to stop pipeline: %w", err)
	}
	return nil
}

// pendingError drains the bus without blocking and returns the first error message
func (w *Writer) pendingError() error {
	bus := w.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			return w.gstError(msg.ParseError())
		}
	}
}

// busError prefers a pipeline error over the generic one
func (w *Writer) busError(fallback error) error {
	if err := w.pendingError(); err != nil {
		return err
	}
	return fallback
}

func (w *Writer) gstError(gerr *gst.GError) error {
	category := ClassifyGStreamerError(gerr)
	w.logger.Error("mkv: pipeline error",
		"error", gerr.Error(),
		"debug", gerr.DebugString(),
		"category", category.String(),
		"path", w.path,
		"frames_written", w.frames,
	)
	return fmt.Errorf("mkv: pipeline error [%s]: %s", category.String(), gerr.Error())
}
