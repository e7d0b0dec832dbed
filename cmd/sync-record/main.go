// Command sync-record records synchronized color streams from every
// connected camera into one Matroska file per device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	synccapture "github.com/e7canasta/sync-capture"
	"github.com/e7canasta/sync-capture/internal/config"
	"github.com/e7canasta/sync-capture/internal/events"
	"github.com/e7canasta/sync-capture/internal/gstdev"
	"github.com/e7canasta/sync-capture/internal/manifest"
	"github.com/e7canasta/sync-capture/internal/mkv"
	"github.com/e7canasta/sync-capture/internal/simdev"
	"github.com/e7canasta/sync-capture/internal/telemetry"
)

// Version information
const version = "v0.1.0"

// Exit codes
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// usageError marks bad flags or configuration
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cliFlags struct {
	configPath   string
	duration     float64
	masterIndex  int
	masterSerial string
	exposure     int
	gain         int
	subDelay     uint
	output       string
	prefix       string
	simulate     int
	debug        bool
	jsonLogs     bool
	showVersion  bool
	inspect      string
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, *flag.FlagSet, error) {
	fl := &cliFlags{}
	fs := flag.NewFlagSet("sync-record", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&fl.configPath, "config", "", "YAML config file (default $"+config.PathEnv+")")
	fs.Float64Var(&fl.duration, "duration", 3, "Recording duration in seconds")
	fs.IntVar(&fl.masterIndex, "master-index", synccapture.AutoMaster, "Master device index (-1 = detect from sync cabling)")
	fs.StringVar(&fl.masterSerial, "master-serial", "", "Master device serial (overrides -master-index)")
	fs.IntVar(&fl.exposure, "exposure", 8330, "Manual exposure in microseconds")
	fs.IntVar(&fl.gain, "gain", 128, "Manual gain (0-255)")
	fs.UintVar(&fl.subDelay, "sub-delay", 160, "Subordinate delay off master in microseconds")
	fs.StringVar(&fl.output, "output", ".", "Output directory")
	fs.StringVar(&fl.prefix, "prefix", "capture", "Output file prefix")
	fs.IntVar(&fl.simulate, "simulate", 0, "Record from N simulated devices instead of hardware")
	fs.BoolVar(&fl.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&fl.jsonLogs, "json-logs", false, "Log as JSON")
	fs.BoolVar(&fl.showVersion, "version", false, "Show version and exit")
	fs.StringVar(&fl.inspect, "inspect", "", "Read back a recording (.mkv) or every recording of a run manifest (.yaml) and write metadata sidecars")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sync-record [flags]\n\n")
		fmt.Fprintf(stderr, "Examples:\n")
		fmt.Fprintf(stderr, "  sync-record -duration 10 -output /recordings\n")
		fmt.Fprintf(stderr, "  sync-record -master-serial 000123692912 -exposure 16670\n")
		fmt.Fprintf(stderr, "  sync-record -simulate 3 -output /tmp/dry-run\n")
		fmt.Fprintf(stderr, "  sync-record -inspect /recordings/capture_run_<id>.yaml\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, usageError{err}
	}
	if fs.NArg() > 0 {
		return nil, nil, usageError{fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))}
	}
	return fl, fs, nil
}

// loadConfig layers explicitly set flags over file and environment, then validates
func loadConfig(fl *cliFlags, fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(fl.configPath))
	if err != nil {
		return nil, usageError{err}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			cfg.Run.Duration = time.Duration(fl.duration * float64(time.Second))
		case "master-index":
			cfg.Master.Index = fl.masterIndex
		case "master-serial":
			cfg.Master.Serial = fl.masterSerial
		case "exposure":
			cfg.Capture.ExposureUsec = int32(fl.exposure)
		case "gain":
			cfg.Capture.Gain = int32(fl.gain)
		case "sub-delay":
			cfg.Capture.SubordinateDelayUsec = uint32(fl.subDelay)
		case "output":
			cfg.Output.Dir = fl.output
		case "prefix":
			cfg.Output.Prefix = fl.prefix
		case "simulate":
			cfg.Simulate = fl.simulate
		case "debug":
			if fl.debug {
				cfg.Log.Level = "debug"
			}
		case "json-logs":
			if fl.jsonLogs {
				cfg.Log.Format = "json"
			}
		}
	})

	if err := config.Validate(cfg); err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newDriver(cfg *config.Config, logger *slog.Logger) (synccapture.Driver, error) {
	if cfg.Simulate > 0 {
		logger.Info("sync-record: using simulated devices", "devices", cfg.Simulate)
		d, err := simdev.NewDriver(simdev.Options{Devices: cfg.Simulate, Logger: logger})
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	var specs []gstdev.DeviceSpec
	for _, d := range cfg.Devices {
		specs = append(specs, gstdev.DeviceSpec{Path: d.Path, Serial: d.Serial, SyncIn: d.SyncIn, SyncOut: d.SyncOut})
	}
	if len(specs) == 0 {
		found, err := gstdev.Discover("/dev/video*", "/sys")
		if err != nil {
			return nil, err
		}
		specs = found
		logger.Info("sync-record: discovered devices", "devices", len(specs))
	}
	return gstdev.NewDriver(specs, nil, logger), nil
}

func run(args []string, stdout, stderr io.Writer) int {
	fl, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fl.showVersion {
		fmt.Fprintf(stdout, "sync-record %s\n", version)
		return exitOK
	}
	if fl.inspect != "" {
		return inspect(fl.inspect, stdout, stderr)
	}

	cfg, err := loadConfig(fl, fs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	logger := newLogger(cfg.Log, stderr)
	slog.SetDefault(logger)

	ctx := context.Background()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Warn("sync-record: tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("sync-record: trace flush failed", "error", err)
		}
	}()

	opts, err := cfg.Options()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	opts.Logger = logger

	if cfg.MQTT.Broker != "" {
		pub, err := events.Connect(ctx, events.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			logger.Warn("sync-record: lifecycle events disabled", "error", err)
		} else {
			defer pub.Close()
			opts.Events = pub
		}
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: output directory: %v\n", err)
		return exitUsage
	}

	driver, err := newDriver(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	report, runErr := synccapture.Run(ctx, driver, mkv.NewFactory(logger), opts)
	if report == nil {
		// Run rejects options before touching any device
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitUsage
	}

	manifestPath := ""
	if cfg.Output.Manifest && len(report.Devices) > 0 {
		path, err := manifest.Write(opts.OutputDir, opts.FilePrefix, report, runErr)
		if err != nil {
			logger.Warn("sync-record: manifest not written", "error", err)
		} else {
			manifestPath = path
		}
	}

	printSummary(stdout, report, runErr, manifestPath)
	return exitCode(runErr)
}

// exitCode maps a run error to the process status: 0 when the run completed,
// even if some files did not finalize cleanly, 1 for any fatal error.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFatal
}

func printSummary(w io.Writer, r *synccapture.Report, runErr error, manifestPath string) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "╭─────────────────────────────────────────────────────────╮\n")
	fmt.Fprintf(w, "│ Recording Summary\n")
	fmt.Fprintf(w, "├─────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(w, "│ Run ID:      %s\n", r.RunID)
	fmt.Fprintf(w, "│ Elapsed:     %.1f seconds\n", r.Duration.Seconds())
	if r.MasterIndex >= 0 {
		fmt.Fprintf(w, "│ Master:      device %d\n", r.MasterIndex)
	}
	fmt.Fprintf(w, "│ Frames:      %d\n", r.TotalFrames())
	fmt.Fprintf(w, "├─────────────────────────────────────────────────────────┤\n")

	for _, d := range r.Devices {
		status := "ok"
		switch {
		case d.CloseErr != nil && d.OutputPath == "":
			status = fmt.Sprintf("not recorded, FAILED: %v", d.CloseErr)
		case d.OutputPath == "":
			status = "not recorded"
		case !d.Clean():
			status = fmt.Sprintf("FAILED: %v", d.ShutdownErr())
		}
		fmt.Fprintf(w, "│ [%d] %-14s %-11s %6d frames  %5.1f fps  %s\n",
			d.Index, d.Serial, d.Role, d.FramesWritten, d.Stats.FPSMean, status)
		if d.OutputPath != "" {
			fmt.Fprintf(w, "│     %s\n", d.OutputPath)
		}
	}

	if manifestPath != "" {
		fmt.Fprintf(w, "├─────────────────────────────────────────────────────────┤\n")
		fmt.Fprintf(w, "│ Manifest:    %s\n", manifestPath)
	}
	fmt.Fprintf(w, "╰─────────────────────────────────────────────────────────╯\n")

	if runErr != nil {
		fmt.Fprintf(w, "\n❌ Run failed: %v\n", runErr)
	} else if failed := r.FailedDevices(); len(failed) > 0 {
		fmt.Fprintf(w, "\n⚠️  %d recording(s) did not finalize cleanly\n", len(failed))
	}
}

// inspect reads back finished recordings and writes a metadata sidecar next
// to each one. A .yaml path is taken as a run manifest and expands to every
// recording it lists.
func inspect(path string, stdout, stderr io.Writer) int {
	recordings := []string{path}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		m, err := manifest.Load(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		recordings = m.Recordings(filepath.Dir(path))
		if len(recordings) == 0 {
			fmt.Fprintf(stderr, "Error: manifest %s lists no recordings\n", path)
			return exitUsage
		}
	}

	failed := 0
	for _, rec := range recordings {
		meta, err := mkv.Inspect(rec, 0)
		if err != nil {
			fmt.Fprintf(stderr, "❌ %v\n", err)
			failed++
			continue
		}
		out := mkv.SidecarPath(rec)
		if err := mkv.WriteSidecar(out, meta); err != nil {
			fmt.Fprintf(stderr, "❌ %v\n", err)
			failed++
			continue
		}
		printMetadata(stdout, meta, out)
	}

	if failed > 0 {
		fmt.Fprintf(stderr, "\n⚠️  %d of %d recording(s) could not be read\n", failed, len(recordings))
		return exitFatal
	}
	return exitOK
}

func printMetadata(w io.Writer, m *mkv.Metadata, sidecar string) {
	c := m.Configuration
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "╭─────────────────────────────────────────────────────────╮\n")
	fmt.Fprintf(w, "│ %s\n", filepath.Base(m.File))
	fmt.Fprintf(w, "├─────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(w, "│ Device:      [%d] %s (%s)\n", c.DeviceIndex, c.DeviceSerial, c.WiredSyncMode)
	fmt.Fprintf(w, "│ Color:       %s %s @ %d fps\n", c.ColorFormat, c.ColorResolution, c.CameraFPS)
	fmt.Fprintf(w, "│ Depth:       %s\n", c.DepthMode)
	fmt.Fprintf(w, "│ Sub delay:   %d µs\n", c.SubordinateDelayUsec)
	if m.Tracks.HasColorTrack {
		fmt.Fprintf(w, "│ Color track: %dx%d\n", m.Tracks.ColorWidth, m.Tracks.ColorHeight)
	}
	fmt.Fprintf(w, "│ Last frame:  %.3f s\n", float64(m.LastTimestampUs)/1e6)
	fmt.Fprintf(w, "│ Sidecar:     %s\n", sidecar)
	fmt.Fprintf(w, "╰─────────────────────────────────────────────────────────╯\n")
}
