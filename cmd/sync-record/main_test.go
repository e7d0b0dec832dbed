package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	synccapture "github.com/e7canasta/sync-capture"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"fatal setup", synccapture.ErrAmbiguousMaster, exitFatal},
		{"fatal streaming", fmt.Errorf("run: %w", &synccapture.Error{Code: synccapture.CodeCaptureReadFailed, Device: 1}), exitFatal},
		{"usage", usageError{errors.New("bad flag")}, exitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestLoadConfig_FlagsOverrideOnlyWhenSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rig.yaml")
	body := "capture:\n  gain: 64\n  exposure_usec: 12000\nrun:\n  duration: 7s\noutput:\n  prefix: rig\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYNC_CAPTURE_PREFIX", "from-env")

	fl, fs, err := parseFlags([]string{"-config", path, "-gain", "200", "-master-serial", "000111", "-json-logs"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	cfg, err := loadConfig(fl, fs)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Capture.Gain != 200 {
		t.Errorf("Gain = %d, want 200 from flag", cfg.Capture.Gain)
	}
	if cfg.Capture.ExposureUsec != 12000 {
		t.Errorf("ExposureUsec = %d, want 12000 from file (flag default must not win)", cfg.Capture.ExposureUsec)
	}
	if cfg.Run.Duration != 7*time.Second {
		t.Errorf("Duration = %v, want 7s from file", cfg.Run.Duration)
	}
	if cfg.Output.Prefix != "from-env" {
		t.Errorf("Prefix = %q, want env value", cfg.Output.Prefix)
	}
	if cfg.Master.Serial != "000111" || cfg.Log.Format != "json" {
		t.Errorf("Master.Serial = %q, Log.Format = %q", cfg.Master.Serial, cfg.Log.Format)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-bogus"}},
		{"stray argument", []string{"now"}},
		{"zero duration", []string{"-duration", "0"}},
		{"bad master index", []string{"-master-index", "-3"}},
		{"missing config file", []string{"-config", "/nonexistent/sync-capture.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != exitUsage {
				t.Errorf("run(%v) = %d, want %d (stderr: %s)", tt.args, code, exitUsage, stderr.String())
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if code := run([]string{"-version"}, &stdout, &bytes.Buffer{}); code != exitOK {
		t.Fatalf("run(-version) = %d", code)
	}
	if !strings.Contains(stdout.String(), version) {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestPrintSummary_ReportsIncompleteFiles(t *testing.T) {
	r := &synccapture.Report{
		RunID:       "run-1",
		Duration:    3 * time.Second,
		MasterIndex: 0,
		Devices: []synccapture.DeviceReport{
			{Index: 0, Serial: "000111", Role: synccapture.RoleMaster, OutputPath: "/r/capture_0_000111.mkv", FramesWritten: 90, Finalized: true},
			{Index: 1, Serial: "000222", Role: synccapture.RoleSubordinate, OutputPath: "/r/capture_1_000222.mkv", FramesWritten: 90, Finalized: true,
				FinalizeErr: errors.New("disk full")},
		},
	}

	var out bytes.Buffer
	printSummary(&out, r, nil, "/r/capture_run_run-1.yaml")
	s := out.String()

	if !strings.Contains(s, "FAILED: disk full") {
		t.Errorf("summary does not flag device 1:\n%s", s)
	}
	if !strings.Contains(s, "1 recording(s) did not finalize cleanly") {
		t.Errorf("summary missing incomplete warning:\n%s", s)
	}
	if !strings.Contains(s, "Frames:      180") {
		t.Errorf("summary missing total frames:\n%s", s)
	}

	r.Devices[1].FinalizeErr = nil
	r.Devices[0].CloseErr = errors.New("usb handle stuck")
	out.Reset()
	printSummary(&out, r, nil, "")
	if !strings.Contains(out.String(), "FAILED: usb handle stuck") {
		t.Errorf("summary does not flag the stuck handle:\n%s", out.String())
	}
}

func TestRun_InspectErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	noFiles := write("empty_run_1.yaml", "run_id: \"1\"\ndevices:\n  - index: 0\n    serial: \"000111\"\n")
	missing := write("capture_run_2.yaml", "run_id: \"2\"\ndevices:\n  - index: 0\n    serial: \"000111\"\n    file: capture_0_000111.mkv\n")

	tests := []struct {
		name string
		path string
		want int
	}{
		{"manifest not found", filepath.Join(dir, "nope.yaml"), exitUsage},
		{"manifest without recordings", noFiles, exitUsage},
		{"listed recording missing", missing, exitFatal},
		{"recording missing", filepath.Join(dir, "capture_9_x.mkv"), exitFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run([]string{"-inspect", tt.path}, &stdout, &stderr); code != tt.want {
				t.Errorf("run(-inspect %s) = %d, want %d (stderr: %s)", tt.path, code, tt.want, stderr.String())
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dir, "capture_0_000111.yaml")); !os.IsNotExist(err) {
		t.Errorf("sidecar written for a missing recording")
	}
}
