package gstdev

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	synccapture "github.com/e7canasta/sync-capture"
)

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const controlTimeout = 5 * time.Second

// controlArgs maps a color control to v4l2-ctl arguments. UVC exposure is
// expressed in units of 100 µs and needs manual exposure mode first.
func controlArgs(path string, ctrl synccapture.ColorControl, value int32) ([]string, error) {
	switch ctrl {
	case synccapture.ControlExposure:
		units := (int64(value) + 50) / 100
		if units < 1 {
			units = 1
		}
		return []string{
			"--device", path,
			"--set-ctrl", fmt.Sprintf("auto_exposure=1,exposure_time_absolute=%d", units),
		}, nil
	case synccapture.ControlGain:
		return []string{"--device", path, "--set-ctrl", fmt.Sprintf("gain=%d", value)}, nil
	default:
		return nil, fmt.Errorf("gstdev: unsupported control %s", ctrl)
	}
}

func setControl(run CommandRunner, path string, ctrl synccapture.ColorControl, value int32) error {
	args, err := controlArgs(path, ctrl, value)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	out, err := run(ctx, "v4l2-ctl", args...)
	if err != nil {
		return fmt.Errorf("gstdev: v4l2-ctl %s: %w (%s)", ctrl, err, strings.TrimSpace(string(out)))
	}
	return nil
}
