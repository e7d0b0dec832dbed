package synccapture

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRun_ThreeDevicesComplete runs 1 master + 2 subordinates for
// 3 seconds at 30fps with no failures
func TestRun_ThreeDevicesComplete(t *testing.T) {
	r := newRig(3, 0)
	opts := r.options(3 * time.Second)

	report, err := Run(context.Background(), r.driver, r.factory, opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(r.factory.recordings) != 3 {
		t.Fatalf("recordings created = %d, want 3", len(r.factory.recordings))
	}
	for i, d := range r.devices {
		rec := r.factory.recordings[i]
		if !rec.header {
			t.Errorf("device %d: header not written", i)
		}
		if rec.writes < 1 {
			t.Errorf("device %d: writes = %d, want >= 1", i, rec.writes)
		}
		if d.startedWith == nil {
			t.Fatalf("device %d never started", i)
		}
		if rec.cfg.Role != d.startedWith.Role {
			t.Errorf("device %d: recording role %s, device started as %s", i, rec.cfg.Role, d.startedWith.Role)
		}
		wantRole := RoleSubordinate
		if i == 0 {
			wantRole = RoleMaster
		}
		if d.startedWith.Role != wantRole {
			t.Errorf("device %d: role = %s, want %s", i, d.startedWith.Role, wantRole)
		}
		wantPath := filepath.Join("/recordings", OutputFileName("capture", i, d.serial))
		if rec.path != wantPath {
			t.Errorf("device %d: path = %q, want %q", i, rec.path, wantPath)
		}
		if rec.flushCalls != 1 || rec.closeCalls != 1 {
			t.Errorf("device %d: flush/close = %d/%d, want 1/1", i, rec.flushCalls, rec.closeCalls)
		}
		if d.stopCalls != 1 || d.closeCalls != 1 {
			t.Errorf("device %d: stop/close = %d/%d, want 1/1", i, d.stopCalls, d.closeCalls)
		}
		if d.controls[ControlExposure] != opts.Settings.ExposureUsec || d.controls[ControlGain] != opts.Settings.Gain {
			t.Errorf("device %d: controls = %v", i, d.controls)
		}
	}

	if report.MasterIndex != 0 {
		t.Errorf("MasterIndex = %d, want 0", report.MasterIndex)
	}
	if report.State != StateClosed {
		t.Errorf("State = %s, want closed", report.State)
	}
	if len(report.FailedDevices()) != 0 {
		t.Errorf("FailedDevices() = %v, want none", report.FailedDevices())
	}
	for _, d := range report.Devices {
		if !d.Clean() || !d.Started || !d.Stopped {
			t.Errorf("device %d: clean=%v started=%v stopped=%v", d.Index, d.Clean(), d.Started, d.Stopped)
		}
		if d.FramesWritten != uint64(r.factory.recordings[d.Index].writes) {
			t.Errorf("device %d: report frames %d, recording writes %d", d.Index, d.FramesWritten, r.factory.recordings[d.Index].writes)
		}
		if d.Stats.DeliveryRatio < 0.9 {
			t.Errorf("device %d: delivery ratio %.2f, want ~1", d.Index, d.Stats.DeliveryRatio)
		}
	}
	if report.RunID == "" {
		t.Error("RunID is empty")
	}
}

// TestRun_WriteFailureOnSubordinate aborts mid-loop and still stops
// every device and attempts every close
func TestRun_WriteFailureOnSubordinate(t *testing.T) {
	r := newRig(3, 0)
	r.factory.prepare = func(rec *fakeRecording) {
		if rec.info.Index == 1 {
			rec.failWriteAt = 10
		}
	}

	report, err := Run(context.Background(), r.driver, r.factory, r.options(3*time.Second))
	if !errors.Is(err, ErrCaptureWriteFailed) {
		t.Fatalf("Run() error = %v, want CaptureWriteFailed", err)
	}
	if k, _ := KindOf(err); k != KindStreaming {
		t.Errorf("error kind = %s, want streaming", k)
	}
	if FailedDevice(err) != 1 {
		t.Errorf("FailedDevice() = %d, want 1", FailedDevice(err))
	}

	for i, d := range r.devices {
		if d.stopCalls != 1 {
			t.Errorf("device %d: stop calls = %d, want 1", i, d.stopCalls)
		}
		if d.closeCalls != 1 {
			t.Errorf("device %d: handle close calls = %d, want 1", i, d.closeCalls)
		}
		if rec := r.factory.recordings[i]; rec.closeCalls != 1 {
			t.Errorf("device %d: recording close calls = %d, want 1", i, rec.closeCalls)
		}
	}
	for _, d := range report.Devices {
		if !d.Stopped || !d.Finalized {
			t.Errorf("device %d: stopped=%v finalized=%v", d.Index, d.Stopped, d.Finalized)
		}
	}

	lastStop := r.log.lastWithPrefix("stop ")
	if lastStop > r.log.firstWithPrefix("flush ") {
		t.Errorf("stop after flush began: %v", r.log.entries)
	}
}

// TestRun_ExposureFailsOnMaster never starts a camera and closes every handle
func TestRun_ExposureFailsOnMaster(t *testing.T) {
	r := newRig(3, 2)
	r.devices[2].controlErr = map[ColorControl]error{ControlExposure: errors.New("value out of range")}

	report, err := Run(context.Background(), r.driver, r.factory, r.options(3*time.Second))
	if !errors.Is(err, ErrExposureSetFailed) {
		t.Fatalf("Run() error = %v, want ExposureSetFailed", err)
	}
	if k, _ := KindOf(err); k != KindConfiguration {
		t.Errorf("error kind = %s, want configuration", k)
	}
	for i, d := range r.devices {
		if d.startCalls != 0 {
			t.Errorf("device %d: started %d times, want 0", i, d.startCalls)
		}
		if d.closeCalls != 1 {
			t.Errorf("device %d: close calls = %d, want 1", i, d.closeCalls)
		}
	}
	if r.log.firstWithPrefix("create ") != -1 {
		t.Errorf("recordings created after a configuration failure: %v", r.log.entries)
	}
	if report == nil || report.State != StateClosed {
		t.Errorf("report = %+v, want closed state", report)
	}
}

func TestRun_SetupFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *rig)
		wantErr error
		// opened is how many handles were opened and must be closed
		opened int
	}{
		{
			name:    "no devices",
			setup:   func(r *rig) { r.driver.devices = nil },
			wantErr: ErrNoDevicesFound,
		},
		{
			name:    "enumeration fails",
			setup:   func(r *rig) { r.driver.countErr = errors.New("usb bus error") },
			wantErr: ErrNoDevicesFound,
		},
		{
			name:    "open fails on device 2",
			setup:   func(r *rig) { r.driver.openErr = map[int]error{2: errors.New("device busy")} },
			wantErr: ErrDeviceOpenFailed,
			opened:  2,
		},
		{
			name:    "serial read fails on device 1",
			setup:   func(r *rig) { r.devices[1].serialErr = errors.New("eeprom unreadable") },
			wantErr: ErrDeviceOpenFailed,
			opened:  2,
		},
		{
			name: "ambiguous master",
			setup: func(r *rig) {
				r.devices[1].jacks = JackState{SyncOut: true}
			},
			wantErr: ErrAmbiguousMaster,
			opened:  3,
		},
		{
			name: "no master",
			setup: func(r *rig) {
				r.devices[0].jacks = JackState{SyncIn: true}
			},
			wantErr: ErrNoMasterDetected,
			opened:  3,
		},
		{
			name:    "gain rejected",
			setup:   func(r *rig) { r.devices[1].controlErr = map[ColorControl]error{ControlGain: errors.New("EINVAL")} },
			wantErr: ErrGainSetFailed,
			opened:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(3, 0)
			tt.setup(r)

			_, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}

			for i, d := range r.devices {
				wantClose := 0
				if i < tt.opened {
					wantClose = 1
				}
				if d.closeCalls != wantClose {
					t.Errorf("device %d: close calls = %d, want %d", i, d.closeCalls, wantClose)
				}
				if d.startCalls != 0 {
					t.Errorf("device %d started during a setup failure", i)
				}
			}
			if len(r.factory.recordings) != 0 {
				t.Errorf("recordings created during a setup failure")
			}
		})
	}
}

func TestRun_RecordingFailures(t *testing.T) {
	t.Run("create fails on device 2", func(t *testing.T) {
		r := newRig(3, 0)
		r.factory.createErr = map[int]error{2: errors.New("permission denied")}

		_, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
		if !errors.Is(err, ErrRecordingCreateFailed) {
			t.Fatalf("Run() error = %v, want RecordingCreateFailed", err)
		}
		for i, d := range r.devices {
			if d.startCalls != 0 {
				t.Errorf("device %d started before every recording existed", i)
			}
			if d.closeCalls != 1 {
				t.Errorf("device %d: close calls = %d, want 1", i, d.closeCalls)
			}
		}
		for i := 0; i < 2; i++ {
			if rec := r.factory.recordings[i]; rec.closeCalls != 1 {
				t.Errorf("recording %d: close calls = %d, want 1", i, rec.closeCalls)
			}
		}
	})

	t.Run("header fails on device 0", func(t *testing.T) {
		r := newRig(2, 1)
		r.factory.prepare = func(rec *fakeRecording) {
			if rec.info.Index == 0 {
				rec.headerErr = errors.New("short write")
			}
		}

		_, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
		if !errors.Is(err, ErrHeaderWriteFailed) {
			t.Fatalf("Run() error = %v, want HeaderWriteFailed", err)
		}
		if r.log.firstWithPrefix("create 1") != -1 {
			t.Error("device 1 recording created after device 0 header failed")
		}
		if r.factory.recordings[0].closeCalls != 1 {
			t.Error("recording with failed header was not closed")
		}
	})
}

func TestRun_StreamingFailures(t *testing.T) {
	t.Run("subordinate start fails", func(t *testing.T) {
		r := newRig(3, 2)
		r.devices[1].startErr = errors.New("depth engine fault")

		_, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
		if !errors.Is(err, ErrCameraStartFailed) {
			t.Fatalf("Run() error = %v, want CameraStartFailed", err)
		}
		if r.devices[2].startCalls != 0 {
			t.Error("master started after a subordinate failed")
		}
		if r.devices[0].stopCalls != 1 {
			t.Errorf("started subordinate stop calls = %d, want 1", r.devices[0].stopCalls)
		}
		for i, d := range r.devices {
			if d.polls != 0 {
				t.Errorf("device %d polled without streaming", i)
			}
			if d.closeCalls != 1 {
				t.Errorf("device %d: close calls = %d, want 1", i, d.closeCalls)
			}
			if r.factory.recordings[i].closeCalls != 1 {
				t.Errorf("recording %d not closed", i)
			}
		}
	})

	t.Run("capture read fails", func(t *testing.T) {
		r := newRig(3, 0)
		r.devices[2].script = []outcome{outcomeCapture, outcomeCapture, outcomeFail}

		_, err := Run(context.Background(), r.driver, r.factory, r.options(3*time.Second))
		if !errors.Is(err, ErrCaptureReadFailed) {
			t.Fatalf("Run() error = %v, want CaptureReadFailed", err)
		}
		for i, d := range r.devices {
			if d.stopCalls != 1 || d.closeCalls != 1 {
				t.Errorf("device %d: stop/close = %d/%d, want 1/1", i, d.stopCalls, d.closeCalls)
			}
		}
	})

	t.Run("stop fails after a completed loop", func(t *testing.T) {
		r := newRig(2, 0)
		r.devices[1].stopErr = errors.New("usb reset")

		report, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
		if !errors.Is(err, ErrCameraStopFailed) {
			t.Fatalf("Run() error = %v, want CameraStopFailed", err)
		}
		for i := range r.devices {
			if r.factory.recordings[i].closeCalls != 1 {
				t.Errorf("recording %d not finalized after stop failure", i)
			}
		}
		if report.Devices[1].Stopped {
			t.Error("device 1 reported stopped after a stop failure")
		}
	})
}

// TestRun_ShutdownErrorsAreReportedNotFatal verifies that a completed run
// stays successful while naming the device whose file did not close cleanly
func TestRun_ShutdownErrorsAreReportedNotFatal(t *testing.T) {
	r := newRig(3, 0)
	r.factory.prepare = func(rec *fakeRecording) {
		if rec.info.Index == 2 {
			rec.flushErr = errors.New("no space left on device")
		}
	}

	report, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	failed := report.FailedDevices()
	if len(failed) != 1 || failed[0].Index != 2 {
		t.Fatalf("FailedDevices() = %+v, want device 2 only", failed)
	}
	if !errors.Is(failed[0].FinalizeErr, ErrFlushFailed) {
		t.Errorf("FinalizeErr = %v, want FlushFailed", failed[0].FinalizeErr)
	}
	if r.factory.recordings[2].closeCalls != 1 {
		t.Error("close must be attempted after a failed flush")
	}
	if k, _ := KindOf(failed[0].FinalizeErr); k != KindShutdown {
		t.Errorf("FinalizeErr kind = %s, want shutdown", k)
	}
}

// TestRun_DeviceCloseFailureIsReported keeps the run successful but marks
// the device whose handle would not close
func TestRun_DeviceCloseFailureIsReported(t *testing.T) {
	r := newRig(3, 0)
	r.devices[1].closeErr = errors.New("usb handle stuck")

	report, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	d := report.Devices[1]
	if d.Clean() {
		t.Error("device 1 reported clean after its handle failed to close")
	}
	if !d.Finalized || d.FinalizeErr != nil {
		t.Errorf("device 1 recording: finalized=%v err=%v, want finalized cleanly", d.Finalized, d.FinalizeErr)
	}
	if !errors.Is(d.CloseErr, ErrCloseFailed) {
		t.Errorf("CloseErr = %v, want CloseFailed", d.CloseErr)
	}
	if FailedDevice(d.CloseErr) != 1 {
		t.Errorf("CloseErr device = %d, want 1", FailedDevice(d.CloseErr))
	}
	if !errors.Is(d.ShutdownErr(), ErrCloseFailed) {
		t.Errorf("ShutdownErr() = %v", d.ShutdownErr())
	}

	failed := report.FailedDevices()
	if len(failed) != 1 || failed[0].Index != 1 {
		t.Fatalf("FailedDevices() = %+v, want device 1 only", failed)
	}
}

// TestRun_CloseFailureBeforeRecording reports the failing handle even when
// the run aborted before any container existed
func TestRun_CloseFailureBeforeRecording(t *testing.T) {
	r := newRig(2, 0)
	r.devices[0].controlErr = map[ColorControl]error{ControlGain: errors.New("out of range")}
	r.devices[1].closeErr = errors.New("usb handle stuck")

	report, err := Run(context.Background(), r.driver, r.factory, r.options(time.Second))
	if !errors.Is(err, ErrGainSetFailed) {
		t.Fatalf("Run() error = %v, want GainSetFailed", err)
	}
	failed := report.FailedDevices()
	if len(failed) != 1 || !errors.Is(failed[0].CloseErr, ErrCloseFailed) {
		t.Errorf("FailedDevices() = %+v, want device 1 with CloseFailed", failed)
	}
}

func TestRun_Events(t *testing.T) {
	t.Run("completed run", func(t *testing.T) {
		r := newRig(3, 1)
		sink := &recordedEvents{}
		opts := r.options(time.Second)
		opts.Events = sink

		report, err := Run(context.Background(), r.driver, r.factory, opts)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		want := []EventType{
			EventRunStarted, EventMasterElected, EventStreaming,
			EventDeviceFinalized, EventDeviceFinalized, EventDeviceFinalized,
			EventRunFinished,
		}
		got := sink.types()
		if len(got) != len(want) {
			t.Fatalf("events = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event %d = %s, want %s", i, got[i], want[i])
			}
		}
		for _, ev := range sink.events {
			if ev.RunID != report.RunID {
				t.Errorf("event %s run id = %q, want %q", ev.Type, ev.RunID, report.RunID)
			}
		}
		if sink.events[1].Device != 1 || sink.events[1].Role != "master" {
			t.Errorf("master event = %+v", sink.events[1])
		}
	})

	t.Run("aborted run", func(t *testing.T) {
		r := newRig(2, 0)
		r.devices[1].jacks = JackState{SyncOut: true}
		sink := &recordedEvents{}
		opts := r.options(time.Second)
		opts.Events = sink

		if _, err := Run(context.Background(), r.driver, r.factory, opts); err == nil {
			t.Fatal("Run() expected error")
		}
		got := sink.types()
		if got[len(got)-1] != EventRunAborted {
			t.Errorf("last event = %s, want run_aborted", got[len(got)-1])
		}
		if !strings.Contains(sink.events[len(got)-1].Detail, "ambiguous master") {
			t.Errorf("abort detail = %q", sink.events[len(got)-1].Detail)
		}
	})

	t.Run("publish failures never fail the run", func(t *testing.T) {
		r := newRig(2, 0)
		opts := r.options(time.Second)
		opts.Events = &recordedEvents{err: errors.New("broker unreachable")}

		if _, err := Run(context.Background(), r.driver, r.factory, opts); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	})
}

func TestRun_OptionsValidation(t *testing.T) {
	r := newRig(1, 0)

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"zero duration", func(o *Options) { o.Duration = 0 }},
		{"negative settle", func(o *Options) { o.SettleDelay = -time.Second }},
		{"negative poll timeout", func(o *Options) { o.PollTimeout = -time.Second }},
		{"invalid master index", func(o *Options) { o.Master.Index = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := r.options(time.Second)
			tt.mutate(&opts)
			if _, err := Run(context.Background(), r.driver, r.factory, opts); err == nil {
				t.Error("Run() expected error, got nil")
			}
			if r.devices[0].closeCalls != 0 || r.log.firstWithPrefix("create") != -1 {
				t.Error("invalid options must be rejected before touching devices")
			}
		})
	}

	if _, err := Run(context.Background(), nil, r.factory, r.options(time.Second)); err == nil {
		t.Error("Run() with nil driver expected error")
	}
	if _, err := Run(context.Background(), r.driver, nil, r.options(time.Second)); err == nil {
		t.Error("Run() with nil factory expected error")
	}
}
