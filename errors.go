package synccapture

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups error codes by the run phase they abort
type Kind int

const (
	// KindSetup covers discovery, open and master election. Nothing streams yet.
	KindSetup Kind = iota
	// KindConfiguration covers manual controls rejected by the hardware.
	KindConfiguration
	// KindStreaming covers camera start/stop and capture read/write.
	KindStreaming
	// KindShutdown covers flush/close on completion. Reported, not fatal.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindConfiguration:
		return "configuration"
	case KindStreaming:
		return "streaming"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Code is a machine-readable error code
type Code string

const (
	CodeNoDevicesFound        Code = "NO_DEVICES_FOUND"
	CodeDeviceOpenFailed      Code = "DEVICE_OPEN_FAILED"
	CodeSyncJackReadFailed    Code = "SYNC_JACK_READ_FAILED"
	CodeMasterNotFound        Code = "MASTER_NOT_FOUND"
	CodeInvalidMasterIndex    Code = "INVALID_MASTER_INDEX"
	CodeNoMasterDetected      Code = "NO_MASTER_DETECTED"
	CodeAmbiguousMaster       Code = "AMBIGUOUS_MASTER"
	CodeExposureSetFailed     Code = "EXPOSURE_SET_FAILED"
	CodeGainSetFailed         Code = "GAIN_SET_FAILED"
	CodeRecordingCreateFailed Code = "RECORDING_CREATE_FAILED"
	CodeHeaderWriteFailed     Code = "HEADER_WRITE_FAILED"
	CodeCameraStartFailed     Code = "CAMERA_START_FAILED"
	CodeCameraStopFailed      Code = "CAMERA_STOP_FAILED"
	CodeCaptureReadFailed     Code = "CAPTURE_READ_FAILED"
	CodeCaptureWriteFailed    Code = "CAPTURE_WRITE_FAILED"
	CodeFlushFailed           Code = "FLUSH_FAILED"
	CodeCloseFailed           Code = "CLOSE_FAILED"
)

var codeKinds = map[Code]Kind{
	CodeNoDevicesFound:        KindSetup,
	CodeDeviceOpenFailed:      KindSetup,
	CodeSyncJackReadFailed:    KindSetup,
	CodeMasterNotFound:        KindSetup,
	CodeInvalidMasterIndex:    KindSetup,
	CodeNoMasterDetected:      KindSetup,
	CodeAmbiguousMaster:       KindSetup,
	CodeRecordingCreateFailed: KindSetup,
	CodeHeaderWriteFailed:     KindSetup,
	CodeExposureSetFailed:     KindConfiguration,
	CodeGainSetFailed:         KindConfiguration,
	CodeCameraStartFailed:     KindStreaming,
	CodeCameraStopFailed:      KindStreaming,
	CodeCaptureReadFailed:     KindStreaming,
	CodeCaptureWriteFailed:    KindStreaming,
	CodeFlushFailed:           KindShutdown,
	CodeCloseFailed:           KindShutdown,
}

// Kind returns the phase the code belongs to
func (c Code) Kind() Kind {
	return codeKinds[c]
}

// noDevice marks an error that is not about a single device
const noDevice = -1

// Error is the run error type. Compare with errors.Is against the Err*
// sentinels; comparison is by code.
type Error struct {
	Code   Code
	Device int // device index, -1 when not device specific
	Serial string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sync-capture: ")
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " ")))
	if e.Device >= 0 {
		fmt.Fprintf(&b, " (device %d", e.Device)
		if e.Serial != "" {
			fmt.Fprintf(&b, ", serial %s", e.Serial)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Kind returns the phase the error aborted
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// Sentinels for errors.Is
var (
	ErrNoDevicesFound        = &Error{Code: CodeNoDevicesFound, Device: noDevice}
	ErrDeviceOpenFailed      = &Error{Code: CodeDeviceOpenFailed, Device: noDevice}
	ErrSyncJackReadFailed    = &Error{Code: CodeSyncJackReadFailed, Device: noDevice}
	ErrMasterNotFound        = &Error{Code: CodeMasterNotFound, Device: noDevice}
	ErrInvalidMasterIndex    = &Error{Code: CodeInvalidMasterIndex, Device: noDevice}
	ErrNoMasterDetected      = &Error{Code: CodeNoMasterDetected, Device: noDevice}
	ErrAmbiguousMaster       = &Error{Code: CodeAmbiguousMaster, Device: noDevice}
	ErrExposureSetFailed     = &Error{Code: CodeExposureSetFailed, Device: noDevice}
	ErrGainSetFailed         = &Error{Code: CodeGainSetFailed, Device: noDevice}
	ErrRecordingCreateFailed = &Error{Code: CodeRecordingCreateFailed, Device: noDevice}
	ErrHeaderWriteFailed     = &Error{Code: CodeHeaderWriteFailed, Device: noDevice}
	ErrCameraStartFailed     = &Error{Code: CodeCameraStartFailed, Device: noDevice}
	ErrCameraStopFailed      = &Error{Code: CodeCameraStopFailed, Device: noDevice}
	ErrCaptureReadFailed     = &Error{Code: CodeCaptureReadFailed, Device: noDevice}
	ErrCaptureWriteFailed    = &Error{Code: CodeCaptureWriteFailed, Device: noDevice}
	ErrFlushFailed           = &Error{Code: CodeFlushFailed, Device: noDevice}
	ErrCloseFailed           = &Error{Code: CodeCloseFailed, Device: noDevice}
)

func newError(code Code, cause error) *Error {
	return &Error{Code: code, Device: noDevice, Cause: cause}
}

func deviceError(code Code, s *Session, cause error) *Error {
	return &Error{Code: code, Device: s.Index, Serial: s.Serial, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind(), true
	}
	return 0, false
}

// FailedDevice returns the index of the device err is about, or -1
func FailedDevice(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Device
	}
	return noDevice
}
