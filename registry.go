package synccapture

import (
	"errors"
	"log/slog"
	"time"
)

// Session is one opened device for the duration of a run.
//
// Role and Config are assigned once after master election and never change
// while the device streams.
type Session struct {
	Index      int
	Serial     string
	Role       SyncRole
	Config     CaptureConfig
	OutputPath string

	device    Device
	recording Recording

	started   bool
	stopped   bool
	finalized bool
	closed    bool

	finalizeErr error
	closeErr    error

	framesWritten  uint64
	bytesWritten   uint64
	timeouts       uint64
	firstTimestamp time.Duration
	lastTimestamp  time.Duration
	arrivals       []time.Time
}

// Info returns the identity handed to the recording layer
func (s *Session) Info() DeviceInfo {
	return DeviceInfo{Index: s.Index, Serial: s.Serial, Role: s.Role}
}

// Registry owns the opened device sessions of one run, in index order.
type Registry struct {
	sessions []*Session
	logger   *slog.Logger
}

// OpenRegistry opens every device the driver enumerates and reads its serial.
//
// This function:
//  1. Queries the device count (zero devices is an error)
//  2. Opens each device in index order
//  3. Reads each serial number
//  4. On any failure, closes the handles it already opened
//
// Returns a Registry whose sessions are ordered by ascending index.
func OpenRegistry(driver Driver, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	count, err := driver.DeviceCount()
	if err != nil {
		return nil, newError(CodeNoDevicesFound, err)
	}
	if count == 0 {
		return nil, newError(CodeNoDevicesFound, nil)
	}

	r := &Registry{logger: logger}
	for i := 0; i < count; i++ {
		dev, err := driver.Open(i)
		if err != nil {
			r.Close()
			return nil, &Error{Code: CodeDeviceOpenFailed, Device: i, Cause: err}
		}

		s := &Session{Index: i, device: dev}
		r.sessions = append(r.sessions, s)

		serial, err := dev.Serial()
		if err != nil {
			r.Close()
			return nil, &Error{Code: CodeDeviceOpenFailed, Device: i, Cause: err}
		}
		s.Serial = serial

		logger.Info("sync-capture: device opened",
			"index", i,
			"serial", serial,
		)
	}

	return r, nil
}

// Sessions returns the sessions in ascending index order
func (r *Registry) Sessions() []*Session {
	return r.sessions
}

// Len returns the number of opened devices
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Close releases every device handle not yet released.
//
// Every handle is attempted even if an earlier one fails. Safe to call
// multiple times.
func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.sessions {
		if s.closed {
			continue
		}
		s.closed = true
		if err := s.device.Close(); err != nil {
			s.closeErr = deviceError(CodeCloseFailed, s, err)
			errs = append(errs, s.closeErr)
			r.logger.Error("sync-capture: device close failed",
				"index", s.Index,
				"serial", s.Serial,
				"error", err,
			)
			continue
		}
		r.logger.Debug("sync-capture: device closed", "index", s.Index, "serial", s.Serial)
	}
	return errors.Join(errs...)
}
