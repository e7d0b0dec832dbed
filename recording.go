package synccapture

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// OutputFileName returns the container name for a device: <prefix>_<index>_<serial>.mkv
func OutputFileName(prefix string, index int, serial string) string {
	if prefix == "" {
		prefix = "capture"
	}
	return fmt.Sprintf("%s_%d_%s.mkv", prefix, index, sanitizeSerial(serial))
}

func sanitizeSerial(serial string) string {
	if serial == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, serial)
}

// OpenRecordings creates one container per session and writes its header.
//
// All headers are written before any camera starts. On failure the
// recordings created so far stay attached to their sessions so teardown
// can close them.
func OpenRecordings(sessions []*Session, factory RecordingFactory, dir, prefix string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, s := range sessions {
		s.OutputPath = filepath.Join(dir, OutputFileName(prefix, s.Index, s.Serial))

		rec, err := factory.Create(s.OutputPath, s.Info(), s.Config)
		if err != nil {
			return deviceError(CodeRecordingCreateFailed, s, err)
		}
		s.recording = rec

		if err := rec.WriteHeader(); err != nil {
			return deviceError(CodeHeaderWriteFailed, s, err)
		}

		logger.Info("sync-capture: recording opened",
			"index", s.Index,
			"serial", s.Serial,
			"role", s.Role.String(),
			"path", s.OutputPath,
		)
	}
	return nil
}

// writeCapture appends c to the session's container and releases it.
// The capture is released even when the write fails.
func (s *Session) writeCapture(c Capture) error {
	size := len(c.Data())
	ts := c.Timestamp()

	err := s.recording.WriteCapture(c)
	c.Release()
	if err != nil {
		return err
	}

	if s.framesWritten == 0 {
		s.firstTimestamp = ts
	}
	s.lastTimestamp = ts
	s.framesWritten++
	s.bytesWritten += uint64(size)
	return nil
}

// finalize flushes and closes the session's container exactly once.
// Close is attempted even when Flush fails.
func (s *Session) finalize() error {
	if s.recording == nil || s.finalized {
		return s.finalizeErr
	}
	s.finalized = true

	var errs []error
	if err := s.recording.Flush(); err != nil {
		errs = append(errs, deviceError(CodeFlushFailed, s, err))
	}
	if err := s.recording.Close(); err != nil {
		errs = append(errs, deviceError(CodeCloseFailed, s, err))
	}
	s.finalizeErr = errors.Join(errs...)
	return s.finalizeErr
}

// FinalizeRecordings flushes and closes every opened container.
//
// Every container is attempted. Returns the joined per-device failures.
func FinalizeRecordings(sessions []*Session, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for _, s := range sessions {
		if s.recording == nil {
			continue
		}
		if err := s.finalize(); err != nil {
			errs = append(errs, err)
			logger.Error("sync-capture: recording not finalized cleanly",
				"index", s.Index,
				"serial", s.Serial,
				"path", s.OutputPath,
				"error", err,
			)
			continue
		}
		logger.Info("sync-capture: recording finalized",
			"index", s.Index,
			"serial", s.Serial,
			"path", s.OutputPath,
			"frames", s.framesWritten,
		)
	}
	return errors.Join(errs...)
}
