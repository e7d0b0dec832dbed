package synccapture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPollTimeout is the per-device capture wait
const DefaultPollTimeout = 100 * time.Millisecond

// CaptureLoop polls every streaming device in turn until a deadline.
//
// One goroutine, fixed ascending visitation order, no skipping. The only
// suspension point is Device.GetCapture's bounded wait.
type CaptureLoop struct {
	sessions    []*Session
	clock       Clock
	duration    time.Duration
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewCaptureLoop validates the loop parameters
func NewCaptureLoop(sessions []*Session, clock Clock, duration, pollTimeout time.Duration, logger *slog.Logger) (*CaptureLoop, error) {
	if len(sessions) == 0 {
		return nil, fmt.Errorf("sync-capture: capture loop needs at least one device")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("sync-capture: invalid capture duration %v", duration)
	}
	if pollTimeout <= 0 {
		return nil, fmt.Errorf("sync-capture: invalid poll timeout %v", pollTimeout)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureLoop{
		sessions:    sessions,
		clock:       clock,
		duration:    duration,
		pollTimeout: pollTimeout,
		logger:      logger,
	}, nil
}

// Run polls until the duration elapses or a fatal error occurs.
//
// Per device and iteration:
//   - capture: written to the device's recording, then released
//   - timeout: counted, next device
//   - any other error: CaptureReadFailed, the loop aborts
//
// A failed write aborts with CaptureWriteFailed. The deadline is checked
// before every poll, so the loop may end partway through an iteration.
func (l *CaptureLoop) Run() error {
	start := l.clock.Now()
	deadline := start.Add(l.duration)
	iterations := 0

	l.logger.Info("sync-capture: capture loop started",
		"devices", len(l.sessions),
		"duration", l.duration,
		"poll_timeout", l.pollTimeout,
	)

	for {
		for _, s := range l.sessions {
			if !l.clock.Now().Before(deadline) {
				l.logger.Info("sync-capture: capture duration elapsed",
					"iterations", iterations,
					"elapsed", l.clock.Now().Sub(start),
				)
				return nil
			}
			if err := l.poll(s); err != nil {
				l.logger.Error("sync-capture: capture loop aborted",
					"index", s.Index,
					"serial", s.Serial,
					"error", err,
				)
				return err
			}
		}
		iterations++
	}
}

func (l *CaptureLoop) poll(s *Session) error {
	capture, err := s.device.GetCapture(l.pollTimeout)
	switch {
	case err == nil && capture != nil:
		if err := s.writeCapture(capture); err != nil {
			return deviceError(CodeCaptureWriteFailed, s, err)
		}
		s.arrivals = append(s.arrivals, l.clock.Now())
		l.logger.Debug("sync-capture: capture written",
			"index", s.Index,
			"frames", s.framesWritten,
			"device_ts", s.lastTimestamp,
		)
		return nil

	case err == nil, errors.Is(err, ErrCaptureTimeout):
		release(capture)
		s.timeouts++
		return nil

	default:
		release(capture)
		return deviceError(CodeCaptureReadFailed, s, err)
	}
}

// release frees a capture a driver handed back alongside an error
func release(c Capture) {
	if c != nil {
		c.Release()
	}
}
