package synccapture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the run lifecycle position
type State int

const (
	StateConfigured State = iota
	StateSubordinatesStarted
	StateMasterStarted
	StateStreaming
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateSubordinatesStarted:
		return "subordinates_started"
	case StateMasterStarted:
		return "master_started"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultSettleDelay is the pause between arming subordinates and starting the master
const DefaultSettleDelay = 150 * time.Millisecond

// Choreographer orders camera start and stop across a rig.
//
// Subordinates start first, in ascending index, so every one of them is
// listening before the master emits its first sync pulse. Stop reaches
// every started device before any recording is closed.
type Choreographer struct {
	registry *Registry
	master   int
	clock    Clock
	settle   time.Duration
	logger   *slog.Logger

	state State
}

// NewChoreographer creates a choreographer for a registry whose roles are assigned
func NewChoreographer(registry *Registry, master int, clock Clock, settle time.Duration, logger *slog.Logger) (*Choreographer, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("sync-capture: choreographer needs at least one device")
	}
	if master < 0 || master >= registry.Len() {
		return nil, fmt.Errorf("sync-capture: master index %d out of range", master)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if settle < 0 {
		return nil, fmt.Errorf("sync-capture: invalid settle delay %v", settle)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Choreographer{
		registry: registry,
		master:   master,
		clock:    clock,
		settle:   settle,
		logger:   logger,
		state:    StateConfigured,
	}, nil
}

// State returns the current lifecycle state
func (c *Choreographer) State() State {
	return c.state
}

func (c *Choreographer) transition(to State) {
	c.logger.Debug("sync-capture: state transition", "from", c.state.String(), "to", to.String())
	c.state = to
}

// Start brings the rig to Streaming.
//
// This method:
//  1. Starts every subordinate in ascending index order
//  2. Waits the settle delay (skipped when there are no subordinates)
//  3. Starts the master
//
// Any start failure aborts immediately with CameraStartFailed naming the
// device. Nothing is retried. Devices already started stay marked so Stop
// can reach them.
func (c *Choreographer) Start() error {
	if c.state != StateConfigured {
		return fmt.Errorf("sync-capture: cannot start from state %s", c.state)
	}

	sessions := c.registry.Sessions()
	subordinates := 0
	for _, s := range sessions {
		if s.Index == c.master {
			continue
		}
		if err := c.startSession(s); err != nil {
			return err
		}
		subordinates++
	}
	c.transition(StateSubordinatesStarted)

	if subordinates > 0 && c.settle > 0 {
		c.logger.Debug("sync-capture: waiting for subordinates to arm", "settle", c.settle)
		c.clock.Sleep(c.settle)
	}

	if err := c.startSession(sessions[c.master]); err != nil {
		return err
	}
	c.transition(StateMasterStarted)
	c.transition(StateStreaming)

	c.logger.Info("sync-capture: all devices streaming",
		"devices", len(sessions),
		"master", c.master,
	)
	return nil
}

func (c *Choreographer) startSession(s *Session) error {
	if err := s.device.StartCameras(s.Config); err != nil {
		return deviceError(CodeCameraStartFailed, s, err)
	}
	s.started = true
	c.logger.Info("sync-capture: camera started",
		"index", s.Index,
		"serial", s.Serial,
		"role", s.Role.String(),
		"subordinate_delay_usec", s.Config.SubordinateDelayUsec,
	)
	return nil
}

// Stop stops every started camera. Every device is attempted.
//
// Returns the joined CameraStopFailed errors.
func (c *Choreographer) Stop() error {
	if c.state == StateStopped || c.state == StateClosed {
		return nil
	}

	var errs []error
	for _, s := range c.registry.Sessions() {
		if !s.started || s.stopped {
			continue
		}
		if err := s.device.StopCameras(); err != nil {
			errs = append(errs, deviceError(CodeCameraStopFailed, s, err))
			c.logger.Error("sync-capture: camera stop failed",
				"index", s.Index,
				"serial", s.Serial,
				"error", err,
			)
			continue
		}
		s.stopped = true
		c.logger.Debug("sync-capture: camera stopped", "index", s.Index, "serial", s.Serial)
	}
	c.transition(StateStopped)
	return errors.Join(errs...)
}

// Close finalizes every recording, then releases every device handle.
//
// Stops any camera still running first. Everything is attempted regardless
// of earlier failures. Returns the joined finalize and close errors, which
// are shutdown errors: they are reported per device and never change the
// outcome of a run that already completed.
func (c *Choreographer) Close() error {
	if c.state == StateClosed {
		return nil
	}
	if c.state != StateStopped {
		if err := c.Stop(); err != nil {
			c.logger.Warn("sync-capture: stop during close reported errors", "error", err)
		}
	}

	sessions := c.registry.Sessions()
	finalizeErr := FinalizeRecordings(sessions, c.logger)
	closeErr := c.registry.Close()
	c.transition(StateClosed)

	return errors.Join(finalizeErr, closeErr)
}
