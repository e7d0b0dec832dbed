package synccapture

import (
	"fmt"
	"log/slog"
)

// AutoMaster asks the elector to read the sync jacks instead of using an index
const AutoMaster = -1

// MasterOverride lets the operator designate the master explicitly.
// Serial takes precedence over Index.
type MasterOverride struct {
	Serial string
	Index  int
}

// ElectMaster picks exactly one master among the opened sessions.
//
// This function:
//  1. Resolves an explicit serial against the opened set (MasterNotFound)
//  2. Else bounds-checks an explicit index (InvalidMasterIndex)
//  3. Else reads every device's sync jacks and requires exactly one
//     device with sync-out connected and sync-in free
//
// Zero candidates fails with NoMasterDetected and several with
// AmbiguousMaster. A miswired rig is never guessed around.
//
// Returns the master's device index.
func ElectMaster(sessions []*Session, o MasterOverride, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if o.Serial != "" {
		for _, s := range sessions {
			if s.Serial == o.Serial {
				logger.Info("sync-capture: master designated by serial",
					"index", s.Index,
					"serial", s.Serial,
				)
				return s.Index, nil
			}
		}
		return 0, newError(CodeMasterNotFound, fmt.Errorf("no opened device has serial %q", o.Serial))
	}

	if o.Index != AutoMaster {
		if o.Index < 0 || o.Index >= len(sessions) {
			return 0, newError(CodeInvalidMasterIndex,
				fmt.Errorf("index %d out of range [0, %d)", o.Index, len(sessions)))
		}
		logger.Info("sync-capture: master designated by index",
			"index", o.Index,
			"serial", sessions[o.Index].Serial,
		)
		return o.Index, nil
	}

	jacks := make([]JackState, len(sessions))
	for i, s := range sessions {
		j, err := s.device.SyncJacks()
		if err != nil {
			return 0, deviceError(CodeSyncJackReadFailed, s, err)
		}
		jacks[i] = j
		logger.Debug("sync-capture: sync jacks read",
			"index", s.Index,
			"serial", s.Serial,
			"sync_in", j.SyncIn,
			"sync_out", j.SyncOut,
		)
	}

	master, err := ElectFromJacks(jacks)
	if err != nil {
		return 0, err
	}

	logger.Info("sync-capture: master detected from sync cabling",
		"index", master,
		"serial", sessions[master].Serial,
	)
	return master, nil
}

// ElectFromJacks returns the position of the only master candidate in jacks
func ElectFromJacks(jacks []JackState) (int, error) {
	master := -1
	var candidates []int
	for i, j := range jacks {
		if j.IsMasterCandidate() {
			candidates = append(candidates, i)
			master = i
		}
	}

	switch len(candidates) {
	case 0:
		return 0, newError(CodeNoMasterDetected,
			fmt.Errorf("no device has sync-out connected with sync-in free"))
	case 1:
		return master, nil
	default:
		return 0, newError(CodeAmbiguousMaster,
			fmt.Errorf("devices %v all look like masters, check sync cabling", candidates))
	}
}
