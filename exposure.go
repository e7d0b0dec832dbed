package synccapture

import "log/slog"

// ApplyExposure sets manual exposure then gain on every session, in index order.
//
// Must run before any camera starts. The first rejected control aborts:
// devices with mismatched exposure would not produce comparable frames.
func ApplyExposure(sessions []*Session, exposureUsec, gain int32, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, s := range sessions {
		if err := s.device.SetColorControl(ControlExposure, exposureUsec); err != nil {
			return deviceError(CodeExposureSetFailed, s, err)
		}
		if err := s.device.SetColorControl(ControlGain, gain); err != nil {
			return deviceError(CodeGainSetFailed, s, err)
		}
		logger.Debug("sync-capture: manual exposure applied",
			"index", s.Index,
			"serial", s.Serial,
			"exposure_usec", exposureUsec,
			"gain", gain,
		)
	}

	logger.Info("sync-capture: manual exposure applied to all devices",
		"devices", len(sessions),
		"exposure_usec", exposureUsec,
		"gain", gain,
	)
	return nil
}
