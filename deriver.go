package synccapture

// DeriveConfig builds the capture configuration for a device with the given role.
//
// Every device gets the same format, resolution, depth mode and frame rate.
// Only the master runs with a zero subordinate delay. Synchronized-only
// delivery is always on.
func DeriveConfig(role SyncRole, s Settings) CaptureConfig {
	cfg := CaptureConfig{
		ColorFormat:            s.ColorFormat,
		ColorResolution:        s.ColorResolution,
		DepthMode:              s.DepthMode,
		FrameRate:              s.FrameRate,
		SynchronizedImagesOnly: true,
		Role:                   role,
		SubordinateDelayUsec:   s.SubordinateDelayUsec,
		DepthDelayOffColorUsec: s.DepthDelayOffColorUsec,
	}
	if role == RoleMaster {
		cfg.SubordinateDelayUsec = 0
	}
	return cfg
}

// AssignRoles marks the master and derives every session's configuration.
// Roles are fixed for the rest of the run.
func AssignRoles(sessions []*Session, master int, s Settings) {
	for _, sess := range sessions {
		role := RoleSubordinate
		if sess.Index == master {
			role = RoleMaster
		}
		sess.Role = role
		sess.Config = DeriveConfig(role, s)
	}
}
