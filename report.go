package synccapture

import (
	"errors"
	"time"

	"github.com/e7canasta/sync-capture/internal/fpsstats"
)

// ArrivalStats summarizes how regularly captures arrived from one device
type ArrivalStats struct {
	Frames        int
	FPSMean       float64
	FPSStdDev     float64
	FPSMin        float64
	FPSMax        float64
	JitterMean    float64
	JitterMax     float64
	DeliveryRatio float64
	IsStable      bool
}

// DeviceReport is the outcome of one device
type DeviceReport struct {
	Index      int
	Serial     string
	Role       SyncRole
	Config     CaptureConfig
	OutputPath string

	FramesWritten  uint64
	BytesWritten   uint64
	Timeouts       uint64
	FirstTimestamp time.Duration
	LastTimestamp  time.Duration
	Stats          ArrivalStats

	Started   bool
	Stopped   bool
	Finalized bool
	// FinalizeErr is set when the recording did not flush or close cleanly
	FinalizeErr error
	// CloseErr is set when the device handle failed to close
	CloseErr error
}

// Clean reports whether the device's recording was finalized and its handle
// closed without error
func (d DeviceReport) Clean() bool {
	return d.Finalized && d.FinalizeErr == nil && d.CloseErr == nil
}

// ShutdownErr joins the finalize and handle close failures of the device
func (d DeviceReport) ShutdownErr() error {
	return errors.Join(d.FinalizeErr, d.CloseErr)
}

// Report is the outcome of a run. It is returned on failure too, with
// whatever was known when the run stopped.
type Report struct {
	RunID       string
	StartedAt   time.Time
	Duration    time.Duration
	MasterIndex int
	State       State
	Devices     []DeviceReport
}

// FailedDevices returns the devices whose recording or handle did not
// close cleanly
func (r *Report) FailedDevices() []DeviceReport {
	var failed []DeviceReport
	for _, d := range r.Devices {
		if (d.OutputPath != "" && !d.Clean()) || d.CloseErr != nil {
			failed = append(failed, d)
		}
	}
	return failed
}

// TotalFrames returns the number of captures written across all devices
func (r *Report) TotalFrames() uint64 {
	var total uint64
	for _, d := range r.Devices {
		total += d.FramesWritten
	}
	return total
}

func newDeviceReport(s *Session, window time.Duration) DeviceReport {
	st := fpsstats.Calculate(s.arrivals, window, float64(s.Config.FrameRate.FramesPerSecond()))
	return DeviceReport{
		Index:          s.Index,
		Serial:         s.Serial,
		Role:           s.Role,
		Config:         s.Config,
		OutputPath:     s.OutputPath,
		FramesWritten:  s.framesWritten,
		BytesWritten:   s.bytesWritten,
		Timeouts:       s.timeouts,
		FirstTimestamp: s.firstTimestamp,
		LastTimestamp:  s.lastTimestamp,
		Stats: ArrivalStats{
			Frames:        st.Frames,
			FPSMean:       st.FPSMean,
			FPSStdDev:     st.FPSStdDev,
			FPSMin:        st.FPSMin,
			FPSMax:        st.FPSMax,
			JitterMean:    st.JitterMean,
			JitterMax:     st.JitterMax,
			DeliveryRatio: st.DeliveryRatio,
			IsStable:      st.IsStable,
		},
		Started:     s.started,
		Stopped:     s.stopped,
		Finalized:   s.finalized,
		FinalizeErr: s.finalizeErr,
		CloseErr:    s.closeErr,
	}
}
