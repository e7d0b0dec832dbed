// Package synccapture records synchronized color captures from several
// depth cameras wired in a sync daisy chain.
//
// One device drives the chain (master) and every other device triggers from
// the master's pulse (subordinate). A run opens every device, elects the
// master, derives each device's configuration from its role, locks exposure
// and gain, writes one Matroska container per device and then polls all
// devices round-robin until the requested duration has elapsed.
//
// # Quick Start
//
//	opts := synccapture.DefaultOptions()
//	opts.Duration = 10 * time.Second
//	opts.OutputDir = "/recordings"
//
//	report, err := synccapture.Run(ctx, driver, factory, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("wrote %d frames from %d devices", report.TotalFrames(), len(report.Devices))
//
// Driver and RecordingFactory are the hardware and container boundaries.
// The internal/gstdev and internal/simdev packages provide drivers;
// internal/mkv provides the container factory.
//
// # Master Election
//
// When neither a serial nor an index is designated, the master is the only
// device with sync-out cabled and sync-in free. No such device, or more than
// one, stops the run before any camera starts.
//
// # Start Order
//
// Subordinates start first, in ascending index order, then the master after
// SettleDelay. Subordinates started after the master would miss its first
// pulses. Stop is the reverse concern: every camera stops before the first
// container is flushed.
//
// # Errors
//
// Every fatal failure is an *Error carrying a Code and the failing device.
// Match with errors.Is against the Err* sentinels:
//
//	if errors.Is(err, synccapture.ErrAmbiguousMaster) {
//	    // check sync cabling
//	}
//
// Kind groups codes into the phase they abort (setup, configuration,
// streaming, shutdown).
package synccapture
