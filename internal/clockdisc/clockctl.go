package clockdisc

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Stepper is the OS clock primitive the disciplinarian drives: an
// instantaneous step (settimeofday) and a progressive slew (adjtime). It is
// an interface so the discipline algorithm in discipline.go can be tested
// without touching the host clock, in the same spirit as clock/clock.go's
// syscall wrappers but generalized to a seam a test can replace.
type Stepper interface {
	// Now returns the current wall time as (seconds, microseconds).
	Now() (sec, usec int64)
	// Step sets the wall clock to (sec, usec).
	Step(sec, usec int64) error
	// Slew requests a progressive adjustment of (deltaSec, deltaUsec).
	Slew(deltaSec, deltaUsec int64) error
}

// SystemStepper drives the real host clock via golang.org/x/sys/unix,
// grounded on clock/clock.go's pattern of wrapping settimeofday/adjtime
// directly rather than going through the standard library (which exposes
// neither call).
type SystemStepper struct{}

// Now implements Stepper.
func (SystemStepper) Now() (sec, usec int64) {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return 0, 0
	}
	return int64(tv.Sec), int64(tv.Usec)
}

// Step implements Stepper.
func (SystemStepper) Step(sec, usec int64) error {
	tv := unix.Timeval{Sec: sec, Usec: usec}
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}

// Slew implements Stepper.
func (SystemStepper) Slew(deltaSec, deltaUsec int64) error {
	delta := unix.Timeval{Sec: deltaSec, Usec: deltaUsec}
	if err := unix.Adjtime(&delta, nil); err != nil {
		return fmt.Errorf("adjtime: %w", err)
	}
	return nil
}

// DryRunStepper wraps a Stepper and logs Step/Slew calls instead of applying
// them, for a -test calibration run: the learning/hysteresis algorithm in
// discipline.go runs unmodified and computes real drift, but the host clock
// is left untouched. Now() delegates to the wrapped Stepper so sampling-
// period estimation still sees real elapsed time.
type DryRunStepper struct {
	Stepper
	log log.FieldLogger
}

// NewDryRunStepper wraps stepper for -test mode.
func NewDryRunStepper(stepper Stepper, logger log.FieldLogger) *DryRunStepper {
	return &DryRunStepper{Stepper: stepper, log: logger}
}

// Step logs the step that would have been applied, without calling settimeofday.
func (d *DryRunStepper) Step(sec, usec int64) error {
	d.log.WithField("to", fmt.Sprintf("%d.%06d", sec, usec)).Info("clockdisc: dry-run, would step clock")
	return nil
}

// Slew logs the slew that would have been applied, without calling adjtime.
func (d *DryRunStepper) Slew(deltaSec, deltaUsec int64) error {
	d.log.WithField("delta", fmt.Sprintf("%d.%06d", deltaSec, deltaUsec)).Info("clockdisc: dry-run, would slew clock")
	return nil
}
