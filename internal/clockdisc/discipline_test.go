package clockdisc

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeStepper is an in-memory Stepper so the learning/hysteresis state
// machine can be exercised without touching the host clock.
type fakeStepper struct {
	nowSec, nowUsec int64
	steps           int
	slews           []int64 // each entry is deltaSec*1000 + deltaUsec/1000, i.e. ms
}

func (f *fakeStepper) Now() (int64, int64) { return f.nowSec, f.nowUsec }

func (f *fakeStepper) Step(sec, usec int64) error {
	f.steps++
	return nil
}

func (f *fakeStepper) Slew(deltaSec, deltaUsec int64) error {
	f.slews = append(f.slews, deltaSec*1000+deltaUsec/1000)
	return nil
}

func newTestDiscipliner() (*Discipliner, *fakeStepper) {
	stepper := &fakeStepper{nowSec: 1000}
	d := New(10, stepper, logrus.New())
	return d, stepper
}

// TestFirstCallForcesReset covers Scenario 1: the first Synchronize call in
// the process lifetime always hard-resets, regardless of drift size.
func TestFirstCallForcesReset(t *testing.T) {
	d, stepper := newTestDiscipliner()
	d.Synchronize(1000, 0, 1000, 0, 70)
	require.True(t, d.Synchronized())
	require.Equal(t, 1, stepper.steps)
}

// TestSteadyStateSlewStaysSynchronized covers Scenario 2: 10 consecutive
// samples averaging +15ms drift with precision 10 issue exactly one adjtime
// call and remain synchronized, because |15| is not > 50*10=500.
func TestSteadyStateSlewStaysSynchronized(t *testing.T) {
	d, stepper := newTestDiscipliner()

	// First call: forces a hard reset and starts the learning period.
	stepper.nowSec = 1000
	d.Synchronize(1000, 0, 1000, 0, 0)
	require.Equal(t, 1, stepper.steps)

	// latency=15ms with source==local keeps drift pinned at exactly 15ms per
	// sample; latency>0 gates accumulation over the full learning period.
	for i := 0; i < LearningPeriod; i++ {
		stepper.nowSec++
		d.Synchronize(stepper.nowSec, 0, stepper.nowSec, 0, 15)
	}

	require.Len(t, stepper.slews, 1)
	require.Equal(t, int64(15), stepper.slews[0])
	require.True(t, d.Synchronized())
}

// TestLockLost covers Scenario 3: a sudden average drift of +600ms with
// precision 10 drops synchronized to false and issues an adjtime(+600ms).
func TestLockLost(t *testing.T) {
	d, stepper := newTestDiscipliner()

	stepper.nowSec = 1000
	d.Synchronize(1000, 0, 1000, 0, 0)

	for i := 0; i < LearningPeriod; i++ {
		stepper.nowSec++
		d.Synchronize(stepper.nowSec, 0, stepper.nowSec, 0, 600)
	}

	require.False(t, d.Synchronized())
	require.Len(t, stepper.slews, 1)
	require.Equal(t, int64(600), stepper.slews[0])
}

// TestLargeDriftForcesReset exercises the >=10s branch independent of the
// first-call branch.
func TestLargeDriftForcesReset(t *testing.T) {
	d, stepper := newTestDiscipliner()
	stepper.nowSec = 1000
	d.Synchronize(1000, 0, 1000, 0, 0) // first call
	require.Equal(t, 1, stepper.steps)

	stepper.nowSec++
	d.Synchronize(1000+20, 0, 1000+1, 0, 0) // ~19s drift
	require.Equal(t, 2, stepper.steps)
	require.True(t, d.Synchronized())
}

// TestSynchronizedHysteresis covers invariant 3: |avg drift| < precision
// implies synchronized() stays true until an avg observation > 50*precision.
func TestSynchronizedHysteresis(t *testing.T) {
	d, stepper := newTestDiscipliner()
	stepper.nowSec = 1000
	d.Synchronize(1000, 0, 1000, 0, 0)
	require.True(t, d.Synchronized())

	for i := 0; i < LearningPeriod; i++ {
		stepper.nowSec++
		d.Synchronize(stepper.nowSec, 0, stepper.nowSec, 0, 2) // avg drift 2ms < precision 10
	}
	require.True(t, d.Synchronized())

	for i := 0; i < LearningPeriod; i++ {
		stepper.nowSec++
		d.Synchronize(stepper.nowSec, 0, stepper.nowSec, 0, 20) // avg drift 20ms, between precision and 50*precision
	}
	require.True(t, d.Synchronized(), "small excess over precision must not drop sync")

	for i := 0; i < LearningPeriod; i++ {
		stepper.nowSec++
		d.Synchronize(stepper.nowSec, 0, stepper.nowSec, 0, 600) // avg drift 600ms > 500
	}
	require.False(t, d.Synchronized())
}
