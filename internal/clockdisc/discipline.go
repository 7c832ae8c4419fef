// Package clockdisc disciplines the host OS clock from a stream of
// (source, local, latency) samples: a first-call or large-drift hard reset
// via settimeofday, or a learning-period-averaged progressive slew via
// adjtime, with hysteresis between "synchronized" and "unsynchronized".
//
// The algorithm is grounded on original_source/hc_clock.c's
// hc_clock_synchronize, preserved exactly including its branch order and
// thresholds (SPEC_FULL.md §4.3).
package clockdisc

import (
	log "github.com/sirupsen/logrus"

	"github.com/eclesh/welford"
)

// LearningPeriod is the number of synchronize() samples averaged before the
// disciplinarian acts on a small drift, per spec.
const LearningPeriod = 10

// MetricsDepth is the size of the per-second drift/adjust ring: six minutes,
// enough to look back over the preceding five.
const MetricsDepth = 360

// DefaultPrecisionMS is the default clock accuracy target in milliseconds.
const DefaultPrecisionMS = 10

// MetricSlot is one second's worth of discipline metrics.
type MetricSlot struct {
	DriftMS int64
	Adjust  int
}

// Discipliner is the clock-discipline state machine described in
// SPEC_FULL.md §4.3. It has no package-level state; every field needed to
// reproduce a run lives on the struct, per the "single Engine value, no
// globals" design note.
type Discipliner struct {
	log       log.FieldLogger
	precision int64 // ms
	stepper   Stepper

	synchronized bool
	reference    [2]int64 // sec, usec of the last step/slew
	lastDrift    int64    // ms
	avgDrift     int64    // ms

	accumulator int64
	count       int

	callPeriod  int64 // x100, see synchronizePeriod
	callCount   int64
	latestCall  int64 // unix seconds of previous call, 0 = none
	sampling    int64 // seconds

	metrics      [MetricsDepth]MetricSlot
	lastCleanup  int64 // unix seconds
	dispersionSD *welford.Stats
}

// New creates a Discipliner with the given precision target (milliseconds)
// and clock stepper.
func New(precisionMS int64, stepper Stepper, logger log.FieldLogger) *Discipliner {
	if precisionMS <= 0 {
		precisionMS = DefaultPrecisionMS
	}
	return &Discipliner{
		log:          logger,
		precision:    precisionMS,
		stepper:      stepper,
		dispersionSD: welford.New(),
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Synchronize accepts one (source, local, latency) sample. source and local
// are each given as (seconds, microseconds); latencyMS is the estimated
// transmission delay between the source sampling its clock and this call.
func (d *Discipliner) Synchronize(sourceSec, sourceUsec, localSec, localUsec int64, latencyMS int64) {
	nowSec, nowUsec := d.stepper.Now()
	d.cleanupMetrics(nowSec)

	previousCall := d.latestCall
	d.latestCall = nowSec
	if previousCall != 0 {
		d.updateSamplingPeriod(nowSec - previousCall)
	}

	drift := (sourceSec-localSec)*1000 + (sourceUsec-localUsec)/1000 + latencyMS
	absDrift := abs64(drift)

	d.metrics[nowSec%MetricsDepth].DriftMS = drift
	d.lastDrift = drift

	if previousCall == 0 || absDrift >= 10000 {
		// First call ever, or too large a difference: force the clock.
		d.metrics[nowSec%MetricsDepth].Adjust++
		d.force(sourceSec, sourceUsec, localSec, localUsec, latencyMS)
		d.startLearning()
		return
	}

	// Accumulate towards the learning-period average.
	d.accumulator += drift
	d.count++
	if latencyMS > 0 && d.count < LearningPeriod {
		return
	}

	avg := d.accumulator / int64(d.count)
	absAvg := abs64(avg)
	d.avgDrift = avg
	d.dispersionSD.Add(float64(avg))

	if absAvg < d.precision {
		d.synchronized = true
	} else {
		if absAvg > 50*d.precision {
			d.synchronized = false
		}
		d.metrics[nowSec%MetricsDepth].Adjust++
		d.slew(avg)
	}
	d.startLearning()
}

func (d *Discipliner) startLearning() {
	d.count = 0
	d.accumulator = 0
}

// force performs a hard reset: correct the source time for the elapsed wall
// time since it was sampled, then settimeofday to it.
func (d *Discipliner) force(sourceSec, sourceUsec, localSec, localUsec, latencyMS int64) {
	nowSec, nowUsec := d.stepper.Now()

	correctedSec := sourceSec + (nowSec - localSec)
	correctedUsec := sourceUsec + (nowUsec - localUsec) + latencyMS*1000
	correctedSec, correctedUsec = normalizeUsec(correctedSec, correctedUsec)

	if err := d.stepper.Step(correctedSec, correctedUsec); err != nil {
		d.log.WithError(err).Warn("clockdisc: settimeofday failed")
		return
	}
	d.reference = [2]int64{correctedSec, correctedUsec}
	d.synchronized = true
}

// slew requests a progressive adjustment of driftMS milliseconds.
func (d *Discipliner) slew(driftMS int64) {
	deltaSec := driftMS / 1000
	deltaUsec := (driftMS % 1000) * 1000
	if deltaUsec < 0 {
		deltaSec--
		deltaUsec += 1000000
	}
	if err := d.stepper.Slew(deltaSec, deltaUsec); err != nil {
		d.log.WithError(err).Warn("clockdisc: adjtime failed")
	}
	sec, usec := d.stepper.Now()
	d.reference = [2]int64{sec, usec}
}

func normalizeUsec(sec, usec int64) (int64, int64) {
	if usec > 1000000 {
		sec++
		usec -= 1000000
	} else if usec < 0 {
		sec--
		usec += 1000000
	}
	return sec, usec
}

// updateSamplingPeriod maintains a running average of seconds between
// Synchronize calls, with one extra digit of precision to limit rounding
// loss, halved once the accumulator grows past 20,000, per hc_clock.c.
func (d *Discipliner) updateSamplingPeriod(deltaSec int64) {
	period := deltaSec * 100
	if d.callPeriod >= 20000 {
		d.callCount /= 2
		d.callPeriod /= 2
	}
	d.callPeriod += period
	d.callCount += 10
	average := d.callPeriod / d.callCount
	if average < 10 {
		average = 1
	} else if average%10 >= 5 {
		average = average/10 + 1
	} else {
		average /= 10
	}
	d.sampling = average
}

// cleanupMetrics zeroes ring slots between the last "current second" seen
// and now, so stale samples don't linger into the next pass around the ring.
func (d *Discipliner) cleanupMetrics(now int64) {
	if d.lastCleanup == 0 {
		d.lastCleanup = now
		return
	}
	for d.lastCleanup < now {
		d.lastCleanup++
		d.metrics[d.lastCleanup%MetricsDepth] = MetricSlot{}
	}
}

// Synchronized reports whether the local clock is currently considered
// synchronized to the source.
func (d *Discipliner) Synchronized() bool {
	return d.synchronized
}

// Reference returns the (seconds, microseconds) of the last step or slew.
func (d *Discipliner) Reference() (sec, usec int64) {
	return d.reference[0], d.reference[1]
}

// Dispersion returns the absolute value of the most recent averaged drift,
// in milliseconds, per hc_clock_dispersion.
func (d *Discipliner) Dispersion() int64 {
	return abs64(d.avgDrift)
}

// DispersionStddev returns the running standard deviation of averaged
// drift samples. This is additive telemetry beyond spec.md; it does not
// participate in the synchronized-flip invariant.
func (d *Discipliner) DispersionStddev() float64 {
	return d.dispersionSD.Stddev()
}

// Sampling returns the current estimated seconds between Synchronize calls.
func (d *Discipliner) Sampling() int64 {
	return d.sampling
}

// LastDrift returns the most recent single-sample drift, in milliseconds.
func (d *Discipliner) LastDrift() int64 {
	return d.lastDrift
}

// Metrics returns a snapshot of the 360-slot per-second metrics ring.
func (d *Discipliner) Metrics() [MetricsDepth]MetricSlot {
	return d.metrics
}
