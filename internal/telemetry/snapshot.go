// Package telemetry exposes a typed, read-only snapshot of the running
// server's state, in place of the original's anonymous-mmap "live database"
// that an out-of-process HTTP child read directly.
//
// Per SPEC_FULL.md §9's design note: since gpsntpd has no out-of-process
// reader, the shared-memory snapshot collapses to a plain struct built on
// demand from the in-process Engine values, grounded on
// ntp/shm/ntpshm.go's struct-snapshot idea (without its unsafe/SHM
// plumbing) and sptp/client/sysstats.go's gopsutil process-stats
// collection style.
package telemetry

import (
	"fmt"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/process"

	"github.com/gpsclock/gpsntpd/internal/clockdisc"
	"github.com/gpsclock/gpsntpd/internal/nmea"
	"github.com/gpsclock/gpsntpd/internal/sntp"
)

// ProcessStats carries host/runtime process metrics alongside the
// domain-specific snapshot.
type ProcessStats struct {
	AliveSinceSec int64
	UptimeSec     int64
	CPUPercent    float64
	RSSBytes      uint64
	NumFDs        int32
	NumThreads    int32
	NumGoroutines int
}

// ClockStats is the clock disciplinarian's externally-visible state.
type ClockStats struct {
	Synchronized     bool
	ReferenceSec     int64
	ReferenceUsec    int64
	LastDriftMS      int64
	DispersionMS     int64
	DispersionStddev float64
	SamplingSec      int64
	Metrics          [clockdisc.MetricsDepth]clockdisc.MetricSlot
}

// Snapshot is the whole-process read-only view surfaced for diagnostics and
// for internal/metrics's Prometheus exporter.
type Snapshot struct {
	TakenAtSec int64
	GPS        nmea.Status
	Clock      ClockStats
	SNTP       sntp.Status
	Process    ProcessStats
}

// Collector gathers a Snapshot from the live Engine components. It holds no
// mutable state of its own beyond the process-start time used for uptime.
type Collector struct {
	log       log.FieldLogger
	gps       *nmea.Decoder
	clock     *clockdisc.Discipliner
	sntp      *sntp.Engine
	startedAt time.Time
}

// NewCollector creates a Collector over the given live components.
func NewCollector(gps *nmea.Decoder, clock *clockdisc.Discipliner, sntpEngine *sntp.Engine, logger log.FieldLogger) *Collector {
	return &Collector{
		log:       logger,
		gps:       gps,
		clock:     clock,
		sntp:      sntpEngine,
		startedAt: time.Now(),
	}
}

// Collect builds a Snapshot as of nowSec.
func (c *Collector) Collect(nowSec int64) (Snapshot, error) {
	refSec, refUsec := c.clock.Reference()

	snap := Snapshot{
		TakenAtSec: nowSec,
		GPS:        c.gps.Status(),
		Clock: ClockStats{
			Synchronized:     c.clock.Synchronized(),
			ReferenceSec:     refSec,
			ReferenceUsec:    refUsec,
			LastDriftMS:      c.clock.LastDrift(),
			DispersionMS:     c.clock.Dispersion(),
			DispersionStddev: c.clock.DispersionStddev(),
			SamplingSec:      c.clock.Sampling(),
			Metrics:          c.clock.Metrics(),
		},
		SNTP: c.sntp.Snapshot(nowSec),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap, fmt.Errorf("telemetry: reading process stats: %w", err)
	}
	snap.Process = ProcessStats{
		AliveSinceSec: c.startedAt.Unix(),
		UptimeSec:     nowSec - c.startedAt.Unix(),
		NumGoroutines: runtime.NumGoroutine(),
	}
	if pct, err := proc.Percent(0); err == nil {
		snap.Process.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		snap.Process.RSSBytes = mem.RSS
	}
	if fds, err := proc.NumFDs(); err == nil {
		snap.Process.NumFDs = fds
	}
	if threads, err := proc.NumThreads(); err == nil {
		snap.Process.NumThreads = threads
	}

	return snap, nil
}
