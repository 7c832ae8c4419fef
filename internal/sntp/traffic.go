package sntp

// ClientRecord is one served unicast client, kept in a 128-entry ring for
// diagnostics.
type ClientRecord struct {
	Address     [4]byte
	OriginSec   int64
	OriginUsec  int64
	ReceiveSec  int64
	ReceiveUsec int64
}

// TrafficBucket tallies traffic over one 10-second window.
type TrafficBucket struct {
	TimestampSec int64
	Received     int
	Client       int
	Broadcast    int
}

// rollTraffic freezes the live counters into the ring slot for the
// just-finished 10-second window whenever the wall clock crosses a
// decasecond boundary, then zeroes the live counters for the new window.
// lastBucket holds the decasecond index plus one, so that zero always means
// "not yet primed", even for times in the first decasecond.
func (e *Engine) rollTraffic(nowSec int64) {
	bucket := nowSec/10 + 1
	if e.lastBucket == 0 {
		e.lastBucket = bucket
		return
	}
	if bucket == e.lastBucket {
		return
	}
	e.live.TimestampSec = (e.lastBucket - 1) * 10
	e.traffic[(e.lastBucket-1)%TrafficDepth] = e.live
	e.live = TrafficBucket{}
	e.lastBucket = bucket
}

// Status is a read-only snapshot of the engine's SNTP-layer state, intended
// for internal/telemetry to surface without exposing mutable internals.
type Status struct {
	Stratum     int
	ReferenceID [4]byte
	Selected    int
	Pool        [PoolSize]PoolSlot
	Clients     [ClientDepth]ClientRecord
	Traffic     [TrafficDepth]TrafficBucket
	Live        TrafficBucket
}

// Snapshot returns the engine's current Status as of nowSec.
func (e *Engine) Snapshot(nowSec int64) Status {
	stratum, refID := e.currentStratumAndRefID(nowSec)
	return Status{
		Stratum:     stratum,
		ReferenceID: refID,
		Selected:    e.selected,
		Pool:        e.pool,
		Clients:     e.clients,
		Traffic:     e.traffic,
		Live:        e.live,
	}
}
