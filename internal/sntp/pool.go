package sntp

import "github.com/gpsclock/gpsntpd/internal/wire"

// PoolSlot is one tracked upstream broadcaster, used only while this server
// has no local GPS fix and must fall back to the client role.
type PoolSlot struct {
	InUse      bool
	Address    [4]byte
	Stratum    int
	FirstSeen  int64 // Unix seconds this peer first occupied a slot
	OriginSec  int64 // peer's transmit timestamp, decoded
	OriginUsec int64
	ReceiveSec int64 // local arrival time of the peer's broadcast
	ReceiveUsec int64
}

// handleBroadcast ingests a mode-5 broadcast from a candidate upstream
// server, updating the pool and, when it changes or reinforces the current
// selection, disciplining the clock against it.
func (e *Engine) handleBroadcast(pkt *wire.Packet, peerAddr [4]byte, recvSec, recvUsec int64) {
	if e.gps.Active(recvSec) {
		return // a local fix always outranks any upstream broadcaster
	}
	stratum := int(pkt.Stratum)
	if stratum <= 0 {
		return
	}

	idx := e.findPoolSlot(peerAddr, stratum, recvSec)
	if idx < 0 {
		return // pool full of stronger sources: drop
	}

	originSec, originUsec := wire.FromNTPTime(pkt.TxTimeSec, pkt.TxTimeFrac)
	firstSeen := recvSec
	if e.pool[idx].InUse && e.pool[idx].Address == peerAddr {
		firstSeen = e.pool[idx].FirstSeen
	}
	e.pool[idx] = PoolSlot{
		InUse:       true,
		Address:     peerAddr,
		Stratum:     stratum,
		FirstSeen:   firstSeen,
		OriginSec:   originSec,
		OriginUsec:  originUsec,
		ReceiveSec:  recvSec,
		ReceiveUsec: recvUsec,
	}

	switch {
	case e.selected < 0:
		e.selected = e.lowestStratumSlot(recvSec)
	case idx != e.selected && stratum < e.pool[e.selected].Stratum:
		e.selected = idx
	}

	if idx == e.selected {
		e.clock.Synchronize(originSec, originUsec, recvSec, recvUsec, 0)
	}
}

// findPoolSlot returns the slot index that should hold peerAddr's update:
// the peer's existing slot if it has one, else a free or stale slot, else
// the single weakest (highest-stratum) slot that is still worse than the
// incoming stratum, else -1 to drop the update.
func (e *Engine) findPoolSlot(peerAddr [4]byte, stratum int, nowSec int64) int {
	for i := range e.pool {
		if e.pool[i].InUse && e.pool[i].Address == peerAddr {
			return i
		}
	}

	staleBefore := nowSec - 3*e.period()
	for i := range e.pool {
		if !e.pool[i].InUse || e.pool[i].ReceiveSec < staleBefore {
			return i
		}
	}

	weakest := -1
	for i := range e.pool {
		if e.pool[i].Stratum > stratum {
			if weakest < 0 || e.pool[i].Stratum > e.pool[weakest].Stratum {
				weakest = i
			}
		}
	}
	return weakest
}

// lowestStratumSlot scans all live pool slots (in use and heard from within
// 3x the broadcast period) and returns the index of the lowest-stratum one,
// breaking ties by whichever first occupied its slot.
func (e *Engine) lowestStratumSlot(nowSec int64) int {
	best := -1
	staleBefore := nowSec - 3*e.period()
	for i := range e.pool {
		if !e.pool[i].InUse || e.pool[i].ReceiveSec < staleBefore {
			continue
		}
		switch {
		case best < 0:
			best = i
		case e.pool[i].Stratum < e.pool[best].Stratum:
			best = i
		case e.pool[i].Stratum == e.pool[best].Stratum && e.pool[i].FirstSeen < e.pool[best].FirstSeen:
			best = i
		}
	}
	return best
}

// agePool deselects the current upstream source once its last-received
// broadcast is older than 3x the broadcast period, per SPEC_FULL.md §4.4's
// pool-aging invariant.
func (e *Engine) agePool(nowSec int64) {
	if e.selected < 0 {
		return
	}
	cutoff := nowSec - 3*e.period()
	if e.pool[e.selected].ReceiveSec < cutoff {
		e.selected = -1
	}
}
