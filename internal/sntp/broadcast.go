package sntp

import (
	"time"

	"github.com/gpsclock/gpsntpd/internal/wire"
)

// maybeBroadcast sends a periodic broadcast burst when the configured
// period has elapsed, the clock is synchronized, and either a GPS fix is
// active or the operator opted into broadcasting without one.
func (e *Engine) maybeBroadcast(nowSec int64) {
	if nowSec-e.lastBroadcast < e.period() {
		return
	}
	if !e.clock.Synchronized() {
		return
	}
	gpsActive := e.gps.Active(nowSec)
	if !gpsActive && !e.cfg.BroadcastWithoutGPS {
		return
	}
	e.lastBroadcast = nowSec

	if err := e.ifaces.Enumerate(); err != nil {
		e.log.WithError(err).Warn("sntp: interface re-enumeration before broadcast failed")
		return
	}

	stratum, _ := e.currentStratumAndRefID(nowSec)
	refSec, refUsec := e.clock.Reference()
	refNTPSec, refNTPFrac := wire.ToNTPTime(refSec, refUsec)
	nowNTPSec, nowNTPFrac := wire.ToNTPTime(nowSec, 0)

	// refid is filled in per interface below: a broadcast always carries the
	// sending interface's own address, never the stratum-derived refid used
	// in unicast replies.
	tmpl := wire.Packet{
		Settings:       wire.NewSettings(wire.LINoWarning, 4, wire.ModeBroad),
		Stratum:        uint8(stratum),
		Poll:           defaultPoll,
		Precision:      defaultPrecision,
		RootDispersion: wire.Duration16x16(time.Duration(e.clock.Dispersion()) * time.Millisecond),
		RefTimeSec:     refNTPSec,
		RefTimeFrac:    refNTPFrac,
		TxTimeSec:      nowNTPSec,
		TxTimeFrac:     nowNTPFrac,
	}

	e.ifaces.Send(nil, func(ifaceAddr [4]byte) []byte {
		stamped := tmpl
		stamped.ReferenceID = ifaceAddr
		b, err := stamped.Bytes()
		if err != nil {
			e.log.WithError(err).Warn("sntp: failed to encode broadcast packet")
			return nil
		}
		e.live.Broadcast++
		return b
	})
}
