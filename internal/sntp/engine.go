// Package sntp implements the RFC-5905 wire-format server, broadcast and
// client-election state machine: packet classification and reply assembly,
// periodic broadcast, and the small upstream pool used when no local GPS
// fix is available.
//
// Ported from original_source/hc_ntp.c / hc_ntp.h (SPEC_FULL.md §4.4):
// reply-field assembly follows hc_ntp_process's field-by-field construction,
// generalized to the per-reply template style of
// ntp/responder/server/server.go's fillStaticHeaders/generateResponse; the
// upstream pool sizing (4 slots) and traffic/client ring depths (128) come
// from hc_ntp.h's struct layout; the election comparator is modeled after
// sptp/bmc/bmc.go's ComparisonResult idiom, simplified to stratum-only since
// SNTP carries no topology information.
package sntp

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gpsclock/gpsntpd/internal/iface"
	"github.com/gpsclock/gpsntpd/internal/wire"
)

const (
	// PoolSize is the number of candidate upstream broadcasters tracked.
	PoolSize = 4
	// ClientDepth is the size of the served-client ring.
	ClientDepth = 128
	// TrafficDepth is the size of the per-10s traffic bucket ring.
	TrafficDepth = 128

	// DefaultBroadcastPeriod is the default seconds between periodic
	// broadcasts.
	DefaultBroadcastPeriod = 300
	// MinBroadcastPeriod is the floor enforced on the configured period.
	MinBroadcastPeriod = 10

	defaultPoll      = 10
	defaultPrecision = -10
)

// refIDGPS is the 4-byte ASCII reference identifier used at stratum 1,
// matching hc_ntp.c's literal "GPS" (the 4th byte stays zero, as it would
// after C's `char refid[4] = "GPS"` null-terminates in place).
var refIDGPS = [4]byte{'G', 'P', 'S', 0}

// Role is the server's current operating mode.
type Role int

const (
	RoleInitializing Role = iota
	RoleServer            // NMEA fix active: stratum 1, serves all clients
	RoleClient            // no local fix: tracks an upstream pool
)

// ClockSource is the subset of *clockdisc.Discipliner the engine needs.
// Kept as a narrow interface so this package never imports clockdisc.
type ClockSource interface {
	Synchronized() bool
	Reference() (sec, usec int64)
	Dispersion() int64 // ms
	Synchronize(sourceSec, sourceUsec, localSec, localUsec, latencyMS int64)
}

// GPSSource is the subset of *nmea.Decoder the engine needs.
type GPSSource interface {
	Active(nowSec int64) bool
}

// Config holds the SNTP-engine options from SPEC_FULL.md §6.
type Config struct {
	BroadcastPeriod     int64 // seconds, floored at MinBroadcastPeriod
	BroadcastWithoutGPS bool
	RefServerName       string // optional calibration reference; observation-only
}

// Engine is the SNTP protocol state machine. It has no package-level state:
// every field needed to reproduce a run lives on the struct, threaded in
// from the caller, per the "single Engine value, no globals" design note.
type Engine struct {
	log    log.FieldLogger
	cfg    Config
	clock  ClockSource
	gps    GPSSource
	ifaces *iface.Registry
	now    func() (sec, usec int64)

	pool     [PoolSize]PoolSlot
	selected int // -1 when none

	clients     [ClientDepth]ClientRecord
	clientCount int

	traffic    [TrafficDepth]TrafficBucket
	live       TrafficBucket
	lastBucket int64

	lastBroadcast int64
}

// New creates an Engine. ifaces, clock and gps must be non-nil.
func New(cfg Config, clock ClockSource, gps GPSSource, ifaces *iface.Registry, logger log.FieldLogger) *Engine {
	return &Engine{
		log:      logger,
		cfg:      cfg,
		clock:    clock,
		gps:      gps,
		ifaces:   ifaces,
		selected: -1,
		now: func() (int64, int64) {
			t := time.Now()
			return t.Unix(), int64(t.Nanosecond()) / 1000
		},
	}
}

func (e *Engine) period() int64 {
	p := e.cfg.BroadcastPeriod
	if p < MinBroadcastPeriod {
		p = MinBroadcastPeriod
	}
	return p
}

// currentStratumAndRefID derives the server's current stratum and reference
// ID: stratum 1 / "GPS" while the GPS core has an active fix, otherwise
// selected-upstream-stratum+1 / upstream address, otherwise 0 / zero.
func (e *Engine) currentStratumAndRefID(nowSec int64) (int, [4]byte) {
	if e.gps.Active(nowSec) {
		return 1, refIDGPS
	}
	if e.selected >= 0 {
		slot := e.pool[e.selected]
		return slot.Stratum + 1, slot.Address
	}
	return 0, [4]byte{}
}

// Dispatch classifies one received datagram and, for a client request,
// returns the reply payload to unicast back to the peer.
func (e *Engine) Dispatch(data []byte, peerAddr [4]byte, recvSec, recvUsec int64) ([]byte, bool) {
	e.live.Received++

	if len(data) < wire.PacketSizeBytes {
		return nil, false // malformed: silently dropped, receive count still bumped
	}
	pkt, err := wire.BytesToPacket(data)
	if err != nil {
		return nil, false
	}

	e.log.WithFields(log.Fields{"mode": pkt.Mode(), "peer": peerAddr}).Debug("sntp: classified packet")

	switch pkt.Mode() {
	case wire.ModeClient:
		return e.handleRequest(pkt, peerAddr, recvSec, recvUsec)
	case wire.ModeServer:
		e.handleCalibrationReply(pkt, recvSec, recvUsec)
	case wire.ModeBroad:
		e.handleBroadcast(pkt, peerAddr, recvSec, recvUsec)
	case wire.ModeControl:
		// ignored
	default:
		e.log.WithField("mode", pkt.Mode()).Debug("sntp: ignoring unsupported mode")
	}
	return nil, false
}

// handleRequest builds a mode-4 reply to a mode-3 client request.
func (e *Engine) handleRequest(request *wire.Packet, peerAddr [4]byte, recvSec, recvUsec int64) ([]byte, bool) {
	stratum, refID := e.currentStratumAndRefID(recvSec)
	if stratum == 0 || !e.clock.Synchronized() {
		return nil, false
	}

	if !e.gps.Active(recvSec) {
		if _, ok := e.ifaces.LocalMatch(peerAddr); !ok {
			return nil, false // client-server mode: restrict to local subnets
		}
	}

	reply := &wire.Packet{
		Settings:     wire.NewSettings(wire.LINoWarning, request.Version(), wire.ModeServer),
		Stratum:      uint8(stratum),
		Poll:         defaultPoll,
		Precision:    defaultPrecision,
		ReferenceID:  refID,
		OrigTimeSec:  request.TxTimeSec,
		OrigTimeFrac: request.TxTimeFrac,
	}
	reply.RootDispersion = wire.Duration16x16(time.Duration(e.clock.Dispersion()) * time.Millisecond)

	refSec, refUsec := e.clock.Reference()
	reply.RefTimeSec, reply.RefTimeFrac = wire.ToNTPTime(refSec, refUsec)
	reply.RxTimeSec, reply.RxTimeFrac = wire.ToNTPTime(recvSec, recvUsec)

	txSec, txUsec := e.now()
	reply.TxTimeSec, reply.TxTimeFrac = wire.ToNTPTime(txSec, txUsec)

	e.live.Client++
	e.recordClient(peerAddr, request, recvSec, recvUsec)

	payload, err := reply.Bytes()
	if err != nil {
		e.log.WithError(err).Warn("sntp: failed to encode reply")
		return nil, false
	}
	return payload, true
}

// handleCalibrationReply observes the offset a configured reference server
// reports, for diagnostics only: it never drives the clock disciplinarian.
func (e *Engine) handleCalibrationReply(pkt *wire.Packet, recvSec, recvUsec int64) {
	if e.cfg.RefServerName == "" {
		return
	}
	xmitSec, xmitUsec := wire.FromNTPTime(pkt.TxTimeSec, pkt.TxTimeFrac)
	offsetMS := (xmitSec-recvSec)*1000 + (xmitUsec-recvUsec)/1000
	e.log.WithField("offset_ms", offsetMS).Debug("sntp: calibration reply observed")
}

func (e *Engine) recordClient(peerAddr [4]byte, request *wire.Packet, recvSec, recvUsec int64) {
	e.clientCount++
	if e.clientCount >= ClientDepth {
		e.clientCount = 0
	}
	originSec, originUsec := wire.FromNTPTime(request.TxTimeSec, request.TxTimeFrac)
	e.clients[e.clientCount] = ClientRecord{
		Address:    peerAddr,
		OriginSec:  originSec,
		OriginUsec: originUsec,
		ReceiveSec: recvSec,
		ReceiveUsec: recvUsec,
	}
}

// Periodic runs the once-per-second housekeeping: traffic-bucket rollover,
// upstream-pool aging, and (when due) a periodic broadcast burst.
func (e *Engine) Periodic(nowSec int64) {
	e.rollTraffic(nowSec)
	e.agePool(nowSec)
	e.maybeBroadcast(nowSec)
}
