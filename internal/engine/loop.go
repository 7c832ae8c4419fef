// Package engine wires the GPS decoder, clock disciplinarian and SNTP
// engine together into the single-process event loop.
//
// Ported from original_source/houseclock.c's main(): a select() loop that
// waits on the GPS tty and the NTP socket with a 1-second timeout, servicing
// whichever is ready and running the once-a-second periodic housekeeping
// when the wall clock crosses a second boundary. The select-on-fds shape
// becomes a goroutine per blocking I/O source feeding a shared, priority-
// ordered dispatch loop, grounded on fbclock/daemon/daemon.go's
// errgroup-supervised Run(ctx) style.
package engine

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gpsclock/gpsntpd/internal/clockdisc"
	"github.com/gpsclock/gpsntpd/internal/iface"
	"github.com/gpsclock/gpsntpd/internal/nmea"
	"github.com/gpsclock/gpsntpd/internal/sntp"
)

const (
	udpReadBufferSize = 512
	udpIdleTimeout     = time.Second
)

type udpDatagram struct {
	data              []byte
	addr              [4]byte
	port              int
	recvSec, recvUsec int64
}

type serialRead struct {
	data              []byte
	recvSec, recvUsec int64
}

// Loop is the single Engine value the whole daemon runs from: no
// package-level state, everything threaded in at construction.
type Loop struct {
	log    log.FieldLogger
	gps    *nmea.Decoder
	clock  *clockdisc.Discipliner
	sntp   *sntp.Engine
	ifaces *iface.Registry
	conn   *net.UDPConn
}

// New creates a Loop. conn must already be bound to the configured NTP
// service port.
func New(gps *nmea.Decoder, clock *clockdisc.Discipliner, sntpEngine *sntp.Engine, ifaces *iface.Registry, conn *net.UDPConn, logger log.FieldLogger) *Loop {
	return &Loop{log: logger, gps: gps, clock: clock, sntp: sntpEngine, ifaces: ifaces, conn: conn}
}

// Run services GPS, UDP and periodic events until ctx is canceled or a
// source's goroutine returns a fatal error.
func (l *Loop) Run(ctx context.Context) error {
	now := time.Now()
	l.gps.Initialize(now.Unix())
	if _, err := l.gps.Listen(now.Unix()); err != nil {
		l.log.WithError(err).Warn("engine: initial GPS port open failed, will retry")
	}
	if err := l.ifaces.Enumerate(); err != nil {
		l.log.WithError(err).Warn("engine: initial interface enumeration failed")
	}

	udpCh := make(chan udpDatagram, 16)
	serialCh := make(chan serialRead, 16)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return l.readUDP(gctx, udpCh) })
	group.Go(func() error { return l.readSerial(gctx, serialCh) })
	group.Go(func() error { return l.dispatch(gctx, serialCh, udpCh, ticker.C) })

	return group.Wait()
}

// dispatch is the single goroutine allowed to touch gps/clock/sntp state,
// preserving houseclock.c's single-threaded semantics despite I/O happening
// on separate goroutines. Pending GPS input is serviced ahead of pending NTP
// traffic, and both ahead of the periodic tick, mirroring the source's
// FD_ISSET check order; while the loop is waiting, events are taken as they
// arrive.
func (l *Loop) dispatch(ctx context.Context, serialCh <-chan serialRead, udpCh <-chan udpDatagram, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sr := <-serialCh:
			l.handleSerial(sr)
			continue
		default:
		}

		select {
		case dg := <-udpCh:
			l.handleDatagram(dg)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sr := <-serialCh:
			l.handleSerial(sr)
		case dg := <-udpCh:
			l.handleDatagram(dg)
		case t := <-tick:
			l.periodic(t.Unix())
		}
	}
}

func (l *Loop) handleSerial(sr serialRead) {
	if err := l.gps.Process(sr.data, sr.recvSec, sr.recvUsec); err != nil {
		l.log.WithError(err).Debug("engine: nmea processing error")
	}
}

func (l *Loop) handleDatagram(dg udpDatagram) {
	reply, ok := l.sntp.Dispatch(dg.data, dg.addr, dg.recvSec, dg.recvUsec)
	if !ok {
		return
	}
	addr := &net.UDPAddr{IP: net.IPv4(dg.addr[0], dg.addr[1], dg.addr[2], dg.addr[3]), Port: dg.port}
	if _, err := l.conn.WriteToUDP(reply, addr); err != nil {
		l.log.WithError(err).Warn("engine: sntp reply send failed")
	}
}

// periodic mirrors houseclock.c's once-a-second branch: reopen the GPS
// device when it isn't attached, otherwise run its staleness check; always
// run the SNTP engine's housekeeping (traffic rollover, pool aging,
// periodic broadcast).
func (l *Loop) periodic(nowSec int64) {
	if l.gps.Port() == nil {
		if _, err := l.gps.Listen(nowSec); err != nil {
			l.log.WithError(err).Debug("engine: gps reopen attempt failed")
		}
	} else {
		l.gps.Periodic(nowSec)
	}
	l.sntp.Periodic(nowSec)
}

// readSerial blocks on the GPS port's Read, which returns periodically on
// its own read timeout so this loop can notice context cancellation and
// device reopen between bytes.
func (l *Loop) readSerial(ctx context.Context, out chan<- serialRead) error {
	buf := make([]byte, nmea.BufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		port := l.gps.Port()
		if port == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(udpIdleTimeout):
			}
			continue
		}

		n, err := port.Read(buf)
		now := time.Now()
		if err != nil {
			l.log.WithError(err).Debug("engine: gps read failed, closing for reopen")
			l.gps.Close()
			continue
		}
		if n == 0 {
			continue // read-timeout tick with no data
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- serialRead{data: data, recvSec: now.Unix(), recvUsec: int64(now.Nanosecond()) / 1000}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readUDP blocks on the SNTP socket's ReadFromUDP, refreshing a short read
// deadline each pass so it can notice context cancellation.
func (l *Loop) readUDP(ctx context.Context, out chan<- udpDatagram) error {
	buf := make([]byte, udpReadBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(udpIdleTimeout)); err != nil {
			return err
		}
		n, addr, err := l.conn.ReadFromUDP(buf)
		now := time.Now()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.log.WithError(err).Debug("engine: udp read failed")
			continue
		}

		ip4 := addr.IP.To4()
		if ip4 == nil {
			continue // IPv6 peer: non-goal
		}
		var peer [4]byte
		copy(peer[:], ip4)

		data := make([]byte, n)
		copy(data, buf[:n])
		dg := udpDatagram{data: data, addr: peer, port: addr.Port, recvSec: now.Unix(), recvUsec: int64(now.Nanosecond()) / 1000}
		select {
		case out <- dg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
