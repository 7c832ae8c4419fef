package engine

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gpsclock/gpsntpd/internal/clockdisc"
	"github.com/gpsclock/gpsntpd/internal/iface"
	"github.com/gpsclock/gpsntpd/internal/nmea"
	"github.com/gpsclock/gpsntpd/internal/sntp"
	"github.com/gpsclock/gpsntpd/internal/wire"
)

type fakeStepper struct {
	sec, usec int64
}

func (f *fakeStepper) Now() (int64, int64)         { return f.sec, f.usec }
func (f *fakeStepper) Step(sec, usec int64) error  { f.sec, f.usec = sec, usec; return nil }
func (f *fakeStepper) Slew(int64, int64) error      { return nil }

type alwaysActiveGPS struct{}

func (alwaysActiveGPS) Active(int64) bool { return true }

func newTestLoop(t *testing.T) (*Loop, *net.UDPConn, *net.UDPConn) {
	t.Helper()

	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	stepper := &fakeStepper{}
	clock := clockdisc.New(10, stepper, logrus.New())
	clock.Synchronize(1000, 0, 1000, 0, 0) // hard reset: synchronized=true

	reg := iface.New(123, logrus.New())
	eng := sntp.New(sntp.Config{BroadcastPeriod: 10}, clock, alwaysActiveGPS{}, reg, logrus.New())

	gps := nmea.New(nmea.Config{Device: "/dev/null"}, clock, logrus.New())

	l := New(gps, clock, eng, reg, serverConn, logrus.New())
	return l, serverConn, clientConn
}

// TestHandleDatagramSendsReply exercises the full unicast reply path over
// real loopback sockets: a mode-3 request dispatched through the loop must
// produce a mode-4 reply delivered back to the sender.
func TestHandleDatagramSendsReply(t *testing.T) {
	l, serverConn, clientConn := newTestLoop(t)
	defer serverConn.Close()
	defer clientConn.Close()

	request := &wire.Packet{
		Settings:   wire.NewSettings(wire.LINoWarning, 4, wire.ModeClient),
		Poll:       6,
		TxTimeSec:  0xAABBCCDD,
		TxTimeFrac: 0x11223344,
	}
	payload, err := request.Bytes()
	require.NoError(t, err)

	clientAddr := clientConn.LocalAddr().(*net.UDPAddr)

	dg := udpDatagram{
		data:    payload,
		addr:    [4]byte{127, 0, 0, 1},
		port:    clientAddr.Port,
		recvSec: 1000,
	}

	l.handleDatagram(dg)

	buf := make([]byte, wire.PacketSizeBytes)
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, wire.PacketSizeBytes, n)

	reply, err := wire.BytesToPacket(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint8(wire.ModeServer), reply.Mode())
	require.Equal(t, request.TxTimeSec, reply.OrigTimeSec)
	require.Equal(t, request.TxTimeFrac, reply.OrigTimeFrac)
}

// TestPeriodicReopensGPSWhenUnattached covers houseclock.c's main-loop
// branch: with no port open, the periodic tick attempts Listen rather than
// calling Periodic's staleness check.
func TestPeriodicReopensGPSWhenUnattached(t *testing.T) {
	l, serverConn, clientConn := newTestLoop(t)
	defer serverConn.Close()
	defer clientConn.Close()

	require.Nil(t, l.gps.Port())
	l.periodic(2000) // device path is /dev/null: Listen will fail, but must not panic
	require.Nil(t, l.gps.Port())
}
