package wire

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// samplePacket is a stratum-1 GPS reply, built by hand so a change to the
// struct layout is caught by the byte-for-byte comparison below.
var samplePacket = &Packet{
	Settings:       NewSettings(LINoWarning, 4, ModeServer), // 0x24
	Stratum:        1,
	Poll:           10,
	Precision:      -10,
	RootDelay:      0,
	RootDispersion: 10,
	ReferenceID:    [4]byte{'G', 'P', 'S', 0},
	RefTimeSec:     3794209800,
	RefTimeFrac:    0,
	OrigTimeSec:    3794210679,
	OrigTimeFrac:   2718216404,
	RxTimeSec:      3794210679,
	RxTimeFrac:     2718375472,
	TxTimeSec:      3794210679,
	TxTimeFrac:     2719753478,
}

var samplePacketBytes = []byte{
	0x24, 1, 10, 246, // Settings, Stratum, Poll, Precision(-10)
	0, 0, 0, 0, // RootDelay
	0, 0, 0, 10, // RootDispersion
	'G', 'P', 'S', 0, // ReferenceID
	226, 39, 12, 8, 0, 0, 0, 0, // RefTime
	226, 39, 15, 119, 162, 4, 176, 212, // OrigTime
	226, 39, 15, 119, 162, 7, 30, 48, // RxTime
	226, 39, 15, 119, 162, 28, 37, 6, // TxTime
}

func TestPacketBytes(t *testing.T) {
	got, err := samplePacket.Bytes()
	require.NoError(t, err)
	require.Equal(t, samplePacketBytes, got)
}

func TestBytesToPacket(t *testing.T) {
	got, err := BytesToPacket(samplePacketBytes)
	require.NoError(t, err)
	require.Equal(t, samplePacket, got)
}

func TestBytesToPacketShort(t *testing.T) {
	_, err := BytesToPacket([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPacketSize(t *testing.T) {
	require.Len(t, samplePacketBytes, PacketSizeBytes)
}

func TestModeClassification(t *testing.T) {
	p := &Packet{Settings: NewSettings(LINoWarning, 4, ModeClient)}
	require.Equal(t, uint8(ModeClient), p.Mode())
	require.Equal(t, uint8(4), p.Version())
	require.Equal(t, uint8(LINoWarning), p.LeapIndicator())
}

// TestTimestampRoundTrip covers invariant 4 of SPEC_FULL.md #8: encoding an NTP
// timestamp and decoding it round-trips Unix (sec, usec) within 1us.
func TestTimestampRoundTrip(t *testing.T) {
	cases := []struct {
		sec, usec int64
	}{
		{0, 0},
		{1, 1},
		{1700000000, 999999},
		{1 << 30, 500000},
		{(1 << 31) - 1, 1},
	}
	for _, c := range cases {
		seconds, fraction := ToNTPTime(c.sec, c.usec)
		gotSec, gotUsec := FromNTPTime(seconds, fraction)
		require.Equal(t, c.sec, gotSec)
		require.InDelta(t, c.usec, gotUsec, 1)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	seconds, fraction := Time(in)
	out := Unix(seconds, fraction)
	require.Equal(t, in.Unix(), out.Unix())
}

func TestDuration16x16(t *testing.T) {
	require.Equal(t, uint32(65536), Duration16x16(time.Second))
	require.Equal(t, uint32(0), Duration16x16(0))
	require.Equal(t, Duration16x16(time.Second), Duration16x16(-time.Second))
}

// TestScenario6RefID matches SPEC_FULL.md Scenario 6. The refid on the wire is
// the interface address's 4 bytes in network order; read back as a
// little-endian uint32 (the scenario's own notation), 192.168.1.10 reads as
// 0x0A01A8C0 and 10.0.0.5 reads as 0x0500000A.
func TestScenario6RefID(t *testing.T) {
	require.Equal(t, uint32(0x0A01A8C0), binary.LittleEndian.Uint32(refIDFromIPv4(192, 168, 1, 10)[:]))
	require.Equal(t, uint32(0x0500000A), binary.LittleEndian.Uint32(refIDFromIPv4(10, 0, 0, 5)[:]))
}

func refIDFromIPv4(a, b, c, d byte) [4]byte {
	return [4]byte{a, b, c, d}
}
