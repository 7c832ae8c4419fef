// Package wire implements the 48-byte SNTP packet format used by the server,
// broadcast and client roles, along with NTP <-> Unix timestamp conversion.
//
// http://seriot.ch/ntp.php
// https://tools.ietf.org/html/rfc5905
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// PacketSizeBytes is the size of a v3/v4 SNTP header with no extension fields.
const PacketSizeBytes = 48

// NTP timestamps count seconds since 1900-01-01; Unix time counts seconds
// since 1970-01-01. unixToNTPEpochOffset is the difference between the two.
const unixToNTPEpochOffset = 2208988800

// Mode values, in the low 3 bits of the Settings byte.
const (
	ModeReserved = 0
	ModeSymA     = 1
	ModeSymP     = 2
	ModeClient   = 3
	ModeServer   = 4
	ModeBroad    = 5
	ModeControl  = 6
	ModePrivate  = 7
)

// Leap indicator values, in the top 2 bits of the Settings byte.
const (
	LINoWarning      = 0
	LILastMinute61   = 1
	LILastMinute59   = 2
	LIAlarmCondition = 3
)

/*
Packet is the 48-byte SNTP wire frame.

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|LI | VN  |Mode |    Stratum     |     Poll      |  Precision   |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                         Root Delay                            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                         Root Dispersion                       |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                          Reference ID                         |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                     Reference Timestamp (64)                  |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                      Origin Timestamp (64)                    |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                      Receive Timestamp (64)                   |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                      Transmit Timestamp (64)                  |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type Packet struct {
	Settings       uint8  // leap indicator, version number and mode
	Stratum        uint8  // stratum, 0 = unsynchronized, 1 = primary reference
	Poll           int8   // poll interval, power of 2 seconds
	Precision      int8   // clock precision, power of 2 seconds
	RootDelay      uint32 // total delay to the reference clock, 16.16 fixed point
	RootDispersion uint32 // total dispersion to the reference clock, 16.16 fixed point
	ReferenceID    [4]byte
	RefTimeSec     uint32
	RefTimeFrac    uint32
	OrigTimeSec    uint32
	OrigTimeFrac   uint32
	RxTimeSec      uint32
	RxTimeFrac     uint32
	TxTimeSec      uint32
	TxTimeFrac     uint32
}

// NewSettings packs a leap indicator, version number and mode into a Settings byte.
func NewSettings(li, vn, mode uint8) uint8 {
	return li<<6 | vn<<3 | mode
}

// LeapIndicator returns the LI field of Settings.
func (p *Packet) LeapIndicator() uint8 {
	return p.Settings >> 6
}

// Version returns the VN field of Settings.
func (p *Packet) Version() uint8 {
	return (p.Settings >> 3) & 0x7
}

// Mode returns the Mode field of Settings.
func (p *Packet) Mode() uint8 {
	return p.Settings & 0x7
}

// Bytes serializes a Packet into its 48-byte wire representation.
func (p *Packet) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToPacket parses a 48-byte wire frame into a Packet.
func BytesToPacket(raw []byte) (*Packet, error) {
	if len(raw) < PacketSizeBytes {
		return nil, fmt.Errorf("wire: short packet: got %d bytes, want at least %d", len(raw), PacketSizeBytes)
	}
	packet := &Packet{}
	reader := bytes.NewReader(raw)
	if err := binary.Read(reader, binary.BigEndian, packet); err != nil {
		return nil, err
	}
	return packet, nil
}

// ToNTPTime converts a Unix (seconds, microseconds) pair to NTP wire seconds/fraction.
func ToNTPTime(sec int64, usec int64) (seconds, fraction uint32) {
	seconds = uint32(sec + unixToNTPEpochOffset)
	fraction = uint32((usec << 32) / 1e6)
	return seconds, fraction
}

// FromNTPTime converts NTP wire seconds/fraction back to a Unix (seconds, microseconds) pair.
// Seconds with the top bit clear are read as belonging to the NTP era that
// starts in 2036, so every Unix second in [0, 2^31) round-trips.
func FromNTPTime(seconds, fraction uint32) (sec int64, usec int64) {
	sec = int64(seconds) - unixToNTPEpochOffset
	if seconds&0x80000000 == 0 {
		sec += 1 << 32
	}
	usec = (int64(fraction) * 1e6) >> 32
	return sec, usec
}

// Time converts a time.Time to NTP wire seconds/fraction.
func Time(t time.Time) (seconds, fraction uint32) {
	return ToNTPTime(t.Unix(), int64(t.Nanosecond())/1000)
}

// Unix converts NTP wire seconds/fraction to a time.Time.
func Unix(seconds, fraction uint32) time.Time {
	sec, usec := FromNTPTime(seconds, fraction)
	return time.Unix(sec, usec*1000)
}

// Duration16x16 encodes a non-negative duration into the 16.16 fixed-point
// format used for RootDelay and RootDispersion.
func Duration16x16(d time.Duration) uint32 {
	if d < 0 {
		d = -d
	}
	seconds := d.Seconds()
	return uint32(seconds * 65536)
}
