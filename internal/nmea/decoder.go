// Package nmea decodes NMEA-0183 sentences from a GPS serial device and
// estimates the arrival time of each sentence's leading '$' to sub-10ms
// precision, feeding the result to a clock disciplinarian.
//
// Ported from original_source/hc_nmea.c (SPEC_FULL.md §4.2): sentence
// framing and field splitting, talker/validity filtering for RMC/GGA/GLL/TXT,
// the byte-rate-based arrival-time back-computation, burst detection on a
// 500ms silence, and the 5-second staleness/reopen-throttle rules.
package nmea

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// BufferSize holds about two seconds of NMEA data even in the worst case.
	BufferSize = 2048

	// SentenceHistoryDepth is the size of the decoded-sentence ring.
	SentenceHistoryDepth = 32

	// TextLines is the number of GPTXT lines retained.
	TextLines = 16

	// GPSExpireSeconds is how long GPS data may go unrefreshed before the
	// decoder considers the feed stale and resets it.
	GPSExpireSeconds = 5

	// DefaultSpeedBytesPerSec is the initial transmission-speed estimate
	// used before any burst has been timed, e.g. for a USB pseudo serial.
	DefaultSpeedBytesPerSec = 115000

	speedDecayThreshold   = 1000000
	speedIntervalMS       = 300
	burstSilenceMS        = 500
	reopenThrottleSeconds = 5

	defaultBaudRate = 4800 // common NMEA default when none is configured

	serialReadTimeout = time.Second

	// FlagNewFix marks a sentence that completed a GPS fix (time+position).
	FlagNewFix = 1
	// FlagNewBurst marks the first sentence received after a silence.
	FlagNewBurst = 2
)

// Config holds the GPS device options, grounded on hc_nmea_initialize's
// command-line arguments (-gps, -baud, -latency, -burst, -privacy).
type Config struct {
	Device    string
	BaudRate  int
	LatencyMS int64
	UseBurst  bool
	Privacy   bool
}

// Synchronizer is the clock disciplinarian a Decoder feeds. It is satisfied
// by *clockdisc.Discipliner; kept as a narrow interface here so this package
// never imports clockdisc.
type Synchronizer interface {
	Synchronize(sourceSec, sourceUsec, localSec, localUsec, latencyMS int64)
}

// SentenceRecord is one decoded sentence kept in the history ring.
type SentenceRecord struct {
	Text       string
	TimingSec  int64
	TimingUsec int64
	Flags      int
}

// Status is a read-only snapshot of the decoder's GPS state, intended for
// telemetry export.
type Status struct {
	Fix           bool
	FixTime       int64
	Device        string
	GPSDate       string
	GPSTime       string
	Latitude      string
	Longitude     string
	Hemisphere    [2]byte
	History       [SentenceHistoryDepth]SentenceRecord
	GPSCount      int
	TextCount     int
	Text          [TextLines]string
	TimestampSec  int64
	TimestampUsec int64
}

// Decoder is the NMEA decoding state machine. It has no package-level
// state; every field needed to reproduce a run lives on the struct.
type Decoder struct {
	log  log.FieldLogger
	cfg  Config
	sync Synchronizer
	now  func() int64 // unix seconds, overridable for tests

	port serial.Port

	buffer [BufferSize]byte
	count  int

	gpsTotal          int64
	gpsDuration       int64
	prevSec, prevUsec int64
	burstSec          int64
	burstUsec         int64
	flags             int

	fix           bool
	fixTime       int64
	device        string
	gpsDate       string
	gpsTime       string
	latitude      string
	longitude     string
	hemisphere    [2]byte
	history       [SentenceHistoryDepth]SentenceRecord
	gpsCount      int
	textCount     int
	text          [TextLines]string
	timestampSec  int64
	timestampUsec int64

	initialized int64
	lastTry     int64
}

// New creates a Decoder for the given device configuration.
func New(cfg Config, sync Synchronizer, logger log.FieldLogger) *Decoder {
	return &Decoder{
		cfg:  cfg,
		sync: sync,
		log:  logger,
		now:  func() int64 { return time.Now().Unix() },
	}
}

// Initialize resets the decoder's GPS state and records the startup time,
// below which Periodic will not yet declare the feed stale.
func (d *Decoder) Initialize(nowSec int64) {
	d.reset()
	d.initialized = nowSec
}

// Port returns the currently open serial port, or nil if none is open.
func (d *Decoder) Port() serial.Port {
	return d.port
}

// Close discards the current GPS state and closes the serial port, for the
// caller to invoke when a blocking Read on Port() fails. Mirrors
// hc_nmea_process's `length <= 0` branch, which resets and returns -1 so
// the main loop reopens the device on its next periodic tick.
func (d *Decoder) Close() {
	d.reset()
}

// Listen opens the configured device if not already open, throttled to one
// attempt every five seconds. It reports whether a port is open afterwards.
func (d *Decoder) Listen(nowSec int64) (bool, error) {
	if d.port != nil {
		return true, nil
	}
	if nowSec < d.lastTry+reopenThrottleSeconds {
		return false, nil
	}
	d.lastTry = nowSec

	baud := d.cfg.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	port, err := serial.Open(d.cfg.Device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return false, fmt.Errorf("nmea: open %s: %w", d.cfg.Device, err)
	}
	// A bounded read timeout lets the caller's blocking Read() return
	// periodically so it can notice context cancellation between bytes.
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return false, fmt.Errorf("nmea: set read timeout on %s: %w", d.cfg.Device, err)
	}
	d.port = port
	d.device = d.cfg.Device
	return true, nil
}

// reset clears accumulated GPS status, but not the byte-rate speed
// estimator, which survives across fixes like hc_nmea.c's file-scope
// statics.
func (d *Decoder) reset() {
	d.count = 0
	d.fix = false
	d.fixTime = 0
	d.device = ""
	d.gpsDate = ""
	d.gpsTime = ""
	d.latitude = ""
	d.longitude = ""
	d.textCount = 0
	d.gpsCount = 0
	if d.port != nil {
		_ = d.port.Close()
		d.port = nil
	}
}

// timing back-computes the (sec, usec) at which the byte `count` positions
// before the current read would have been transmitted, given the estimated
// transfer speed in bytes/sec.
func (d *Decoder) timing(recvSec, recvUsec, speed, count int64) (int64, int64) {
	if speed <= 0 {
		speed = DefaultSpeedBytesPerSec
	}
	usdelta := (count * 1000) / speed
	if usdelta > recvUsec {
		return recvSec - 1, 1000000 + recvUsec - usdelta
	}
	return recvSec, recvUsec - usdelta
}

// Process consumes newly-read GPS bytes with their best-known arrival time.
// It accumulates NMEA sentences, estimates the transmission speed, detects
// burst boundaries, decodes complete sentences, and calls Synchronize once
// a sentence completes both a new fix and a new burst.
func (d *Decoder) Process(data []byte, recvSec, recvUsec int64) error {
	if len(data) == 0 {
		return nil
	}
	if d.count >= len(d.buffer) {
		d.count = 0 // buffer should never fill: forget accumulated data
	}
	n := copy(d.buffer[d.count:], data)
	d.count += n

	intervalMS := (recvUsec-d.prevUsec)/1000 + (recvSec-d.prevSec)*1000

	if intervalMS < speedIntervalMS {
		if d.gpsTotal > speedDecayThreshold {
			d.gpsTotal /= 2
			d.gpsDuration /= 2
		}
		d.gpsTotal += int64(n)
		d.gpsDuration += intervalMS
	}

	var speed int64
	if d.gpsDuration > 0 {
		speed = (1000 * 1000 * d.gpsTotal) / d.gpsDuration
	} else {
		speed = DefaultSpeedBytesPerSec
	}

	if d.prevUsec > 0 && intervalMS > burstSilenceMS {
		d.burstSec, d.burstUsec = d.timing(recvSec, recvUsec, speed, int64(d.count))
		// Whatever GPS time we had before is now old.
		d.gpsDate = ""
		d.gpsTime = ""
		d.flags = FlagNewBurst
	}
	d.prevSec, d.prevUsec = recvSec, recvUsec

	starts, leftover := splitLines(d.buffer[:d.count], d.count)

	for _, start := range starts {
		timingSec, timingUsec := d.timing(recvSec, recvUsec, speed, int64(d.count-start))

		if d.buffer[start] != '$' {
			continue // skip invalid sentence
		}
		start++
		end := start
		for end < d.count && d.buffer[end] != 0 {
			end++
		}
		sentence := string(d.buffer[start:end])

		d.record(sentence, timingSec, timingUsec)
		d.flags |= d.decodeSentence(sentence)
		d.mark(d.flags)

		if ready(d.flags) {
			if gmtSec, ok := d.gettime(); ok {
				syncSec, syncUsec := timingSec, timingUsec
				if d.cfg.UseBurst {
					syncSec, syncUsec = d.burstSec, d.burstUsec
				}
				d.sync.Synchronize(gmtSec, 0, syncSec, syncUsec, d.cfg.LatencyMS)
				d.flags = 0
			}
		}
	}

	if leftover > 0 {
		d.count -= leftover
		if d.count > 0 {
			copy(d.buffer[:d.count], d.buffer[leftover:leftover+d.count])
		}
	}

	return nil
}

func ready(flags int) bool {
	return flags == FlagNewFix|FlagNewBurst
}

func (d *Decoder) record(sentence string, timingSec, timingUsec int64) {
	d.gpsCount++
	if d.gpsCount >= SentenceHistoryDepth {
		d.gpsCount = 0
	}
	d.history[d.gpsCount] = SentenceRecord{Text: sentence, TimingSec: timingSec, TimingUsec: timingUsec}
	d.log.WithField("sentence", sentence).Debug("nmea: accepted sentence")
}

func (d *Decoder) mark(flags int) {
	d.history[d.gpsCount].Flags = flags
	d.timestampSec, d.timestampUsec = d.burstSec, d.burstUsec
}

func (d *Decoder) storePosition(fields []string) {
	if !d.cfg.Privacy && len(fields) >= 4 {
		d.latitude = fields[0]
		d.longitude = fields[2]
		if len(fields[1]) > 0 {
			d.hemisphere[0] = fields[1][0]
		}
		if len(fields[3]) > 0 {
			d.hemisphere[1] = fields[3][0]
		}
	}
	d.fix = true
	d.fixTime = d.now()
}

// decodeSentence decodes one complete NMEA sentence body (without the
// leading '$') and returns FlagNewFix if it completed a new GPS fix.
func (d *Decoder) decodeSentence(sentence string) int {
	fields := splitFields([]byte(sentence))
	if len(fields) == 0 || !isValidTalker(fields[0]) {
		return 0
	}
	message := fields[0][2:]
	newFix := false

	switch message {
	case "RMC":
		// GPRMC,time,A|V,lat,N|S,long,E|W,speed,course,date,variation,E|W,...
		if len(fields) > 12 {
			if valid(fields[2], fields[12]) {
				nf1 := d.isNewTime(fields[1])
				nf2 := d.isNewDate(fields[9])
				newFix = nf1 || nf2
				if newFix {
					d.storePosition(fields[3:])
				}
			} else {
				d.fix = false
			}
		}
	case "GGA":
		// GPGGA,time,lat,N|S,long,E|W,0|1|2|3|4|5|6|7|8,count,...
		if len(fields) > 7 {
			fixChar := fields[6]
			sats := atoiSafe(fields[7])
			if len(fixChar) > 0 && fixChar[0] >= '1' && fixChar[0] <= '5' && sats >= 3 {
				newFix = d.isNewTime(fields[1])
				if newFix {
					d.storePosition(fields[2:])
				}
			} else {
				d.fix = false
			}
		}
	case "GLL":
		// GPGLL,lat,N|S,long,E|W,time,A|V,A|D|E|N|S
		if len(fields) > 7 {
			if valid(fields[6], fields[7]) {
				newFix = d.isNewTime(fields[5])
				if newFix {
					d.storePosition(fields[1:])
				}
			} else {
				d.fix = false
			}
		}
	case "TXT":
		if len(fields) > 4 {
			if d.textCount >= TextLines {
				d.textCount = 0 // ring full: overwrite from the oldest slot
			}
			d.text[d.textCount] = fields[4]
			d.textCount++
		}
	}

	if newFix {
		return FlagNewFix
	}
	return 0
}

func (d *Decoder) isNewTime(v string) bool {
	if v != d.gpsTime {
		d.gpsTime = v
		return true
	}
	return false
}

func (d *Decoder) isNewDate(v string) bool {
	if v != d.gpsDate {
		d.gpsDate = v
		return true
	}
	return false
}

// gettime decodes the memorized NMEA date (ddmmyy) and time (hhmmss) fields
// into a UTC unix timestamp. The module assumes the host runs with TZ=UTC,
// so no local/UTC conversion is needed. Two-digit years 80-99 are read as
// 1980-1999 (GPS time starts in 1980), 00-79 as 2000-2079.
func (d *Decoder) gettime() (int64, bool) {
	if d.gpsDate == "" || d.gpsTime == "" {
		return 0, false
	}
	if len(d.gpsDate) < 6 || len(d.gpsTime) < 6 {
		return 0, false
	}
	yy := twoDigit(d.gpsDate[4:6])
	year := 2000 + yy
	if yy >= 80 {
		year = 1900 + yy
	}
	month := time.Month(twoDigit(d.gpsDate[2:4]))
	day := twoDigit(d.gpsDate[0:2])
	hour := twoDigit(d.gpsTime[0:2])
	minute := twoDigit(d.gpsTime[2:4])
	second := twoDigit(d.gpsTime[4:6])
	t := time.Date(year, month, day, hour, minute, second, 0, time.UTC)
	return t.Unix(), true
}

// Periodic detects stale GPS data (no sentence for GPSExpireSeconds) and
// resets the decoder so Listen will reopen the device.
func (d *Decoder) Periodic(nowSec int64) {
	if d.initialized == 0 {
		return
	}
	if nowSec <= d.initialized+GPSExpireSeconds {
		return
	}
	if nowSec > d.timestampSec+GPSExpireSeconds && d.port != nil {
		d.reset()
	}
}

// Active reports whether a GPS device is open and recently produced a fix.
func (d *Decoder) Active(nowSec int64) bool {
	if d.port == nil {
		return false
	}
	return d.fixTime+GPSExpireSeconds >= nowSec
}

// Status returns a read-only snapshot of the decoder's current GPS state.
func (d *Decoder) Status() Status {
	return Status{
		Fix:           d.fix,
		FixTime:       d.fixTime,
		Device:        d.device,
		GPSDate:       d.gpsDate,
		GPSTime:       d.gpsTime,
		Latitude:      d.latitude,
		Longitude:     d.longitude,
		Hemisphere:    d.hemisphere,
		History:       d.history,
		GPSCount:      d.gpsCount,
		TextCount:     d.textCount,
		Text:          d.text,
		TimestampSec:  d.timestampSec,
		TimestampUsec: d.timestampUsec,
	}
}

func valid(status, integrity string) bool {
	if len(status) == 0 || len(integrity) == 0 {
		return false
	}
	return status[0] == 'A' && (integrity[0] == 'A' || integrity[0] == 'D')
}

func isValidTalker(name string) bool {
	if len(name) < 2 || name[0] != 'G' {
		return false
	}
	switch name[1] {
	case 'P', 'A', 'L':
		return true
	}
	return false
}

func twoDigit(s string) int {
	return int(s[1]-'0') + 10*int(s[0]-'0')
}

func atoiSafe(s string) int {
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + int(c-'0')
	}
	return v
}
