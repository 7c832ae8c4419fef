package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gpsclock/gpsntpd/internal/clockdisc"
	"github.com/gpsclock/gpsntpd/internal/iface"
	"github.com/gpsclock/gpsntpd/internal/nmea"
	"github.com/gpsclock/gpsntpd/internal/sntp"
	"github.com/gpsclock/gpsntpd/internal/telemetry"
)

type fakeStepper struct{ sec, usec int64 }

func (f *fakeStepper) Now() (int64, int64)        { return f.sec, f.usec }
func (f *fakeStepper) Step(sec, usec int64) error { f.sec, f.usec = sec, usec; return nil }
func (f *fakeStepper) Slew(int64, int64) error     { return nil }

type fakeGPS struct{ active bool }

func (g fakeGPS) Active(int64) bool { return g.active }

// TestScrapePopulatesGauges confirms a scrape reflects the live collector
// state into the exported Prometheus gauges, grounded on the scrape-then-
// assert style of ptp/sptp/stats/prom_exporter_test.go.
func TestScrapePopulatesGauges(t *testing.T) {
	stepper := &fakeStepper{sec: 1000}
	clock := clockdisc.New(10, stepper, logrus.New())
	clock.Synchronize(1000, 0, 1000, 0, 0)

	reg := iface.New(123, logrus.New())
	eng := sntp.New(sntp.Config{BroadcastPeriod: 10}, clock, fakeGPS{active: true}, reg, logrus.New())
	gps := nmea.New(nmea.Config{Device: "/dev/ttyACM0"}, clock, logrus.New())
	collector := telemetry.NewCollector(gps, clock, eng, logrus.New())

	exporter := NewExporter(":0", collector, 0, logrus.New())
	exporter.scrape(1000)

	require.Equal(t, float64(1), testutil.ToFloat64(exporter.stratum))
	require.Equal(t, float64(1), testutil.ToFloat64(exporter.synchronized))
	require.Equal(t, float64(0), testutil.ToFloat64(exporter.gpsFix)) // no NMEA sentence processed yet
}
