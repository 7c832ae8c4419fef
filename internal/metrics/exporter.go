// Package metrics exposes the telemetry snapshot as Prometheus gauges.
//
// Grounded on ptp/sptp/stats/prom_exporter.go's registry + promhttp.Handler
// + periodic-scrape shape, adapted from its scrape-over-HTTP self-fetch
// (appropriate when the stats live in a separate process) to a direct,
// in-process read of an *telemetry.Collector, since gpsntpd has no
// out-of-process stats source to fetch from.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/gpsclock/gpsntpd/internal/telemetry"
)

// Exporter periodically scrapes a telemetry.Collector snapshot into a set
// of Prometheus gauges and serves them over HTTP.
type Exporter struct {
	log        log.FieldLogger
	registry   *prometheus.Registry
	collector  *telemetry.Collector
	listenAddr string
	interval   time.Duration

	stratum           prometheus.Gauge
	synchronized      prometheus.Gauge
	lastDriftMS       prometheus.Gauge
	dispersionMS      prometheus.Gauge
	gpsFix            prometheus.Gauge
	clientsServed     prometheus.Gauge
	broadcastsSent    prometheus.Gauge
	trafficReceived   prometheus.Gauge
	processRSSBytes   prometheus.Gauge
	processUptimeSec  prometheus.Gauge
	processGoroutines prometheus.Gauge
}

// NewExporter creates an Exporter. The gauges are registered immediately;
// their values are populated on the first scrape.
func NewExporter(listenAddr string, collector *telemetry.Collector, interval time.Duration, logger log.FieldLogger) *Exporter {
	e := &Exporter{
		log:        logger,
		registry:   prometheus.NewRegistry(),
		collector:  collector,
		listenAddr: listenAddr,
		interval:   interval,

		stratum:           prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_stratum", Help: "Current advertised stratum, 0 when unsynchronized."}),
		synchronized:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_synchronized", Help: "1 if the clock disciplinarian considers itself synchronized."}),
		lastDriftMS:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_last_drift_ms", Help: "Most recent observed drift in milliseconds."}),
		dispersionMS:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_dispersion_ms", Help: "Averaged absolute drift in milliseconds."}),
		gpsFix:            prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_gps_fix", Help: "1 if the GPS core has a current fix."}),
		clientsServed:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_clients_served_total", Help: "Unicast clients served in the current 10s traffic bucket."}),
		broadcastsSent:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_broadcasts_sent_total", Help: "Broadcast datagrams sent in the current 10s traffic bucket."}),
		trafficReceived:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_packets_received_total", Help: "UDP datagrams received in the current 10s traffic bucket."}),
		processRSSBytes:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_process_rss_bytes", Help: "Resident set size of the server process."}),
		processUptimeSec:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_process_uptime_seconds", Help: "Seconds since the server process started."}),
		processGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpsntpd_process_goroutines", Help: "Current goroutine count."}),
	}

	for _, g := range []prometheus.Collector{
		e.stratum, e.synchronized, e.lastDriftMS, e.dispersionMS, e.gpsFix,
		e.clientsServed, e.broadcastsSent, e.trafficReceived,
		e.processRSSBytes, e.processUptimeSec, e.processGoroutines,
	} {
		if err := e.registry.Register(g); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if !errors.As(err, are) {
				logger.WithError(err).Warn("metrics: failed to register gauge")
			}
		}
	}
	return e
}

// scrape pulls one Snapshot from the collector and updates every gauge.
func (e *Exporter) scrape(nowSec int64) {
	snap, err := e.collector.Collect(nowSec)
	if err != nil {
		e.log.WithError(err).Warn("metrics: snapshot collection failed")
		return
	}

	e.stratum.Set(float64(snap.SNTP.Stratum))
	e.synchronized.Set(boolToFloat(snap.Clock.Synchronized))
	e.lastDriftMS.Set(float64(snap.Clock.LastDriftMS))
	e.dispersionMS.Set(float64(snap.Clock.DispersionMS))
	e.gpsFix.Set(boolToFloat(snap.GPS.Fix))
	e.clientsServed.Set(float64(snap.SNTP.Live.Client))
	e.broadcastsSent.Set(float64(snap.SNTP.Live.Broadcast))
	e.trafficReceived.Set(float64(snap.SNTP.Live.Received))
	e.processRSSBytes.Set(float64(snap.Process.RSSBytes))
	e.processUptimeSec.Set(float64(snap.Process.UptimeSec))
	e.processGoroutines.Set(float64(snap.Process.NumGoroutines))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Run starts the scrape ticker and the HTTP server, blocking until ctx is
// canceled.
func (e *Exporter) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{Addr: e.listenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				e.scrape(t.Unix())
			}
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: http server: %w", err)
	}
	return nil
}
