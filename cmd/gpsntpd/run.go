/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	syscall "golang.org/x/sys/unix"

	"github.com/gpsclock/gpsntpd/internal/clockdisc"
	"github.com/gpsclock/gpsntpd/internal/config"
	"github.com/gpsclock/gpsntpd/internal/engine"
	"github.com/gpsclock/gpsntpd/internal/iface"
	"github.com/gpsclock/gpsntpd/internal/metrics"
	"github.com/gpsclock/gpsntpd/internal/nmea"
	"github.com/gpsclock/gpsntpd/internal/sntp"
	"github.com/gpsclock/gpsntpd/internal/telemetry"
)

var dryRun bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&dryRun, "test", false, "Compute clock drift and log it without calling settimeofday/adjtime")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gpsntpd server in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		configureVerbosity()
		if err := runServer(); err != nil {
			log.Fatal(err)
		}
	},
}

// runServer wires config, GPS decoding, clock discipline, interface
// enumeration, the SNTP engine, the event loop and (optionally) the
// metrics exporter together, then blocks until a termination signal or
// internal error, per SPEC_FULL.md §1's "Process supervision" paragraph.
func runServer() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	log.Debugf("config: %+v", *cfg)

	port, err := net.LookupPort("udp", cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("resolving service %q: %w", cfg.ServiceName, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("listening on udp/%d: %w", port, err)
	}
	defer conn.Close()

	var stepper clockdisc.Stepper = clockdisc.SystemStepper{}
	if dryRun {
		log.Warning("gpsntpd: -test set, clock will not be stepped or slewed")
		stepper = clockdisc.NewDryRunStepper(stepper, log.StandardLogger())
	}
	clock := clockdisc.New(cfg.PrecisionMS, stepper, log.StandardLogger())
	gps := nmea.New(cfg.NMEAConfig(), clock, log.StandardLogger())
	ifaces := iface.New(port, log.StandardLogger())
	defer ifaces.Close()
	sntpEngine := sntp.New(cfg.SNTPConfig(), clock, gps, ifaces, log.StandardLogger())

	loop := engine.New(gps, clock, sntpEngine, ifaces, conn, log.StandardLogger())

	collector := telemetry.NewCollector(gps, clock, sntpEngine, log.StandardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-sigStop
		log.Warning("gpsntpd: received shutdown signal")
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- loop.Run(ctx) }()

	if cfg.MetricsEnabled {
		exporter := metrics.NewExporter(cfg.MetricsListenAddr, collector, cfg.MetricsInterval, log.StandardLogger())
		go func() { errCh <- exporter.Run(ctx) }()
	}

	go watchSynchronization(ctx, clock)

	select {
	case err := <-errCh:
		cancel()
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// synchronizer is the subset of *clockdisc.Discipliner watchSynchronization
// needs, narrowed so it can be unit tested without a real Discipliner.
type synchronizer interface {
	Synchronized() bool
}

// watchSynchronization polls the disciplinarian's lock state once a second
// and relays it to systemd: READY=1 the first time the clock locks, and a
// WATCHDOG=1 ping on every subsequent lock/unlock transition, grounded on
// ptp/c4u/c4u.go's SdNotify usage. It returns once ctx is canceled.
func watchSynchronization(ctx context.Context, clock synchronizer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	locked := false
	everLocked := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clock.Synchronized()
			switch {
			case !everLocked && now:
				notifySystemd(daemon.SdNotifyReady)
				everLocked = true
				locked = true
			case everLocked && now != locked:
				notifySystemd(daemon.SdNotifyWatchdog)
				locked = now
			}
		}
	}
}

func notifySystemd(state string) {
	if supported, err := daemon.SdNotify(false, state); err != nil {
		log.WithError(err).Warn("gpsntpd: systemd notification failed")
	} else if !supported {
		log.Debug("gpsntpd: sd_notify not supported, skipping")
	}
}
