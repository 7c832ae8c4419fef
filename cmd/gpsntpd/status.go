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
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var statusEndpoint string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusEndpoint, "endpoint", "e", "http://localhost:9090/metrics", "gpsntpd metrics endpoint to query")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a running gpsntpd instance's current status",
	Run: func(cmd *cobra.Command, args []string) {
		configureVerbosity()
		if err := printStatus(statusEndpoint); err != nil {
			log.Fatal(err)
		}
	},
}

// gaugeLabel pairs a gpsntpd_* metric name with its display name and unit,
// in the order they're printed.
type gaugeLabel struct {
	metric string
	title  string
	unit   string
}

var statusGauges = []gaugeLabel{
	{"gpsntpd_stratum", "Stratum", ""},
	{"gpsntpd_synchronized", "Synchronized", ""},
	{"gpsntpd_gps_fix", "GPS fix", ""},
	{"gpsntpd_last_drift_ms", "Last drift", "ms"},
	{"gpsntpd_dispersion_ms", "Dispersion", "ms"},
	{"gpsntpd_clients_served_total", "Clients (10s bucket)", ""},
	{"gpsntpd_broadcasts_sent_total", "Broadcasts (10s bucket)", ""},
	{"gpsntpd_packets_received_total", "Packets received (10s bucket)", ""},
	{"gpsntpd_process_uptime_seconds", "Uptime", "s"},
	{"gpsntpd_process_rss_bytes", "RSS", "bytes"},
	{"gpsntpd_process_goroutines", "Goroutines", ""},
}

// printStatus fetches statusEndpoint's Prometheus exposition, parses it, and
// renders the gauges this repo exports as a colorized table. Grounded on
// cmd/ntpcheck/cmd/diag.go's status-coloring helpers and
// cmd/ptpcheck/cmd/sources.go's tablewriter usage, adapted from ptp4l's
// management protocol to an HTTP metrics scrape since gpsntpd exposes no
// control socket of its own.
func printStatus(endpoint string) error {
	resp, err := http.Get(endpoint)
	if err != nil {
		return fmt.Errorf("status: fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("status: parsing metrics from %s: %w", endpoint, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})

	for _, g := range statusGauges {
		family, ok := families[g.metric]
		if !ok || len(family.Metric) == 0 {
			table.Append([]string{g.title, color.YellowString("unavailable")})
			continue
		}
		value := family.Metric[0].GetGauge().GetValue()
		table.Append([]string{g.title, formatGaugeValue(g, value)})
	}

	table.Render()
	return nil
}

func formatGaugeValue(g gaugeLabel, value float64) string {
	switch g.metric {
	case "gpsntpd_synchronized", "gpsntpd_gps_fix":
		if value != 0 {
			return color.GreenString("yes")
		}
		return color.RedString("no")
	case "gpsntpd_stratum":
		if value == 0 {
			return color.RedString("0 (unsynchronized)")
		}
		return color.GreenString("%d", int(value))
	default:
		if g.unit != "" {
			return fmt.Sprintf("%.3f %s", value, g.unit)
		}
		return fmt.Sprintf("%.0f", value)
	}
}
