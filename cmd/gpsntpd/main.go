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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootCmd is gpsntpd's entry point, grounded on cmd/ntpcheck/cmd/root.go's
// RootCmd/PersistentFlags/Execute shape.
var rootCmd = &cobra.Command{
	Use:   "gpsntpd",
	Short: "Stratum-1 SNTP server disciplined by a GPS NMEA-0183 receiver",
}

var (
	cfgPath  string
	logLevel string
	verbose  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file (defaults are used if omitted)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", "info", "Log level: debug, info, warning, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every accepted NMEA sentence and classified SNTP packet at debug level")
}

// configureVerbosity applies the parsed -loglevel/-verbose flags. Must be
// called by any subcommand's Run before doing work. -verbose restores
// original_source/houseclock.c's -debug trace toggle, dropped by the
// distillation; it overrides -loglevel to Debug.
func configureVerbosity() {
	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", logLevel)
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
