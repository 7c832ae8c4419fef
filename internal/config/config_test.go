package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsEmptyDevice(t *testing.T) {
	c := Default()
	c.GPSDevice = ""
	require.Error(t, c.Validate())
}

func TestValidateFloorsBroadcastPeriod(t *testing.T) {
	c := Default()
	c.BroadcastPeriodSec = 1
	require.NoError(t, c.Validate())
	require.Equal(t, int64(10), c.BroadcastPeriodSec)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpsntpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gps_device: /dev/ttyUSB0\nbroadcast_period_seconds: 60\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", c.GPSDevice)
	require.Equal(t, int64(60), c.BroadcastPeriodSec)
	require.Equal(t, int64(70), c.GPSLatencyMS) // untouched field keeps its default
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}
