package nmea

import (
	"fmt"
	"strconv"
	"strings"
)

// ToDecimalDegrees converts an NMEA ddmm.mmmm (or dddmm.mmmm) position field
// together with its hemisphere letter into signed decimal degrees.
//
// Ported from hc_nmea_convert: the last two whole digits before the decimal
// point are minutes, everything before that is degrees.
func ToDecimalDegrees(field string, hemisphere byte) (float64, error) {
	digits := len(field) - 2
	if sep := strings.IndexByte(field, '.'); sep >= 0 {
		digits = sep - 2
	}
	if digits < 0 || digits > len(field) {
		return 0, fmt.Errorf("nmea: malformed position field %q", field)
	}

	degrees, err := strconv.Atoi(field[:digits])
	if err != nil {
		return 0, fmt.Errorf("nmea: malformed position field %q: %w", field, err)
	}
	minutes, err := strconv.ParseFloat(field[digits:], 64)
	if err != nil {
		return 0, fmt.Errorf("nmea: malformed position field %q: %w", field, err)
	}

	value := float64(degrees) + minutes/60.0
	if hemisphere == 'W' || hemisphere == 'S' {
		value = -value
	}
	return value, nil
}
