package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
)

// ParseInertialLine parses "t,ax,ay,az,gx,gy,gz" with t in seconds,
// acceleration in m/s² and angular velocity in rad/s. Surrounding spaces
// are ignored.
func ParseInertialLine(line string) (vio.InertialSample, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 7 {
		return vio.InertialSample{}, fmt.Errorf("inertial line has %d fields, want 7: %q", len(fields), line)
	}
	var v [7]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return vio.InertialSample{}, fmt.Errorf("inertial field %d: %w", i, err)
		}
		v[i] = x
	}
	return vio.InertialSample{
		Timestamp: v[0],
		Accel:     r3.Vec{X: v[1], Y: v[2], Z: v[3]},
		Gyro:      r3.Vec{X: v[4], Y: v[5], Z: v[6]},
	}, nil
}

// FormatInertialLine renders s in the format read by ParseInertialLine.
func FormatInertialLine(s vio.InertialSample) string {
	return fmt.Sprintf("%.9f,%g,%g,%g,%g,%g,%g",
		s.Timestamp, s.Accel.X, s.Accel.Y, s.Accel.Z, s.Gyro.X, s.Gyro.Y, s.Gyro.Z)
}
