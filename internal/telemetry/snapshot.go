// Package telemetry polls engine channels from a connected adapter and keeps
// the latest values for the dashboard.
package telemetry

import (
	"time"

	"github.com/shaunagostinho/elm-dash/internal/obd"
)

// Snapshot holds the most recent value of every polled channel.
type Snapshot struct {
	// Fast channels
	RPM      float64 `json:"rpm"`
	Speed    float64 `json:"speed"` // km/h
	MAP      float64 `json:"map"`
	Throttle float64 `json:"throttle"`
	Timing   float64 `json:"timing"`

	// Medium channels
	Lambda  float64 `json:"lambda"`
	Coolant float64 `json:"coolant"`

	// Slow channels
	IntakeTemp float64 `json:"intake"`
	Voltage    float64 `json:"voltage"`
	FuelLevel  float64 `json:"fuelLevel"`

	// Fused speed from the attached estimator, m/s. Zero without one.
	FusedSpeed float64 `json:"fusedSpeed,omitempty"`

	LastUpdate time.Time `json:"lastUpdate"`
}

// Fresh reports whether the snapshot was updated within maxAge of now.
func (s Snapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	if s.LastUpdate.IsZero() {
		return false
	}
	return now.Sub(s.LastUpdate) < maxAge
}

// set stores a decoded value by PID.
func (s *Snapshot) set(pid obd.PID, v float64) {
	switch pid.Command {
	case obd.RPM.Command:
		s.RPM = v
	case obd.Speed.Command:
		s.Speed = v
	case obd.MAP.Command:
		s.MAP = v
	case obd.Throttle.Command:
		s.Throttle = v
	case obd.Timing.Command:
		s.Timing = v
	case obd.Lambda.Command:
		s.Lambda = v
	case obd.Coolant.Command:
		s.Coolant = v
	case obd.IntakeTemp.Command:
		s.IntakeTemp = v
	case obd.Voltage.Command:
		s.Voltage = v
	case obd.FuelLevel.Command:
		s.FuelLevel = v
	}
}

// Channel tranches polled at different rates.
var (
	FastPIDs   = []obd.PID{obd.RPM, obd.Speed, obd.MAP, obd.Throttle, obd.Timing}
	MediumPIDs = []obd.PID{obd.Lambda, obd.Coolant}
	SlowPIDs   = []obd.PID{obd.IntakeTemp, obd.Voltage, obd.FuelLevel}
)

// Fix is one GPS position report.
type Fix struct {
	Lat      float64
	Lon      float64
	SpeedMPS float64
	Heading  float64
	Accuracy float64 // metres, 1-sigma
	Stamp    time.Time
}

// CameraFrame is a visual-odometry speed observation.
type CameraFrame struct {
	SpeedMPS   float64
	Confidence float64
	Stamp      time.Time
}

// Estimate is the fused vehicle state.
type Estimate struct {
	SpeedMPS float64
	Heading  float64
	Lat      float64
	Lon      float64
}

// Estimator is a sensor-fusion filter fed by the poller. Each Fuse method
// returns the fused speed in m/s after applying the observation.
type Estimator interface {
	Predict(dt time.Duration)
	FuseGPS(fix Fix) float64
	FuseOBDSpeed(mps float64) float64
	FuseCameraFrame(frame CameraFrame) float64
	Estimate() Estimate
	Uncertainty() float64
}
