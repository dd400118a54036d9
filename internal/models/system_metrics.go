package models

import (
	"math"
	"time"
)

// MetricSample is one point of the platform telemetry series shown on the dashboard.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
	DiskIO    float64   `json:"diskIo"`
	Network   float64   `json:"network"`

	ActiveDevices  int     `json:"activeDevices"`
	MessagesPerSec float64 `json:"messagesPerSec"`
	Health         float64 `json:"health"`
}

// Normalize clamps percentages and fills the derived health score from cpu,
// memory and disk utilisation when absent.
func (s MetricSample) Normalize() MetricSample {
	s.CPU = ClampFloat(s.CPU, 0, 100)
	s.Memory = ClampFloat(s.Memory, 0, 100)
	s.Disk = ClampFloat(s.Disk, 0, 100)
	if s.DiskIO < 0 || math.IsNaN(s.DiskIO) {
		s.DiskIO = 0
	}
	if s.Network < 0 || math.IsNaN(s.Network) {
		s.Network = 0
	}
	if s.ActiveDevices < 0 {
		s.ActiveDevices = 0
	}
	if s.Health <= 0 {
		s.Health = ComputeHealth(s.CPU, s.Memory, s.Disk)
	}
	s.Health = ClampFloat(s.Health, 0, 100)
	return s
}

// ComputeHealth returns 100 minus the highest utilisation percentage.
func ComputeHealth(usages ...float64) float64 {
	maxUsage := 0.0
	for _, v := range usages {
		if v <= 0 {
			continue
		}
		if v > maxUsage {
			maxUsage = v
		}
	}
	if maxUsage == 0 {
		return 100
	}
	return ClampFloat(100-maxUsage, 0, 100)
}

// ClampFloat bounds val to [min, max]; NaN maps to min.
func ClampFloat(val, min, max float64) float64 {
	if math.IsNaN(val) {
		return min
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
