package services

import (
	"log/slog"
	"math"
	"sort"

	"hydrotrack/models"
)

// VolumeResult is the derived volume of a level measurement
type VolumeResult struct {
	VolumeM3 float64 `json:"volume_m3"`
	Percent  float64 `json:"percent"`
}

// CalculateVolume converts a level in centimeters into cubic meters and fill
// percentage for the given reservoir. Identical inputs always give identical
// outputs. An unknown shape yields a zero result and a warning.
func CalculateVolume(levelCM float64, g models.Geometry, logger *slog.Logger) VolumeResult {
	level := levelCM - g.OffsetCM
	if level < 0 || math.IsNaN(level) {
		if logger != nil {
			logger.Warn("negative level after offset", "level_cm", levelCM, "offset_cm", g.OffsetCM)
		}
		return VolumeResult{}
	}

	var volume float64
	switch g.Shape {
	case models.ShapeCylindrical:
		r := g.DiameterCM / 2 / 100
		volume = math.Pi * r * r * (level / 100)
	case models.ShapeRectangular:
		volume = (g.LengthCM / 100) * (g.WidthCM / 100) * (level / 100)
	default:
		if logger != nil {
			logger.Warn("unknown reservoir shape", "shape", g.Shape)
		}
		return VolumeResult{}
	}

	if max := g.MaxVolumeM3(); max > 0 && volume > max {
		volume = max
	}

	percent := 0.0
	if h := g.UsableHeightCM(); h > 0 {
		percent = clamp(level/h*100, 0, 100)
	}

	return VolumeResult{
		VolumeM3: round(volume, 3),
		Percent:  round(percent, 2),
	}
}

// StdDev returns the population standard deviation of values
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

// Median returns the median of values without modifying the input
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
