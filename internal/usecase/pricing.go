package usecase

import "github.com/renderflow/broker/internal/domain"

// DefaultPricing implements domain.PricingFunc: cost scales with resolution
// and duration, reflecting the compute a render actually consumes. The core
// treats pricing policy as pluggable (spec §4.1); this is the concrete
// policy this deployment uses.
func DefaultPricing(s domain.Settings) int64 {
	pixels := int64(s.Width) * int64(s.Height)
	base := pixels / (1280 * 720) // 720p-equivalent units
	if base < 1 {
		base = 1
	}
	seconds := int64(s.DurationFrames) / int64(maxInt(s.FPS, 1))
	if seconds < 1 {
		seconds = 1
	}
	return base * seconds
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
