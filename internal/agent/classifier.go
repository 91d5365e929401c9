package agent

import (
	"fmt"

	"github.com/devrev/bynar/internal/config"
	"github.com/devrev/bynar/internal/model"
)

// Thresholds decide when a health sample is suspect or failed
type Thresholds struct {
	SuspectReallocated int64
	FailReallocated    int64
	SuspectPending     int64
	MaxTemperatureC    int32
}

// ThresholdsFromConfig reads thresholds from the monitor configuration
func ThresholdsFromConfig(cfg config.MonitorConfig) Thresholds {
	return Thresholds{
		SuspectReallocated: cfg.SuspectReallocated,
		FailReallocated:    cfg.FailReallocated,
		SuspectPending:     cfg.SuspectPending,
		MaxTemperatureC:    cfg.MaxTemperatureC,
	}
}

// Classify maps one health sample to a monitor state and the reason for it
func Classify(h model.HealthSummary, t Thresholds) (model.DiskState, string) {
	switch {
	case !h.SmartPassed:
		return model.DiskStateFailed, "SMART overall health check failed"
	case !h.Mountable:
		return model.DiskStateFailed, "device cannot be opened or its filesystem is unreadable"
	case h.ReallocatedSectors >= t.FailReallocated:
		return model.DiskStateFailed, fmt.Sprintf("%d reallocated sectors", h.ReallocatedSectors)
	case h.ReallocatedSectors >= t.SuspectReallocated:
		return model.DiskStateSuspect, fmt.Sprintf("%d reallocated sectors", h.ReallocatedSectors)
	case h.PendingSectors >= t.SuspectPending:
		return model.DiskStateSuspect, fmt.Sprintf("%d pending sectors", h.PendingSectors)
	case h.MediaErrors > 0:
		return model.DiskStateSuspect, fmt.Sprintf("%d media errors", h.MediaErrors)
	case t.MaxTemperatureC > 0 && h.TemperatureC >= t.MaxTemperatureC:
		return model.DiskStateSuspect, fmt.Sprintf("temperature %dC", h.TemperatureC)
	default:
		return model.DiskStateHealthy, ""
	}
}
