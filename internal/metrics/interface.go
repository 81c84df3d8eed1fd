package metrics

import (
	"context"
	"time"
)

// Recorder is the health history service used by the monitor loop.
type Recorder interface {
	Record(ctx context.Context, record *HealthRecord) error
	Recent(ctx context.Context, limit int) ([]HealthRecord, error)
	Close() error
}

// Repository is the storage behind Recorder.
type Repository interface {
	Record(record *HealthRecord) error
	Recent(ctx context.Context, limit int) ([]HealthRecord, error)
	Close() error
}

// HealthRecord is one health tick: the host snapshot plus the number of
// readings published so far.
type HealthRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	UptimeHours   float64   `json:"uptime_hours"`
	CPUTemp       *float64  `json:"cpu_temp"`
	ReadingsCount int64     `json:"gas_readings_count"`
}
