// Package sysinfo collects the host vitals published on the system_health
// topic: CPU, memory and disk utilisation, uptime and the SoC temperature.
package sysinfo

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time reading of host vitals. CPUTemp is nil on
// hosts without a thermal sensor and is serialized as null.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	UptimeHours   float64   `json:"uptime_hours"`
	CPUTemp       *float64  `json:"cpu_temp"`
}

// Collector supplies health snapshots on demand.
type Collector interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

type Config struct {
	DiskPath       string
	ThermalZone    string
	SampleInterval time.Duration
}

type collector struct {
	cfg Config
	now func() time.Time
}

// New returns a gopsutil-backed Collector.
func New(cfg Config) Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}

	return &collector{cfg: cfg, now: time.Now}
}

// Collect blocks for the CPU sample interval. Memory, disk and uptime
// failures fail the snapshot; a missing temperature does not.
func (c *collector) Collect(ctx context.Context) (*Snapshot, error) {
	errFactory := errors.New()

	cpuPercent, err := cpu.PercentWithContext(ctx, c.cfg.SampleInterval, false)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrCollectHealth, err).WithData("cpu")
	}
	var cpuTotal float64
	if len(cpuPercent) > 0 {
		cpuTotal = cpuPercent[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrCollectHealth, err).WithData("memory")
	}

	usage, err := disk.UsageWithContext(ctx, c.cfg.DiskPath)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrCollectHealth, err).WithData("disk")
	}

	bootTime, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrCollectHealth, err).WithData("uptime")
	}

	now := c.now()
	uptime := now.Sub(time.Unix(int64(bootTime), 0))

	return &Snapshot{
		Timestamp:     now,
		CPUPercent:    round1(cpuTotal),
		MemoryPercent: round1(vm.UsedPercent),
		DiskPercent:   round1(usage.UsedPercent),
		UptimeHours:   round1(uptime.Hours()),
		CPUTemp:       c.temperature(ctx),
	}, nil
}

func (c *collector) temperature(ctx context.Context) *float64 {
	if t := ReadThermalZone(c.cfg.ThermalZone); t != nil {
		return t
	}

	// Partial results come back together with a warnings error.
	sensors, _ := host.SensorsTemperaturesWithContext(ctx)
	for _, s := range sensors {
		key := strings.ToLower(s.SensorKey)
		if s.Temperature > 0 && (strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") || strings.Contains(key, "soc")) {
			t := round1(s.Temperature)
			return &t
		}
	}

	return nil
}

// ReadThermalZone reads a sysfs thermal zone in millidegrees Celsius and
// returns degrees rounded to one decimal, or nil when unavailable.
func ReadThermalZone(path string) *float64 {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return nil
	}

	t := round1(milli / 1000.0)
	return &t
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
