// Package models defines the metric data structures used throughout the collector.
// A MetricsSnapshot is the single aggregate every output adaptor consumes;
// field names double as JSON keys for the json, socket and ingest adaptors.
package models

import (
	"maps"
	"slices"
	"time"
)

// TemperatureUnavailable is the sentinel stored in CPUTemp when no sensor
// produced a valid reading.
const TemperatureUnavailable = -1.0

// MetricsSnapshot represents a single point-in-time collection of all system
// metrics for one collection target.
type MetricsSnapshot struct {
	Target    string    `json:"target"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	// Features lists the toggles the collector ran, in canonical order.
	Features []string `json:"features,omitempty"`

	Identity      Identity `json:"identity"`
	UptimeSeconds float64  `json:"uptime_seconds"`

	CPU          CoreStats   `json:"cpu"`
	Cores        []CoreStats `json:"cores"`
	FrequencyMHz []float64   `json:"frequency_mhz,omitempty"`
	CPUTemp      float64     `json:"cpu_temp"`

	Memory    MemoryStats   `json:"memory"`
	Load      LoadAverage   `json:"load"`
	Processes ProcessCounts `json:"processes"`

	Network  []InterfaceStats  `json:"network"`
	Disks    []DeviceInfo      `json:"disks"`
	DeviceIO map[string]IORate `json:"device_io"`

	TopMemory        []ProcessInfo `json:"top_memory"`
	TopCPU           []ProcessInfo `json:"top_cpu"`
	TopMemoryAverage []ProcessInfo `json:"top_memory_average"`
	TopCPUAverage    []ProcessInfo `json:"top_cpu_average"`

	Batteries []BatteryInfo  `json:"batteries,omitempty"`
	Stability StabilityStats `json:"stability"`
}

// NewSnapshot returns an empty snapshot for the named target with sentinel
// values in place.
func NewSnapshot(target, runID string) *MetricsSnapshot {
	return &MetricsSnapshot{
		Target:   target,
		RunID:    runID,
		CPUTemp:  TemperatureUnavailable,
		DeviceIO: make(map[string]IORate),
	}
}

// Clone returns a deep copy that shares no slices or maps with s.
func (s *MetricsSnapshot) Clone() *MetricsSnapshot {
	c := *s
	c.Features = slices.Clone(s.Features)
	c.Cores = slices.Clone(s.Cores)
	c.FrequencyMHz = slices.Clone(s.FrequencyMHz)
	c.Network = slices.Clone(s.Network)
	c.Disks = slices.Clone(s.Disks)
	c.DeviceIO = maps.Clone(s.DeviceIO)
	c.TopMemory = slices.Clone(s.TopMemory)
	c.TopCPU = slices.Clone(s.TopCPU)
	c.TopMemoryAverage = slices.Clone(s.TopMemoryAverage)
	c.TopCPUAverage = slices.Clone(s.TopCPUAverage)
	c.Batteries = slices.Clone(s.Batteries)
	if s.Stability.Pressure != nil {
		c.Stability.Pressure = make(map[string]PressureStats, len(s.Stability.Pressure))
		for k, v := range s.Stability.Pressure {
			if v.Full != nil {
				full := *v.Full
				v.Full = &full
			}
			c.Stability.Pressure[k] = v
		}
	}
	return &c
}

// Enabled reports whether the named feature produced this snapshot. A
// snapshot without a feature list counts every feature as enabled.
func (s *MetricsSnapshot) Enabled(feature string) bool {
	return s.Features == nil || slices.Contains(s.Features, feature)
}

// Identity describes the host a snapshot was taken from.
type Identity struct {
	Hostname  string `json:"hostname"`
	Kernel    string `json:"kernel"`
	OSName    string `json:"os_name"`
	OSVersion string `json:"os_version"`
}

// CoreStats holds the percentage split of one core (or the aggregate) over
// the last sampling window.
type CoreStats struct {
	ID      int     `json:"id"` // -1 for the aggregate
	User    float64 `json:"user"`
	Nice    float64 `json:"nice"`
	System  float64 `json:"system"`
	Idle    float64 `json:"idle"`
	IOWait  float64 `json:"iowait"`
	IRQ     float64 `json:"irq"`
	SoftIRQ float64 `json:"softirq"`
	Steal   float64 `json:"steal"`
	Usage   float64 `json:"usage"`
}

// MemoryStats holds memory and swap figures in kilobytes.
type MemoryStats struct {
	TotalKB     uint64  `json:"total_kb"`
	FreeKB      uint64  `json:"free_kb"`
	AvailableKB uint64  `json:"available_kb"`
	BuffersKB   uint64  `json:"buffers_kb"`
	CachedKB    uint64  `json:"cached_kb"`
	UsedKB      uint64  `json:"used_kb"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotalKB uint64  `json:"swap_total_kb"`
	SwapFreeKB  uint64  `json:"swap_free_kb"`
	SwapUsedKB  uint64  `json:"swap_used_kb"`
}

// LoadAverage holds the kernel load averages and scheduler entity counts.
type LoadAverage struct {
	One      float64 `json:"one"`
	Five     float64 `json:"five"`
	Fifteen  float64 `json:"fifteen"`
	Runnable int     `json:"runnable"`
	Entities int     `json:"entities"`
}

// ProcessCounts summarises the process table.
type ProcessCounts struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Blocked int `json:"blocked"`
}

// InterfaceStats holds per-interface throughput.
type InterfaceStats struct {
	Name            string  `json:"name"`
	Address         string  `json:"address,omitempty"`
	RxBytesPerSec   float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec   float64 `json:"tx_bytes_per_sec"`
	RxPacketsPerSec float64 `json:"rx_packets_per_sec"`
	TxPacketsPerSec float64 `json:"tx_packets_per_sec"`
	RxTotalBytes    uint64  `json:"rx_total_bytes"`
	TxTotalBytes    uint64  `json:"tx_total_bytes"`
}

// DeviceInfo represents a tracked block device: the logical path it was
// configured under, where it is mounted, its usage and its IO rates.
type DeviceInfo struct {
	Path       string `json:"path"`
	Device     string `json:"device"`
	Mount      string `json:"mount"`
	Total      uint64 `json:"total"`
	Used       uint64 `json:"used"`
	Free       uint64 `json:"free"`
	IORate     `json:"io"`
	NoBaseline bool `json:"no_baseline,omitempty"`
}

// IORate is a read/write throughput pair in bytes per second.
type IORate struct {
	ReadBytesPerSec  float64 `json:"read_bytes_per_sec"`
	WriteBytesPerSec float64 `json:"write_bytes_per_sec"`
}

// ProcessInfo represents a single process's resource usage.
type ProcessInfo struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	RSSKB  uint64  `json:"rss_kb"`
}

// BatteryInfo is the latest reading of one configured battery.
type BatteryInfo struct {
	Name   string  `json:"name"`
	Charge float64 `json:"charge"` // percent, -1 when unreadable
	Status string  `json:"status"`
}

// StabilityStats groups kernel health indicators.
type StabilityStats struct {
	FileHandles        FileHandles              `json:"file_handles"`
	Pressure           map[string]PressureStats `json:"pressure,omitempty"`
	FragmentationIndex float64                  `json:"fragmentation_index"`
}

// FileHandles mirrors /proc/sys/fs/file-nr.
type FileHandles struct {
	Allocated uint64 `json:"allocated"`
	Unused    uint64 `json:"unused"`
	Max       uint64 `json:"max"`
}

// PressureStats holds pressure stall averages for one resource.
type PressureStats struct {
	Some PressureWindow  `json:"some"`
	Full *PressureWindow `json:"full,omitempty"`
}

// PressureWindow holds the three kernel PSI averaging windows.
type PressureWindow struct {
	Avg10  float64 `json:"avg10"`
	Avg60  float64 `json:"avg60"`
	Avg300 float64 `json:"avg300"`
}

// MetricBatch is the payload sent to an ingest endpoint.
type MetricBatch struct {
	Token   string             `json:"token,omitempty"`
	Metrics []*MetricsSnapshot `json:"metrics"`
}
