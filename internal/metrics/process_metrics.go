package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for the subordinate process
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessMetricsCollector samples the subordinate's resource usage with gopsutil.
type ProcessMetricsCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest *ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a new process metrics collector
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	interval := config.Interval
	if interval == 0 {
		interval = 5 * time.Second // default
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subordinate",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the subordinate process."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of the subordinate process."),
		numThreads: gauge("num_threads", "Number of threads of the subordinate process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the subordinate process (Unix only)."),
	}
}

// RegisterMetrics registers the process metrics with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the process returned by getPID every interval until ctx is
// done or Stop is called. getPID returns 0 when nothing is running.
func (c *ProcessMetricsCollector) Start(ctx context.Context, name string, getPID func() int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				pid := getPID()
				if pid <= 0 {
					continue
				}
				if _, err := c.Collect(name, int32(pid)); err != nil {
					slog.Debug("Failed to collect subordinate metrics", "name", name, "pid", pid, "error", err)
				}
			}
		}
	}()
}

// Stop stops the metrics collection
func (c *ProcessMetricsCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Collect takes one sample of pid, publishes it and keeps it as Latest.
func (c *ProcessMetricsCollector) Collect(name string, pid int32) (*ProcessMetrics, error) {
	m, err := sampleProcess(pid)
	if err != nil {
		return nil, err
	}
	c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
	c.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
	c.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" && m.NumFDs > 0 {
		c.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
	}
	c.mu.Lock()
	c.latest = m
	c.mu.Unlock()
	return m, nil
}

// Latest returns the most recent sample, or nil if none was taken yet.
func (c *ProcessMetricsCollector) Latest() *ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	m := *c.latest
	return &m
}

func sampleProcess(pid int32) (*ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	m := &ProcessMetrics{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: numThreads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}
