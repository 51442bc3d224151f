/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package stats collects request latency, throughput and process resource usage of the admission service.
// All data is kept in bounded in-memory ring buffers; recording a request takes no I/O.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-admission/internal/ringbuf"
)

// Default sizes of the ring buffers.
const (
	DefaultLatencyBufferSize = 1000
	DefaultSystemBufferSize  = 100
)

// Sample is an immutable (time, value) point of a metric stream.
type Sample struct {
	Time  time.Time
	Value float64
}

// MemorySample is a snapshot of the process memory in bytes.
type MemorySample struct {
	Time      time.Time
	RSS       uint64
	HeapUsed  uint64
	HeapTotal uint64
}

// Stats is a point-in-time view of the collected metrics.
type Stats struct {
	Requests    RequestStats    `json:"requests"`
	Connections ConnectionStats `json:"connections"`
	System      SystemStats     `json:"system"`
	Uptime      float64         `json:"uptime"` // seconds
	Queues      []QueueStats    `json:"queues"`
}

// RequestStats describes handled requests. SuccessRate is a percentage.
type RequestStats struct {
	Total        int64             `json:"total"`
	Success      int64             `json:"success"`
	Error        int64             `json:"error"`
	SuccessRate  float64           `json:"successRate"`
	ResponseTime ResponseTimeStats `json:"responseTime"`
}

// ResponseTimeStats are computed over the latency buffer, in milliseconds.
type ResponseTimeStats struct {
	Average float64 `json:"average"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// ConnectionStats describes concurrently served requests.
type ConnectionStats struct {
	Active int64 `json:"active"`
	Peak   int64 `json:"peak"`
}

// SystemStats holds the latest system sample. CPU is a percentage of one core.
type SystemStats struct {
	Memory MemoryStats `json:"memory"`
	CPU    float64     `json:"cpu"`
}

// MemoryStats holds memory figures in bytes.
type MemoryStats struct {
	RSS       uint64 `json:"rss"`
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
}

// QueueStats holds counters of one queue class.
type QueueStats struct {
	Name      string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Expired   int64  `json:"expired"`
}

// CollectorOpts contains optional parameters for constructing Collector.
type CollectorOpts struct {
	LatencyBufferSize int
	SystemBufferSize  int
	SystemReader      SystemReader
	Clock             func() time.Time
}

// Collector accumulates request and system metrics.
type Collector struct {
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	active  atomic.Int64
	peak    atomic.Int64

	mu        sync.Mutex
	latencies *ringbuf.Buffer[Sample]
	memory    *ringbuf.Buffer[MemorySample]
	cpu       *ringbuf.Buffer[Sample]
	lastCPU   *SystemReading

	sys       SystemReader
	now       func() time.Time
	startedAt time.Time
}

// NewCollector creates a new Collector.
func NewCollector(opts CollectorOpts) *Collector {
	if opts.LatencyBufferSize <= 0 {
		opts.LatencyBufferSize = DefaultLatencyBufferSize
	}
	if opts.SystemBufferSize <= 0 {
		opts.SystemBufferSize = DefaultSystemBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SystemReader == nil {
		opts.SystemReader = RuntimeReader{}
	}
	return &Collector{
		latencies: ringbuf.New[Sample](opts.LatencyBufferSize),
		memory:    ringbuf.New[MemorySample](opts.SystemBufferSize),
		cpu:       ringbuf.New[Sample](opts.SystemBufferSize),
		sys:       opts.SystemReader,
		now:       opts.Clock,
		startedAt: opts.Clock(),
	}
}

// RecordRequestStart marks the beginning of a request.
func (c *Collector) RecordRequestStart() {
	active := c.active.Inc()
	for {
		peak := c.peak.Load()
		if active <= peak || c.peak.CompareAndSwap(peak, active) {
			return
		}
	}
}

// RecordRequestEnd records the outcome and the latency of a request started by RecordRequestStart.
func (c *Collector) RecordRequestEnd(ok bool, d time.Duration) {
	c.active.Dec()
	c.total.Inc()
	if ok {
		c.success.Inc()
	} else {
		c.failed.Inc()
	}
	c.mu.Lock()
	c.latencies.Push(Sample{Time: c.now(), Value: float64(d) / float64(time.Millisecond)})
	c.mu.Unlock()
}

// ActiveConnections returns the number of requests being served now.
func (c *Collector) ActiveConnections() int64 {
	return c.active.Load()
}

// Sample snapshots memory and CPU usage of the process.
func (c *Collector) Sample() {
	reading := c.sys.Read()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory.Push(MemorySample{Time: now, RSS: reading.RSS, HeapUsed: reading.HeapUsed, HeapTotal: reading.HeapTotal})
	if c.lastCPU != nil {
		c.cpu.Push(Sample{Time: now, Value: cpuPercent(*c.lastCPU, reading)})
	}
	c.lastCPU = &reading
}

func cpuPercent(prev, cur SystemReading) float64 {
	wall := cur.At.Sub(prev.At).Seconds()
	if wall <= 0 || cur.CPUSeconds < prev.CPUSeconds {
		return 0
	}
	return (cur.CPUSeconds - prev.CPUSeconds) / wall * 100
}

// LatencySamples returns the retained latency samples, oldest first.
func (c *Collector) LatencySamples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latencies.Items()
}

// Stats computes the current statistics. Queues are left empty.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	latencies := c.latencies.Items()
	mem, _ := c.memory.Last()
	cpu, _ := c.cpu.Last()
	c.mu.Unlock()

	total := c.total.Load()
	success := c.success.Load()
	var successRate float64
	if total > 0 {
		successRate = round2(float64(success) / float64(total) * 100)
	}
	return Stats{
		Requests: RequestStats{
			Total:        total,
			Success:      success,
			Error:        c.failed.Load(),
			SuccessRate:  successRate,
			ResponseTime: computeResponseTime(latencies),
		},
		Connections: ConnectionStats{Active: c.active.Load(), Peak: c.peak.Load()},
		System: SystemStats{
			Memory: MemoryStats{RSS: mem.RSS, HeapUsed: mem.HeapUsed, HeapTotal: mem.HeapTotal},
			CPU:    round2(cpu.Value),
		},
		Uptime: math.Floor(c.now().Sub(c.startedAt).Seconds()),
	}
}

func computeResponseTime(samples []Sample) ResponseTimeStats {
	if len(samples) == 0 {
		return ResponseTimeStats{}
	}
	values := make([]float64, len(samples))
	var sum float64
	for i := range samples {
		values[i] = samples[i].Value
		sum += samples[i].Value
	}
	sort.Float64s(values)
	return ResponseTimeStats{
		Average: round2(sum / float64(len(values))),
		P50:     round2(percentile(values, 50)),
		P95:     round2(percentile(values, 95)),
		P99:     round2(percentile(values, 99)),
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
