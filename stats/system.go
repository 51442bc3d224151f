/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package stats

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"

	"github.com/acronis/go-admission/log"
)

// SystemReading is a raw reading of the process resource usage.
type SystemReading struct {
	At         time.Time
	RSS        uint64
	HeapUsed   uint64
	HeapTotal  uint64
	CPUSeconds float64 // user + system CPU time consumed so far
}

// SystemReader reads the process resource usage.
type SystemReader interface {
	Read() SystemReading
}

// RuntimeReader reads memory figures from the Go runtime only.
// RSS is approximated by the memory obtained from the OS and CPU time is not available.
type RuntimeReader struct{}

// Read implements SystemReader.
func (RuntimeReader) Read() SystemReading {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemReading{At: time.Now(), RSS: ms.Sys, HeapUsed: ms.HeapAlloc, HeapTotal: ms.HeapSys}
}

// ProcReader reads RSS and CPU time from /proc/self and heap figures from the Go runtime.
type ProcReader struct {
	proc   procfs.Proc
	logger log.FieldLogger
}

// NewSystemReader returns a ProcReader if procfs is available on this host, and RuntimeReader otherwise.
func NewSystemReader(logger log.FieldLogger) SystemReader {
	proc, err := procfs.Self()
	if err != nil {
		logger.Warn("procfs is not available, process RSS and CPU will not be sampled", log.Error(err))
		return RuntimeReader{}
	}
	return &ProcReader{proc: proc, logger: logger}
}

// Read implements SystemReader.
func (r *ProcReader) Read() SystemReading {
	reading := RuntimeReader{}.Read()
	stat, err := r.proc.Stat()
	if err != nil {
		r.logger.Debug("failed to read process stat", log.Error(err))
		return reading
	}
	reading.RSS = uint64(stat.ResidentMemory())
	reading.CPUSeconds = stat.CPUTime()
	return reading
}
