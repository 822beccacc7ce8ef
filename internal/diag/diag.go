// Package diag samples the bridge's own process: CPU, resident memory,
// thread and goroutine counts. A failed probe degrades to zero values;
// diagnostics never take the bridge down.
package diag

import (
	"context"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one diagnostics reading.
type Sample struct {
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Threads    int32     `json:"threads"`
	Goroutines int       `json:"goroutines"`
	UptimeSec  float64   `json:"uptimeSec"`
	SampledAt  time.Time `json:"sampledAt"`
}

// Sampler reads process diagnostics on demand and caches the last reading
// for callers that must not block on a probe.
type Sampler struct {
	proc  *process.Process
	start time.Time

	mu   sync.RWMutex
	last Sample
}

func NewSampler() *Sampler {
	s := &Sampler{start: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("diag: process handle unavailable: %v", err)
		return s
	}
	s.proc = proc
	return s
}

// Sample takes a fresh reading and caches it.
func (s *Sampler) Sample() Sample {
	now := time.Now()
	sample := Sample{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  now.Sub(s.start).Seconds(),
		SampledAt:  now,
	}

	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			sample.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			sample.RSSBytes = mem.RSS
		}
		if threads, err := s.proc.NumThreads(); err == nil {
			sample.Threads = threads
		}
	}

	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
	return sample
}

// Last returns the most recent reading without probing.
func (s *Sampler) Last() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run samples on the interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	s.Sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}
