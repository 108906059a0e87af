// Package resource samples process CPU and memory usage with gopsutil and
// republishes them through internal/metrics. It is purely observational:
// spec.md's admission and eviction decisions never consult it, it only
// feeds /metrics for whoever is watching the process from outside.
package resource

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/filestoraged/internal/metrics"
)

// Sampler periodically reads this process's CPU percent and RSS and
// pushes them to the metrics package.
type Sampler struct {
	proc     *process.Process
	interval time.Duration
	log      zerolog.Logger
}

// New constructs a Sampler for the current process.
func New(interval time.Duration, log zerolog.Logger) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		proc:     proc,
		interval: interval,
		log:      log.With().Str("component", "resource").Logger(),
	}, nil
}

// Run samples on a ticker until ctx is cancelled. Intended to be run in
// its own goroutine.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	cpuPercent, err := s.proc.CPUPercent()
	if err != nil {
		s.log.Debug().Err(err).Msg("cpu sample failed")
		return
	}
	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		s.log.Debug().Err(err).Msg("memory sample failed")
		return
	}
	metrics.SetResourceSample(cpuPercent, memInfo.RSS)
}
