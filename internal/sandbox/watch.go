package sandbox

import (
	"log/slog"
	"time"
)

// Meter is the slice of the resource monitor the watchdog needs.
type Meter interface {
	TrackCPUUsage(id string, percent float64) bool
	TrackMemoryUsage(id string, bytes int64) bool
	Exceeded(id string) (string, bool)
}

// SetMemorySampler installs a function reporting the plugin's memory footprint in bytes.
// Without a sampler memory is only what other components report to the monitor.
func (s *Sandbox) SetMemorySampler(sample func() int64) {
	s.mu.Lock()
	s.memSampler = sample
	s.mu.Unlock()
}

// Watch polls usage every PollInterval, feeding sampled CPU share to the meter, and
// terminates the sandbox the first time any metric is over its ceiling. onKill runs once
// after termination with the offending metric.
func (s *Sandbox) Watch(meter Meter, onKill func(metric string)) {
	go func() {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-s.quit:
				return
			case now := <-ticker.C:
				elapsed := now.Sub(last)
				last = now
				busy := time.Duration(s.busy.Swap(0))
				if elapsed > 0 {
					meter.TrackCPUUsage(s.id, 100*float64(busy)/float64(elapsed))
				}
				s.mu.Lock()
				sample := s.memSampler
				s.mu.Unlock()
				if sample != nil {
					meter.TrackMemoryUsage(s.id, sample())
				}
				if metric, over := meter.Exceeded(s.id); over {
					s.log.Warn("resource ceiling breached, terminating", slog.String("metric", metric))
					s.Terminate("resource limit exceeded: " + metric)
					if onKill != nil {
						onKill(metric)
					}
					return
				}
			}
		}
	}()
}
