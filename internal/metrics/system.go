package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SampleSystem periodically refreshes the process-level gauges until ctx is
// cancelled. CPU usage is smoothed with an exponential moving average to
// avoid spiky single-sample readings.
func (r *Registry) SampleSystem(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var smoothed float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				if smoothed == 0 {
					smoothed = percents[0]
				} else {
					const alpha = 0.3
					smoothed = alpha*percents[0] + (1-alpha)*smoothed
				}
				r.System.CPUPercent.Set(smoothed)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			r.System.HeapAllocMB.Set(float64(mem.HeapAlloc) / 1024 / 1024)
			r.System.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
