package worker

import (
	"sync"
	"time"

	"github.com/ligustah/dlengine/internal/model"
)

// speedSample is one (timestamp, bytes) observation fed to speedMeter.
type speedSample struct {
	at    time.Time
	bytes int64
}

// speedMeter maintains a sliding window of byte samples spanning
// model.SpeedSmoothingWindow and reports the current throughput, per spec
// §4.2 ("Throughput measurement").
type speedMeter struct {
	mu      sync.Mutex
	samples []speedSample
	total   int64
}

func (m *speedMeter) record(n int64, now time.Time) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, speedSample{at: now, bytes: n})
	m.total += n

	cutoff := now.Add(-model.SpeedSmoothingWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		m.total -= m.samples[i].bytes
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
}

// current returns bytes/sec summed over the window divided by elapsed
// window time. With no samples in the window it reports 0.
func (m *speedMeter) current(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return 0
	}
	elapsed := now.Sub(m.samples[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.total) / elapsed
}
