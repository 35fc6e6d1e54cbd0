package httpx

import (
	"io"
	"time"

	"github.com/ligustah/dlengine/internal/model"
)

// monitoredBody wraps a response body, pacing reads to honor
// MaxReceiveBytesPerSec (if set) and tripping a low-speed error once
// throughput has sat below LowSpeedLimit for LowSpeedDuration, per spec §5.
// The check runs only when a Read returns bytes; a Read that blocks with no
// data is not interrupted.
type monitoredBody struct {
	body io.ReadCloser
	opts Options

	windowStart time.Time
	windowBytes int64
	paceStart   time.Time
	paceBytes   int64
}

func newMonitoredBody(body io.ReadCloser, opts Options) *monitoredBody {
	now := time.Now()
	return &monitoredBody{
		body:        body,
		opts:        opts,
		windowStart: now,
		paceStart:   now,
	}
}

func (m *monitoredBody) Read(p []byte) (int, error) {
	if m.opts.MaxReceiveBytesPerSec > 0 {
		m.throttle(len(p))
	}

	n, err := m.body.Read(p)
	if n > 0 {
		now := time.Now()
		m.windowBytes += int64(n)
		m.paceBytes += int64(n)

		if m.opts.LowSpeedDuration > 0 {
			if elapsed := now.Sub(m.windowStart); elapsed >= m.opts.LowSpeedDuration {
				rate := float64(m.windowBytes) / elapsed.Seconds()
				if rate < float64(m.opts.LowSpeedLimit) {
					return n, model.NewDownloadError(model.CategoryTimeout, 0, "low-speed transfer aborted", nil)
				}
				m.windowStart = now
				m.windowBytes = 0
			}
		}
	}
	return n, err
}

// throttle sleeps just enough to keep the running average at or below
// MaxReceiveBytesPerSec, using a simple fixed-window pacer.
func (m *monitoredBody) throttle(want int) {
	const window = time.Second
	now := time.Now()
	elapsed := now.Sub(m.paceStart)
	if elapsed >= window {
		m.paceStart = now
		m.paceBytes = 0
		return
	}

	projected := m.paceBytes + int64(want)
	allowed := m.opts.MaxReceiveBytesPerSec
	if allowed <= 0 || projected <= allowed {
		return
	}

	// Sleep off the remainder of this window before allowing more reads.
	time.Sleep(window - elapsed)
	m.paceStart = time.Now()
	m.paceBytes = 0
}

func (m *monitoredBody) Close() error {
	return m.body.Close()
}
