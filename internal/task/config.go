package task

import (
	"time"

	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/worker"
)

// Config carries the knobs a Task needs from the manager/CLI configuration
// layer, mirroring the cadence constants in spec §4.1/§4.3/§4.5.
type Config struct {
	// MaxWorkers bounds the worker pool for a single task (the "pool_limit"
	// of spec §4.3's Start algorithm).
	MaxWorkers int

	// RequestedSegments, if > 0, overrides the scheduler's optimal segment
	// count computation. 0 means "let the scheduler decide".
	RequestedSegments int

	ProgressUpdateInterval     time.Duration
	RebalanceInterval          time.Duration
	PersistenceCheckpointBytes int64

	// RetryPolicy bounds and paces the per-segment retry loop every worker
	// of this task runs (spec §4.2 step 9, §7). It is the sole retry
	// mechanism in the download path; internal/httpx makes one attempt per
	// call and leaves retrying to the worker.
	RetryPolicy worker.RetryPolicy
}

// DefaultConfig returns the spec's default cadence, per §4.1/§4.3.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:                 model.MaxSegments,
		ProgressUpdateInterval:     model.ProgressUpdateInterval,
		RebalanceInterval:          model.RebalanceInterval,
		PersistenceCheckpointBytes: model.PersistenceCheckpointBytes,
		RetryPolicy:                worker.DefaultRetryPolicy(),
	}
}
