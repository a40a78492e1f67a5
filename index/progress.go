package index

import "time"

// Rebuild phases reported through Progress.
const (
	PhaseIndex   = "index"
	PhaseLoad    = "load"
	PhaseClear   = "clear"
	PhaseRebuild = "rebuild"
)

// Progress is emitted after every rebuild batch.
type Progress struct {
	Index string
	Phase string
	// Completed counts candidates processed so far, including tombstones and
	// objects with empty values. Failed scan batches add nothing.
	Completed int64
	// Total is the candidate count when the source knows it up front, else 0.
	Total   int64
	Indexed int64
	Batch   int
	// Rate is candidates per second since the rebuild started.
	Rate    float64
	Elapsed time.Duration
}

// ProgressFunc receives progress events. It runs on the rebuild goroutine.
type ProgressFunc func(Progress)

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func rate(completed int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(completed) / elapsed.Seconds()
}
