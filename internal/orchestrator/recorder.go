package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"tradepipeline/internal/models"
)

// StageError ties a stage failure to the outcome it produces.
type StageError struct {
	Stage   string
	Outcome models.Outcome
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Outcome, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// recorder accumulates one cycle's trace. Once sealed every write is dropped, so a
// stage that finishes after the deadline cannot change what was recorded.
type recorder struct {
	id string

	mu        sync.Mutex
	trace     models.CycleTrace
	sealed    bool
	committed bool
	now       func() time.Time
}

func newRecorder(cycleID, symbol, timeframe string, now func() time.Time) *recorder {
	return &recorder{
		id: cycleID,
		trace: models.CycleTrace{
			CycleID:   cycleID,
			Symbol:    symbol,
			Timeframe: timeframe,
			StartedAt: now().UTC(),
		},
		now: now,
	}
}

func (r *recorder) update(fn func(t *models.CycleTrace)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	fn(&r.trace)
}

func (r *recorder) fail(stage string, kind models.Outcome, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	at := r.now().UTC()
	r.update(func(t *models.CycleTrace) {
		t.Errors = append(t.Errors, models.TraceError{Stage: stage, Kind: kind, Message: msg, At: at})
	})
}

// seal fixes the outcome. Only the first call has any effect.
func (r *recorder) seal(outcome models.Outcome) models.CycleTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.sealed = true
		r.trace.Outcome = outcome
		r.trace.EndedAt = r.now().UTC()
	}
	return r.trace
}

// commit marks the order submission point. From then on the deadline no longer seals
// the trace; the cycle's own outcome does. It fails once the trace is sealed.
func (r *recorder) commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.committed = true
	return true
}

// abort records err and seals the trace as ABORTED in one step. It refuses when the
// cycle has committed to a submission.
func (r *recorder) abort(stage string, err error) (models.CycleTrace, bool) {
	at := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed || r.sealed {
		return r.trace, false
	}
	r.trace.Errors = append(r.trace.Errors, models.TraceError{Stage: stage, Kind: models.OutcomeAborted, Message: err.Error(), At: at})
	r.trace.Outcome = models.OutcomeAborted
	r.trace.EndedAt = at
	r.sealed = true
	return r.trace, true
}

func (r *recorder) isSealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}
