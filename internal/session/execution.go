package session

import (
	"sync"
	"time"

	"nbpilot/internal/sanitize"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions or fragments are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusCancelled
}

// Execution tracks one code run from submission to terminal status. Only
// the queue worker and the message listener mutate it, serialized by the
// queue's single-consumer discipline.
type Execution struct {
	ID        string
	CellID    string // empty for ad-hoc code
	Code      string
	Submitted time.Time

	mu        sync.Mutex
	status    Status
	outputs   []sanitize.Output
	errKind   Kind
	errMsg    string
	pendErr   *pendingError // error message seen, terminal status pending idle
	interrupt bool

	done chan struct{}
}

type pendingError struct {
	ename  string
	evalue string
}

// Snapshot is the caller-visible view of an execution.
type Snapshot struct {
	ID           string            `json:"execution_id"`
	CellID       string            `json:"cell_id,omitempty"`
	Status       Status            `json:"status"`
	Submitted    time.Time         `json:"submitted"`
	Outputs      []sanitize.Output `json:"outputs"`
	ErrorKind    Kind              `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

func newExecution(id, cellID, code string) *Execution {
	return &Execution{
		ID:        id,
		CellID:    cellID,
		Code:      code,
		Submitted: time.Now(),
		status:    StatusQueued,
		done:      make(chan struct{}),
	}
}

// Done is closed when the execution reaches a terminal status.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Status returns the current lifecycle state.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot copies the full caller-visible state.
func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	outputs := make([]sanitize.Output, len(e.outputs))
	copy(outputs, e.outputs)
	return Snapshot{
		ID:           e.ID,
		CellID:       e.CellID,
		Status:       e.status,
		Submitted:    e.Submitted,
		Outputs:      outputs,
		ErrorKind:    e.errKind,
		ErrorMessage: e.errMsg,
	}
}

// StreamSince returns the fragments appended at or after cursor, plus the
// next cursor. Fragments never reorder or disappear, so repeated polls see
// a prefix-consistent, strictly growing sequence.
func (e *Execution) StreamSince(cursor int) ([]sanitize.Output, int, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(e.outputs) {
		cursor = len(e.outputs)
	}
	chunk := make([]sanitize.Output, len(e.outputs)-cursor)
	copy(chunk, e.outputs[cursor:])
	return chunk, len(e.outputs), e.status
}

func (e *Execution) setRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusQueued {
		return false
	}
	e.status = StatusRunning
	return true
}

// append stores one sanitized fragment. Fragments arriving after a terminal
// status are dropped; the terminal transition is the fence.
func (e *Execution) append(out sanitize.Output) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return
	}
	e.outputs = append(e.outputs, out)
}

func (e *Execution) setPendingError(ename, evalue string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendErr == nil {
		e.pendErr = &pendingError{ename: ename, evalue: evalue}
	}
}

func (e *Execution) takePendingError() *pendingError {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pendErr
	e.pendErr = nil
	return p
}

func (e *Execution) requestInterrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupt = true
}

func (e *Execution) interruptRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupt
}

// finish moves the execution to a terminal status. The first terminal
// transition wins; later calls are no-ops.
func (e *Execution) finish(status Status, kind Kind, msg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return false
	}
	e.status = status
	e.errKind = kind
	e.errMsg = msg
	close(e.done)
	return true
}

// tryCancelQueued cancels the execution if it has not started. Deterministic:
// a queued execution has had no side effects.
func (e *Execution) tryCancelQueued() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusQueued {
		return false
	}
	e.status = StatusCancelled
	close(e.done)
	return true
}
