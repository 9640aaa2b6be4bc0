// Package session is the coordination layer: one Session pairs a managed
// notebook with one kernel process, a FIFO execution queue, and the
// last-known synchronized fingerprint. Sessions for different notebooks are
// fully independent; within a session exactly one execution runs at a time,
// because the kernel itself is single-threaded for code execution.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nbpilot/internal/kernel"
	"nbpilot/internal/notebook"
	"nbpilot/internal/sanitize"
)

// Kernel is the slice of a kernel process the session drives.
type Kernel interface {
	Start(ctx context.Context) error
	Execute(id, code string) error
	Describe(id, name string) error
	Interrupt() error
	Stop(ctx context.Context) error
	Messages() <-chan kernel.Message
	Alive() bool
}

// KernelFactory builds a fresh kernel for a working directory and an
// environment descriptor (extra KEY=VALUE entries).
type KernelFactory func(workdir string, env map[string]string) Kernel

// Documents is the document-CRUD collaborator the session consumes.
type Documents interface {
	ReadCells(path string) ([]notebook.Cell, error)
	FindCell(path, ref string) (notebook.Cell, error)
	WriteExecutionResult(path, cellID string, outputs []notebook.Output, execCount int) error
	Fingerprint(path string) ([]notebook.CellPrint, error)
	AssetRefs(path string) (map[string]bool, error)
}

// Config holds per-session knobs.
type Config struct {
	QueueCapacity      int
	RetainedExecutions int
	ShutdownTimeout    time.Duration
}

type task struct {
	exec *Execution
	// Control task fields: restart asks the worker to (re)start the kernel,
	// onlyIfDead turns that into a plain ensure-started.
	restart    bool
	onlyIfDead bool
	done       chan struct{}
	err        error
}

// Session coordinates one notebook document.
type Session struct {
	// Path is the normalized absolute notebook path, the session identity.
	Path string

	dir       string
	cfg       Config
	docs      Documents
	san       *sanitize.Sanitizer
	newKernel KernelFactory
	logger    *zap.Logger

	queue chan *task
	dirty atomic.Bool // disk-change hint from the watcher

	mu          sync.Mutex
	kern        Kernel
	kernGone    chan struct{}
	kernelEnv   map[string]string
	execCounter int
	executions  map[string]*Execution
	order       []string
	fingerprint []notebook.CellPrint
	stopOnError bool
	closed      bool
	describes   map[string]chan kernel.Message

	workerDone chan struct{}
	watcher    *Watcher
}

func newSession(path, dir string, cfg Config, docs Documents, san *sanitize.Sanitizer, factory KernelFactory, logger *zap.Logger) *Session {
	s := &Session{
		Path:       path,
		dir:        dir,
		cfg:        cfg,
		docs:       docs,
		san:        san,
		newKernel:  factory,
		logger:     logger.Named("session").With(zap.String("notebook", path)),
		queue:      make(chan *task, cfg.QueueCapacity),
		executions: make(map[string]*Execution),
		describes:  make(map[string]chan kernel.Message),
		workerDone: make(chan struct{}),
	}
	go s.worker()
	return s
}

// --- submission ---

// Run validates and enqueues one execution, returning its id immediately.
// cellRef may be empty for ad-hoc code; codeOverride may be empty to run
// the cell's current source.
func (s *Session) Run(cellRef, codeOverride string) (string, error) {
	code := codeOverride
	cellID := ""
	if cellRef != "" {
		cell, err := s.docs.FindCell(s.Path, cellRef)
		if err != nil {
			return "", wrapError(KindValidation, err, "unknown cell reference %q", cellRef)
		}
		if cell.Type != "code" {
			return "", newError(KindValidation, "cell %q is a %s cell, not code", cellRef, cell.Type)
		}
		cellID = cell.ID
		if code == "" {
			code = cell.Source
		}
	}
	if code == "" {
		return "", newError(KindValidation, "nothing to execute: empty code and no cell reference")
	}

	ex := newExecution(uuid.New().String(), cellID, code)
	if err := s.enqueue(ex); err != nil {
		return "", err
	}
	return ex.ID, nil
}

func (s *Session) enqueue(ex *Execution) error {
	// The send happens under the session lock so it cannot race the close
	// in Shutdown; the buffered channel makes it non-blocking.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindValidation, "session for %s is shut down", s.Path)
	}
	select {
	case s.queue <- &task{exec: ex}:
		s.executions[ex.ID] = ex
		s.order = append(s.order, ex.ID)
		s.evictLocked()
		return nil
	default:
		return newError(KindValidation, "execution queue is full (%d pending)", s.cfg.QueueCapacity)
	}
}

// evictLocked drops the oldest terminal executions beyond the retention cap.
func (s *Session) evictLocked() {
	excess := len(s.order) - s.cfg.RetainedExecutions
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		ex := s.executions[id]
		if excess > 0 && ex != nil && ex.Status().Terminal() {
			delete(s.executions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Execution returns the tracked execution for id.
func (s *Session) Execution(id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, newError(KindValidation, "unknown execution id %q", id)
	}
	return ex, nil
}

// --- worker: the single queue consumer ---

func (s *Session) worker() {
	defer close(s.workerDone)
	for t := range s.queue {
		if t.exec == nil {
			t.err = s.handleControl(t)
			close(t.done)
			continue
		}
		s.runOne(t.exec)
	}
}

func (s *Session) handleControl(t *task) error {
	if s.isClosed() {
		return newError(KindValidation, "session is shut down")
	}
	if t.onlyIfDead && s.KernelAlive() {
		return nil
	}
	if t.restart {
		s.stopKernelNow()
	}
	return s.ensureKernel()
}

func (s *Session) runOne(ex *Execution) {
	if s.isClosed() {
		ex.tryCancelQueued()
		return
	}
	// Cancelled while waiting in the queue: skip, no side effects occurred.
	if ex.Status() != StatusQueued {
		return
	}
	if err := s.ensureKernel(); err != nil {
		ex.finish(StatusErrored, KindOf(err), err.Error())
		return
	}
	ex.setRunning()

	s.mu.Lock()
	k, gone := s.kern, s.kernGone
	s.mu.Unlock()

	if err := k.Execute(ex.ID, ex.Code); err != nil {
		ex.finish(StatusErrored, KindKernelDeath, fmt.Sprintf("submit to kernel: %v", err))
		return
	}
	// The listener drives the execution to a terminal status; a closed gone
	// channel means the kernel died and the listener already marked it.
	select {
	case <-ex.Done():
	case <-gone:
	}
}

// --- kernel lifecycle (worker-side) ---

// ensureKernel starts a kernel if none is running. A dead kernel restarts
// automatically on next use; a fresh kernel has empty RAM, so the sync
// fingerprint resets with it.
func (s *Session) ensureKernel() error {
	s.mu.Lock()
	if s.kern != nil && s.kern.Alive() {
		s.mu.Unlock()
		return nil
	}
	env := s.kernelEnv
	s.mu.Unlock()

	k := s.newKernel(s.dir, env)
	if err := k.Start(context.Background()); err != nil {
		s.logger.Error("kernel start failed", zap.Error(err))
		return wrapError(KindStartup, err, "start kernel")
	}
	gone := make(chan struct{})
	s.mu.Lock()
	s.kern = k
	s.kernGone = gone
	s.fingerprint = nil
	s.mu.Unlock()
	go s.listen(k, gone)
	return nil
}

// stopKernelNow terminates the current kernel from any goroutine. In-flight
// executions surface as kernel-death errors via the listener; that loss of
// in-progress state is the documented cost of a forced restart.
func (s *Session) stopKernelNow() {
	s.mu.Lock()
	k := s.kern
	s.mu.Unlock()
	if k == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	_ = k.Stop(ctx)
}

// KernelAlive reports whether the session currently has a live kernel.
func (s *Session) KernelAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kern != nil && s.kern.Alive()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// --- listener: routes correlated kernel messages ---

// listen consumes the kernel's multiplexed message channel until it closes,
// routing each message to its execution by correlation id. The channel
// closing is the kernel-death signal.
func (s *Session) listen(k Kernel, gone chan struct{}) {
	for msg := range k.Messages() {
		s.route(msg)
	}
	s.kernelGone(k)
	close(gone)
}

func (s *Session) route(msg kernel.Message) {
	if msg.Type == kernel.MsgDescribe {
		s.mu.Lock()
		waiter := s.describes[msg.Parent]
		delete(s.describes, msg.Parent)
		s.mu.Unlock()
		if waiter != nil {
			waiter <- msg
		}
		return
	}

	s.mu.Lock()
	ex := s.executions[msg.Parent]
	s.mu.Unlock()
	if ex == nil {
		if msg.Parent != "" {
			s.logger.Debug("message for unknown execution", zap.String("parent", msg.Parent))
		}
		return
	}

	switch msg.Type {
	case kernel.MsgStream:
		ex.append(s.san.Sanitize(s.Path, sanitize.Item{
			Kind: sanitize.KindStream, StreamName: msg.Name, Text: msg.Text,
		}))
	case kernel.MsgDisplayData:
		ex.append(s.san.Sanitize(s.Path, sanitize.Item{
			Kind: sanitize.KindDisplay, Data: msg.Data,
		}))
	case kernel.MsgExecuteResult:
		ex.append(s.san.Sanitize(s.Path, sanitize.Item{
			Kind: sanitize.KindResult, Data: msg.Data,
		}))
	case kernel.MsgError:
		ex.append(s.san.Sanitize(s.Path, sanitize.Item{
			Kind: sanitize.KindError, Ename: msg.Ename, Evalue: msg.Evalue, Traceback: msg.Traceback,
		}))
		ex.setPendingError(msg.Ename, msg.Evalue)
	case kernel.MsgStatus:
		if msg.State == kernel.StateIdle {
			s.completeExecution(ex)
		}
	}
}

// completeExecution resolves the terminal status once the kernel reports
// idle for this correlation id, then writes results back to the notebook
// and refreshes the sync fingerprint.
func (s *Session) completeExecution(ex *Execution) {
	if pend := ex.takePendingError(); pend != nil {
		if ex.interruptRequested() && pend.ename == "KeyboardInterrupt" {
			ex.finish(StatusCancelled, "", "interrupted")
		} else {
			// Cancel queued work before the terminal transition: finishing
			// unblocks the worker, which would otherwise race into the next
			// queued execution.
			if s.stopOnErrorEnabled() {
				s.cancelQueued()
			}
			ex.finish(StatusErrored, KindExecution, fmt.Sprintf("%s: %s", pend.ename, pend.evalue))
		}
	} else {
		ex.finish(StatusCompleted, "", "")
	}
	s.writeBack(ex)
}

func (s *Session) writeBack(ex *Execution) {
	if ex.CellID == "" {
		return // ad-hoc code leaves the document untouched
	}
	s.mu.Lock()
	s.execCounter++
	count := s.execCounter
	s.mu.Unlock()

	snap := ex.Snapshot()
	if err := s.docs.WriteExecutionResult(s.Path, ex.CellID, toNotebookOutputs(snap.Outputs), count); err != nil {
		s.logger.Warn("notebook write-back failed", zap.String("cell", ex.CellID), zap.Error(err))
		return
	}
	fp, err := s.docs.Fingerprint(s.Path)
	if err != nil {
		s.logger.Warn("fingerprint refresh failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
	// Our own write just hit the watcher; the refreshed fingerprint already
	// accounts for it.
	s.dirty.Store(false)
}

func toNotebookOutputs(outputs []sanitize.Output) []notebook.Output {
	converted := make([]notebook.Output, 0, len(outputs))
	for _, o := range outputs {
		switch o.Kind {
		case sanitize.KindStream:
			converted = append(converted, notebook.Output{
				OutputType: "stream", StreamName: o.StreamName, Text: o.Text,
			})
		case sanitize.KindResult:
			converted = append(converted, notebook.Output{
				OutputType: "execute_result", Data: outputData(o),
			})
		case sanitize.KindDisplay:
			converted = append(converted, notebook.Output{
				OutputType: "display_data", Data: outputData(o),
			})
		case sanitize.KindError:
			converted = append(converted, notebook.Output{
				OutputType: "error", Ename: o.Ename, Evalue: o.Evalue,
				Traceback: []string{o.Text},
			})
		}
	}
	return converted
}

func outputData(o sanitize.Output) map[string]string {
	mime := o.Mime
	if mime == "" {
		mime = "text/plain"
	}
	return map[string]string{mime: o.Text}
}

// kernelGone clears the dead kernel and fails whatever was in flight.
func (s *Session) kernelGone(k Kernel) {
	s.mu.Lock()
	if s.kern == k {
		s.kern = nil
	}
	var inflight []*Execution
	for _, id := range s.order {
		if ex := s.executions[id]; ex != nil && ex.Status() == StatusRunning {
			inflight = append(inflight, ex)
		}
	}
	s.mu.Unlock()
	for _, ex := range inflight {
		ex.finish(StatusErrored, KindKernelDeath, "kernel process died during execution")
		s.logger.Warn("execution lost to kernel death", zap.String("execution", ex.ID))
	}
}

func (s *Session) stopOnErrorEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopOnError
}

// SetStopOnError flips the session policy of cancelling queued work after
// an errored execution.
func (s *Session) SetStopOnError(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopOnError = v
}

// cancelQueued deterministically cancels every not-yet-started execution.
func (s *Session) cancelQueued() {
	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	execs := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		if ex := s.executions[id]; ex != nil {
			execs = append(execs, ex)
		}
	}
	s.mu.Unlock()
	for _, ex := range execs {
		ex.tryCancelQueued()
	}
}

// --- caller-facing control ---

// Interrupt cancels a queued execution deterministically, or delivers a
// best-effort interrupt to the kernel for a running one. Already-terminal
// executions are left alone.
func (s *Session) Interrupt(execID string) (Status, error) {
	ex, err := s.Execution(execID)
	if err != nil {
		return "", err
	}
	if ex.tryCancelQueued() {
		return StatusCancelled, nil
	}
	if ex.Status() == StatusRunning {
		ex.requestInterrupt()
		s.mu.Lock()
		k := s.kern
		s.mu.Unlock()
		if k != nil {
			if err := k.Interrupt(); err != nil {
				s.logger.Warn("interrupt delivery failed", zap.Error(err))
			}
		}
	}
	return ex.Status(), nil
}

// StartKernel ensures a kernel is running, applying the environment
// descriptor to the next launch. Startup failures surface immediately.
func (s *Session) StartKernel(ctx context.Context, env map[string]string) error {
	if len(env) > 0 {
		s.mu.Lock()
		s.kernelEnv = env
		s.mu.Unlock()
	}
	return s.control(ctx, &task{restart: true, onlyIfDead: true, done: make(chan struct{})})
}

// Restart force-stops the kernel (losing in-progress state) and brings up a
// fresh one.
func (s *Session) Restart(ctx context.Context) error {
	s.stopKernelNow()
	return s.control(ctx, &task{restart: true, done: make(chan struct{})})
}

func (s *Session) control(ctx context.Context, t *task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(KindValidation, "session for %s is shut down", s.Path)
	}
	select {
	case s.queue <- t:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return newError(KindValidation, "execution queue is full")
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Describe asks the kernel for a bounded type/shape/length description of a
// variable. It runs inside the kernel under its allow-list; the server never
// formats arbitrary objects itself.
func (s *Session) Describe(ctx context.Context, name string) (map[string]string, error) {
	s.mu.Lock()
	k := s.kern
	if k == nil || !k.Alive() {
		s.mu.Unlock()
		return nil, newError(KindValidation, "no running kernel for %s", s.Path)
	}
	id := uuid.New().String()
	waiter := make(chan kernel.Message, 1)
	s.describes[id] = waiter
	s.mu.Unlock()

	if err := k.Describe(id, name); err != nil {
		s.mu.Lock()
		delete(s.describes, id)
		s.mu.Unlock()
		return nil, wrapError(KindKernelDeath, err, "describe %q", name)
	}
	select {
	case msg := <-waiter:
		return msg.Data, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.describes, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting work, cancels queued executions, stops the
// kernel within the graceful bound, and releases execution records.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelQueued()
	if s.watcher != nil {
		s.watcher.Close()
	}

	s.mu.Lock()
	k := s.kern
	s.mu.Unlock()
	if k != nil {
		stopCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			stopCtx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		_ = k.Stop(stopCtx)
	}

	s.mu.Lock()
	close(s.queue)
	s.mu.Unlock()
	select {
	case <-s.workerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.executions = make(map[string]*Execution)
	s.order = nil
	s.mu.Unlock()
	s.logger.Info("session shut down")
	return nil
}
