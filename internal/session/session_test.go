package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"nbpilot/internal/assets"
	"nbpilot/internal/kernel"
	"nbpilot/internal/notebook"
	"nbpilot/internal/sanitize"
	"nbpilot/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeKernel is an in-memory stand-in for a kernel shim process. Execute
// answers on the message channel the way the real shim would; knobs select
// failure, hang and death behaviors per code snippet.
type fakeKernel struct {
	// Knobs, set before Start.
	gate   chan struct{} // when non-nil, each execution waits for one token
	failOn string        // code containing this raises NameError
	dieOn  string        // code containing this kills the kernel mid-run
	hangOn string        // code containing this blocks until interrupted

	env map[string]string

	mu         sync.Mutex
	alive      bool
	msgs       chan kernel.Message
	stopped    chan struct{}
	interrupts chan struct{}
	executed   []string
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		msgs:       make(chan kernel.Message, 256),
		stopped:    make(chan struct{}),
		interrupts: make(chan struct{}, 8),
	}
}

func (f *fakeKernel) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = true
	return nil
}

func (f *fakeKernel) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeKernel) Messages() <-chan kernel.Message { return f.msgs }

func (f *fakeKernel) emit(m kernel.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return
	}
	f.msgs <- m
}

func (f *fakeKernel) die() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return
	}
	f.alive = false
	close(f.msgs)
	close(f.stopped)
}

func (f *fakeKernel) Stop(ctx context.Context) error {
	f.die()
	return nil
}

func (f *fakeKernel) Interrupt() error {
	select {
	case f.interrupts <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeKernel) Execute(id, code string) error {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return kernel.ErrNotRunning
	}
	f.executed = append(f.executed, code)
	f.mu.Unlock()
	go f.run(id, code)
	return nil
}

func (f *fakeKernel) run(id, code string) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.stopped:
			return
		}
	}
	switch {
	case f.dieOn != "" && strings.Contains(code, f.dieOn):
		f.die()
	case f.hangOn != "" && strings.Contains(code, f.hangOn):
		select {
		case <-f.interrupts:
			f.emit(kernel.Message{Parent: id, Type: kernel.MsgError, Ename: "KeyboardInterrupt"})
			f.emit(kernel.Message{Parent: id, Type: kernel.MsgStatus, State: kernel.StateIdle})
		case <-f.stopped:
		}
	case f.failOn != "" && strings.Contains(code, f.failOn):
		f.emit(kernel.Message{
			Parent: id, Type: kernel.MsgError,
			Ename: "NameError", Evalue: "name 'boom' is not defined",
			Traceback: []string{"Traceback (most recent call last):", "NameError: name 'boom' is not defined"},
		})
		f.emit(kernel.Message{Parent: id, Type: kernel.MsgStatus, State: kernel.StateIdle})
	default:
		f.emit(kernel.Message{Parent: id, Type: kernel.MsgStream, Name: "stdout", Text: "ran:" + code + "\n"})
		f.emit(kernel.Message{Parent: id, Type: kernel.MsgExecuteResult, Data: map[string]string{"text/plain": "ok"}})
		f.emit(kernel.Message{Parent: id, Type: kernel.MsgStatus, State: kernel.StateIdle})
	}
}

func (f *fakeKernel) Describe(id, name string) error {
	f.mu.Lock()
	alive := f.alive
	f.mu.Unlock()
	if !alive {
		return kernel.ErrNotRunning
	}
	go f.emit(kernel.Message{
		Parent: id, Type: kernel.MsgDescribe,
		Data: map[string]string{"name": name, "type": "int", "repr": "1"},
	})
	return nil
}

func (f *fakeKernel) executedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// kernelLab tracks every kernel the factory hands out so tests can observe
// restarts.
type kernelLab struct {
	mu      sync.Mutex
	setup   func(*fakeKernel)
	kernels []*fakeKernel
}

func (l *kernelLab) factory(dir string, env map[string]string) session.Kernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := newFakeKernel()
	f.env = env
	if l.setup != nil {
		l.setup(f)
	}
	l.kernels = append(l.kernels, f)
	return f
}

func (l *kernelLab) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.kernels)
}

func (l *kernelLab) kernel(i int) *fakeKernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kernels[i]
}

// testRig is a manager over a real temp notebook, with fake kernels.
type testRig struct {
	mgr  *session.Manager
	lab  *kernelLab
	path string
}

func newRig(t *testing.T, setup func(*fakeKernel)) *testRig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scratch.ipynb")
	writeNotebook(t, path)

	lab := &kernelLab{setup: setup}
	store := assets.NewStore(filepath.Join(dir, "assets"), zap.NewNop())
	san := sanitize.New(sanitize.Limits{InlineBytes: 2048, TableMaxRows: 20, TableMaxCols: 10}, store, zap.NewNop())
	cfg := session.Config{QueueCapacity: 10, RetainedExecutions: 50, ShutdownTimeout: 2 * time.Second}
	mgr := session.NewManager(cfg, notebook.NewFiles(), store, san, lab.factory, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.ShutdownAll(ctx)
	})
	return &testRig{mgr: mgr, lab: lab, path: path}
}

func writeNotebook(t *testing.T, path string) {
	t.Helper()
	nb := map[string]any{
		"cells": []map[string]any{
			{"cell_type": "code", "id": "cell-a", "metadata": map[string]any{}, "outputs": []any{}, "execution_count": nil, "source": "x = 1"},
			{"cell_type": "markdown", "id": "cell-m", "metadata": map[string]any{}, "source": "# notes"},
			{"cell_type": "code", "id": "cell-b", "metadata": map[string]any{}, "outputs": []any{}, "execution_count": nil, "source": "x + 1"},
			{"cell_type": "code", "id": "cell-c", "metadata": map[string]any{}, "outputs": []any{}, "execution_count": nil, "source": "x + 2"},
		},
		"metadata":       map[string]any{},
		"nbformat":       4,
		"nbformat_minor": 5,
	}
	data, err := json.Marshal(nb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func waitDone(t *testing.T, s *session.Session, execID string) session.Snapshot {
	t.Helper()
	ex, err := s.Execution(execID)
	require.NoError(t, err)
	select {
	case <-ex.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("execution %s did not finish (status %s)", execID, ex.Status())
	}
	return ex.Snapshot()
}

func waitStatus(t *testing.T, s *session.Session, execID string, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		ex, err := s.Execution(execID)
		return err == nil && ex.Status() == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunCompletesAndWritesBack(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("cell-a", "")
	require.NoError(t, err)
	snap := waitDone(t, s, id)

	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, "cell-a", snap.CellID)
	require.Len(t, snap.Outputs, 2)
	assert.Equal(t, "ran:x = 1\n", snap.Outputs[0].Text)
	assert.Equal(t, "ok", snap.Outputs[1].Text)

	// The result landed in the notebook file.
	cells, err := notebook.NewFiles().ReadCells(rig.path)
	require.NoError(t, err)
	require.NotNil(t, cells[0].ExecutionCount)
	assert.Equal(t, 1, *cells[0].ExecutionCount)

	// With the write-back fingerprinted, kernel and disk agree.
	require.Eventually(t, func() bool { return !s.DetectSyncNeeded() }, 2*time.Second, 10*time.Millisecond)
}

func TestRunAdHocCodeLeavesNotebookAlone(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	before, err := os.ReadFile(rig.path)
	require.NoError(t, err)

	id, err := s.Run("", "1 + 1")
	require.NoError(t, err)
	snap := waitDone(t, s, id)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Empty(t, snap.CellID)

	after, err := os.ReadFile(rig.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunValidation(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	_, err = s.Run("no-such-cell", "")
	require.Error(t, err)
	assert.Equal(t, session.KindValidation, session.KindOf(err))

	_, err = s.Run("cell-m", "")
	require.Error(t, err, "markdown cells are not executable")
	assert.Equal(t, session.KindValidation, session.KindOf(err))

	_, err = s.Run("", "")
	require.Error(t, err)

	assert.Zero(t, rig.lab.count(), "validation failures never spawn a kernel")
}

func TestFIFOOrder(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	var ids []string
	for _, ref := range []string{"cell-a", "cell-b", "cell-c"} {
		id, err := s.Run(ref, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		snap := waitDone(t, s, id)
		assert.Equal(t, session.StatusCompleted, snap.Status)
	}

	require.Equal(t, 1, rig.lab.count())
	assert.Equal(t, []string{"x = 1", "x + 1", "x + 2"}, rig.lab.kernel(0).executedCodes(),
		"executions run in submission order, one at a time")
}

func TestStreamCursor(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("cell-a", "")
	require.NoError(t, err)
	waitDone(t, s, id)

	outputs, next, status, err := rig.mgr.Stream(rig.path, id, 0)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, status)
	require.Len(t, outputs, 2)
	assert.Equal(t, 2, next)

	// Polling again from the cursor yields nothing new, never a repeat.
	outputs, next2, _, err := rig.mgr.Stream(rig.path, id, next)
	require.NoError(t, err)
	assert.Empty(t, outputs)
	assert.Equal(t, next, next2)

	// A stale (too-small) cursor re-reads a consistent prefix.
	outputs, _, _, err = rig.mgr.Stream(rig.path, id, 1)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "ok", outputs[0].Text)

	_, _, _, err = rig.mgr.Stream(rig.path, "bogus-id", 0)
	assert.Error(t, err)
}

func TestErroredExecution(t *testing.T) {
	rig := newRig(t, func(f *fakeKernel) { f.failOn = "boom" })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("", "boom")
	require.NoError(t, err)
	snap := waitDone(t, s, id)

	assert.Equal(t, session.StatusErrored, snap.Status)
	assert.Equal(t, session.KindExecution, snap.ErrorKind)
	assert.Contains(t, snap.ErrorMessage, "NameError")
	require.NotEmpty(t, snap.Outputs)
	assert.Equal(t, sanitize.KindError, snap.Outputs[0].Kind)

	// An errored execution does not poison the session.
	id2, err := s.Run("cell-a", "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, waitDone(t, s, id2).Status)
}

func TestStopOnErrorCancelsQueued(t *testing.T) {
	gate := make(chan struct{}, 4)
	rig := newRig(t, func(f *fakeKernel) {
		f.failOn = "boom"
		f.gate = gate
	})
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	s.SetStopOnError(true)

	bad, err := s.Run("", "boom")
	require.NoError(t, err)
	waitStatus(t, s, bad, session.StatusRunning)
	q1, err := s.Run("cell-b", "")
	require.NoError(t, err)
	q2, err := s.Run("cell-c", "")
	require.NoError(t, err)

	gate <- struct{}{}
	assert.Equal(t, session.StatusErrored, waitDone(t, s, bad).Status)
	assert.Equal(t, session.StatusCancelled, waitDone(t, s, q1).Status)
	assert.Equal(t, session.StatusCancelled, waitDone(t, s, q2).Status)

	// Only the failing execution ever reached the kernel.
	assert.Equal(t, []string{"boom"}, rig.lab.kernel(0).executedCodes())
}

func TestInterruptQueued(t *testing.T) {
	gate := make(chan struct{}, 4)
	rig := newRig(t, func(f *fakeKernel) { f.gate = gate })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	first, err := s.Run("cell-a", "")
	require.NoError(t, err)
	waitStatus(t, s, first, session.StatusRunning)
	queued, err := s.Run("cell-b", "")
	require.NoError(t, err)

	status, err := s.Interrupt(queued)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, status, "cancelling queued work is deterministic")

	gate <- struct{}{}
	assert.Equal(t, session.StatusCompleted, waitDone(t, s, first).Status)
	assert.Equal(t, session.StatusCancelled, waitDone(t, s, queued).Status)
	assert.Equal(t, []string{"x = 1"}, rig.lab.kernel(0).executedCodes())
}

func TestInterruptRunning(t *testing.T) {
	rig := newRig(t, func(f *fakeKernel) { f.hangOn = "while True" })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("", "while True: pass")
	require.NoError(t, err)
	waitStatus(t, s, id, session.StatusRunning)

	_, err = s.Interrupt(id)
	require.NoError(t, err)

	snap := waitDone(t, s, id)
	assert.Equal(t, session.StatusCancelled, snap.Status,
		"a requested interrupt answered by KeyboardInterrupt is a cancellation, not an error")
}

func TestInterruptUnknownExecution(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	_, err = s.Interrupt("nope")
	assert.Error(t, err)
}

func TestKernelDeathFailsInFlightAndAutoRestarts(t *testing.T) {
	rig := newRig(t, func(f *fakeKernel) { f.dieOn = "segfault" })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("", "segfault()")
	require.NoError(t, err)
	snap := waitDone(t, s, id)
	assert.Equal(t, session.StatusErrored, snap.Status)
	assert.Equal(t, session.KindKernelDeath, snap.ErrorKind)

	// The next execution gets a fresh kernel without any explicit restart.
	id2, err := s.Run("cell-a", "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, waitDone(t, s, id2).Status)
	assert.Equal(t, 2, rig.lab.count())

	// The fresh kernel has empty RAM, so the session reports stale until
	// state is rebuilt... except cell-a just ran, so disk agrees again after
	// its write-back fingerprint refresh settles.
	require.Eventually(t, func() bool { return s.KernelAlive() }, 2*time.Second, 10*time.Millisecond)
}

func TestRestartPreemptsHungExecution(t *testing.T) {
	rig := newRig(t, func(f *fakeKernel) { f.hangOn = "hang" })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("", "hang()")
	require.NoError(t, err)
	waitStatus(t, s, id, session.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Restart(ctx))

	snap := waitDone(t, s, id)
	assert.Equal(t, session.StatusErrored, snap.Status)
	assert.Equal(t, session.KindKernelDeath, snap.ErrorKind)
	assert.Equal(t, 2, rig.lab.count())
	assert.True(t, s.KernelAlive())
}

func TestStartKernelIsIdempotentAndCarriesEnv(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StartKernel(ctx, map[string]string{"interpreter": "/opt/py/bin/python"}))
	require.NoError(t, s.StartKernel(ctx, nil), "second start is a no-op on a live kernel")

	assert.Equal(t, 1, rig.lab.count())
	assert.Equal(t, "/opt/py/bin/python", rig.lab.kernel(0).env["interpreter"])
}

func TestDescribeVariable(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.Describe(ctx, "x")
	require.Error(t, err, "describe needs a live kernel")

	require.NoError(t, s.StartKernel(ctx, nil))
	desc, err := s.Describe(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "int", desc["type"])
	assert.Equal(t, "x", desc["name"])
}

func TestSyncAutoIsNoopWhenFresh(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("cell-a", "")
	require.NoError(t, err)
	waitDone(t, s, id)
	require.Eventually(t, func() bool { return !s.DetectSyncNeeded() }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	replayed, err := s.SyncFromDisk(ctx, session.SyncAuto)
	require.NoError(t, err)
	assert.Zero(t, replayed)
	assert.Equal(t, 1, rig.lab.count(), "an in-sync session is not restarted")
}

func TestSyncReplaysAfterExternalEdit(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	for _, ref := range []string{"cell-a", "cell-b"} {
		id, err := s.Run(ref, "")
		require.NoError(t, err)
		waitDone(t, s, id)
	}

	// Another process edits an executed cell on disk.
	editCellSource(t, rig.path, "cell-a", "x = 42")
	require.Eventually(t, func() bool { return s.DetectSyncNeeded() }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replayed, err := s.SyncFromDisk(ctx, session.SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	require.Equal(t, 2, rig.lab.count(), "sync restarts before replaying")
	assert.Equal(t, []string{"x = 42", "x + 1"}, rig.lab.kernel(1).executedCodes(),
		"replay follows document order with the edited source")
	require.Eventually(t, func() bool { return !s.DetectSyncNeeded() }, 2*time.Second, 10*time.Millisecond)
}

func TestSyncFullAlwaysReplays(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	id, err := s.Run("cell-a", "")
	require.NoError(t, err)
	waitDone(t, s, id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replayed, err := s.SyncFromDisk(ctx, session.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, 2, rig.lab.count())
}

func TestSyncReplayFailureIsAConflict(t *testing.T) {
	rig := newRig(t, func(f *fakeKernel) { f.failOn = "x = 42" })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	for _, ref := range []string{"cell-a", "cell-b"} {
		id, err := s.Run(ref, "")
		require.NoError(t, err)
		require.Equal(t, session.StatusCompleted, waitDone(t, s, id).Status)
	}
	editCellSource(t, rig.path, "cell-a", "x = 42")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	completed, err := s.SyncFromDisk(ctx, session.SyncAuto)
	require.Error(t, err)
	assert.Equal(t, session.KindSyncConflict, session.KindOf(err))
	assert.Zero(t, completed)

	// The cell behind the failed one was not built on the broken prefix.
	assert.Equal(t, []string{"x = 42"}, rig.lab.kernel(1).executedCodes())
}

func TestSyncReplaysMoreCellsThanQueueHolds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.ipynb")
	cells := make([]map[string]any, 0, 9)
	for i := 0; i < 9; i++ {
		cells = append(cells, map[string]any{
			"cell_type":       "code",
			"id":              fmt.Sprintf("cell-%d", i),
			"metadata":        map[string]any{},
			"outputs":         []any{},
			"execution_count": i + 1,
			"source":          fmt.Sprintf("step_%d = %d", i, i),
		})
	}
	nb := map[string]any{"cells": cells, "metadata": map[string]any{}, "nbformat": 4, "nbformat_minor": 5}
	data, err := json.Marshal(nb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lab := &kernelLab{}
	store := assets.NewStore(filepath.Join(dir, "assets"), zap.NewNop())
	san := sanitize.New(sanitize.Limits{InlineBytes: 2048, TableMaxRows: 20, TableMaxCols: 10}, store, zap.NewNop())
	cfg := session.Config{QueueCapacity: 4, RetainedExecutions: 50, ShutdownTimeout: 2 * time.Second}
	mgr := session.NewManager(cfg, notebook.NewFiles(), store, san, lab.factory, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.ShutdownAll(ctx)
	})

	s, err := mgr.GetOrCreate(path)
	require.NoError(t, err)

	// Nine executed cells against a queue of four: the replay must not
	// depend on all of them fitting in the queue at once.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replayed, err := s.SyncFromDisk(ctx, session.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, 9, replayed)
	require.Equal(t, 1, lab.count())
	assert.Len(t, lab.kernel(0).executedCodes(), 9)
}

func TestSyncRejectsUnknownMode(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	_, err = s.SyncFromDisk(context.Background(), "yolo")
	require.Error(t, err)
	assert.Equal(t, session.KindValidation, session.KindOf(err))
}

func TestQueueCapacity(t *testing.T) {
	gate := make(chan struct{}, 8)
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.ipynb")
	writeNotebook(t, path)

	lab := &kernelLab{setup: func(f *fakeKernel) { f.gate = gate }}
	store := assets.NewStore(filepath.Join(dir, "assets"), zap.NewNop())
	san := sanitize.New(sanitize.Limits{InlineBytes: 2048, TableMaxRows: 20, TableMaxCols: 10}, store, zap.NewNop())
	cfg := session.Config{QueueCapacity: 1, RetainedExecutions: 50, ShutdownTimeout: 2 * time.Second}
	mgr := session.NewManager(cfg, notebook.NewFiles(), store, san, lab.factory, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.ShutdownAll(ctx)
	})

	s, err := mgr.GetOrCreate(path)
	require.NoError(t, err)

	running, err := s.Run("", "first")
	require.NoError(t, err)
	waitStatus(t, s, running, session.StatusRunning)
	_, err = s.Run("", "second")
	require.NoError(t, err)

	_, err = s.Run("", "third")
	require.Error(t, err, "a full queue rejects instead of blocking")
	assert.Equal(t, session.KindValidation, session.KindOf(err))

	gate <- struct{}{}
	gate <- struct{}{}
	waitDone(t, s, running)
}

func TestExecutionRetention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retain.ipynb")
	writeNotebook(t, path)

	lab := &kernelLab{}
	store := assets.NewStore(filepath.Join(dir, "assets"), zap.NewNop())
	san := sanitize.New(sanitize.Limits{InlineBytes: 2048, TableMaxRows: 20, TableMaxCols: 10}, store, zap.NewNop())
	cfg := session.Config{QueueCapacity: 10, RetainedExecutions: 2, ShutdownTimeout: 2 * time.Second}
	mgr := session.NewManager(cfg, notebook.NewFiles(), store, san, lab.factory, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.ShutdownAll(ctx)
	})

	s, err := mgr.GetOrCreate(path)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Run("", fmt.Sprintf("n = %d", i))
		require.NoError(t, err)
		waitDone(t, s, id)
		ids = append(ids, id)
	}

	_, err = s.Execution(ids[0])
	assert.Error(t, err, "the oldest terminal record is evicted")
	_, err = s.Execution(ids[2])
	assert.NoError(t, err)
}

func TestManagerOneSessionPerPath(t *testing.T) {
	rig := newRig(t, nil)

	s1, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	relative := rig.path // same file through a messier spelling
	s2, err := rig.mgr.GetOrCreate(filepath.Join(filepath.Dir(relative), ".", filepath.Base(relative)))
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	var wg sync.WaitGroup
	got := make([]*session.Session, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := rig.mgr.GetOrCreate(rig.path)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, s1, s)
	}
}

func TestManagerValidatesPath(t *testing.T) {
	rig := newRig(t, nil)

	_, err := rig.mgr.GetOrCreate("")
	assert.Error(t, err)
	_, err = rig.mgr.GetOrCreate(filepath.Join(filepath.Dir(rig.path), "missing.ipynb"))
	assert.Error(t, err)
	_, err = rig.mgr.GetOrCreate(filepath.Dir(rig.path))
	assert.Error(t, err, "directories are not notebooks")

	_, err = rig.mgr.Get(rig.path)
	assert.Error(t, err, "Get never creates")
}

func TestManagerList(t *testing.T) {
	rig := newRig(t, nil)
	assert.Empty(t, rig.mgr.List())

	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	id, err := s.Run("cell-a", "")
	require.NoError(t, err)
	waitDone(t, s, id)

	infos := rig.mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, s.Path, infos[0].Path)
	assert.True(t, infos[0].KernelAlive)
	assert.Equal(t, 1, infos[0].Executions)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	id, err := s.Run("cell-a", "")
	require.NoError(t, err)
	waitDone(t, s, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.mgr.Shutdown(ctx, rig.path))

	assert.False(t, rig.lab.kernel(0).Alive(), "shutdown stops the kernel")
	_, err = s.Run("cell-b", "")
	assert.Error(t, err)
	_, err = rig.mgr.Get(rig.path)
	assert.Error(t, err, "the manager forgets shut-down sessions")

	// A new session for the same path starts clean.
	s2, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}

func TestShutdownCancelsQueued(t *testing.T) {
	gate := make(chan struct{}, 4)
	rig := newRig(t, func(f *fakeKernel) { f.gate = gate })
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)

	running, err := s.Run("", "first")
	require.NoError(t, err)
	waitStatus(t, s, running, session.StatusRunning)
	queued, err := s.Run("", "second")
	require.NoError(t, err)
	qex, err := s.Execution(queued)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.mgr.Shutdown(ctx, rig.path))
	assert.Equal(t, session.StatusCancelled, qex.Status())
}

func TestWatcherFlagsExternalWrite(t *testing.T) {
	rig := newRig(t, nil)
	s, err := rig.mgr.GetOrCreate(rig.path)
	require.NoError(t, err)
	assert.False(t, s.PossiblyStale())

	editCellSource(t, rig.path, "cell-a", "x = 99")
	require.Eventually(t, s.PossiblyStale, 3*time.Second, 10*time.Millisecond,
		"an external write raises the staleness hint")
}

// editCellSource rewrites one cell's source the way an editor would:
// in place, keeping everything else.
func editCellSource(t *testing.T, path, cellID, source string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var nb map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &nb))
	var cells []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(nb["cells"], &cells))
	found := false
	for _, c := range cells {
		var id string
		_ = json.Unmarshal(c["id"], &id)
		if id == cellID {
			src, _ := json.Marshal(source)
			c["source"] = src
			found = true
		}
	}
	require.True(t, found, "cell %s not in fixture", cellID)
	cellsRaw, err := json.Marshal(cells)
	require.NoError(t, err)
	nb["cells"] = cellsRaw
	out, err := json.Marshal(nb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}
