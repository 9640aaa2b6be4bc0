package session

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nbpilot/internal/notebook"
)

// Sync modes accepted by SyncFromDisk.
const (
	// SyncAuto replays only when the fingerprint comparison says the kernel
	// is stale.
	SyncAuto = "auto"
	// SyncFull forces a restart and replay regardless of the diff.
	SyncFull = "full"
)

// DetectSyncNeeded compares the on-disk executed-cell fingerprint against
// the one the kernel's RAM is known to reflect. Any difference - cells
// reordered, content changed, cells inserted before executed ones - means
// stale. When in doubt (no kernel yet, unreadable document) the answer is
// true: a false positive costs one replay, a false negative costs silent
// staleness.
func (s *Session) DetectSyncNeeded() bool {
	if !s.KernelAlive() {
		return true
	}
	disk, err := s.docs.Fingerprint(s.Path)
	if err != nil {
		s.logger.Warn("fingerprint read failed, assuming stale", zap.Error(err))
		return true
	}
	s.mu.Lock()
	known := s.fingerprint
	s.mu.Unlock()
	return !printsEqual(disk, known)
}

func printsEqual(a, b []notebook.CellPrint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SyncFromDisk rebuilds kernel variable state to match the on-disk
// document: restart the kernel, then replay the executed code cells from
// the top in document order. Replaying is inherently unsafe for
// side-effecting cells (file writes, network calls); that is a documented
// limitation of replay-based sync, not something this code works around.
//
// The call blocks until the replay finishes and returns the number of
// cells that completed. A failed replay cancels the remainder and reports
// a sync conflict: the disk-defined state could not be reached.
func (s *Session) SyncFromDisk(ctx context.Context, mode string) (int, error) {
	switch mode {
	case SyncAuto, "":
		if !s.DetectSyncNeeded() {
			return 0, nil // already synchronized, replay would be wasted work
		}
	case SyncFull:
	default:
		return 0, newError(KindValidation, "unknown sync mode %q (want %q or %q)", mode, SyncAuto, SyncFull)
	}

	cells, err := s.docs.ReadCells(s.Path)
	if err != nil {
		return 0, wrapError(KindSyncConflict, err, "read notebook for replay")
	}
	var replay []notebook.Cell
	for _, c := range cells {
		if c.Type == "code" && c.ExecutionCount != nil {
			replay = append(replay, c)
		}
	}

	// Fresh kernel first: replay must begin from empty RAM.
	if err := s.Restart(ctx); err != nil {
		return 0, err
	}
	if len(replay) == 0 {
		return 0, nil
	}

	// A failed replay must not keep executing the cells behind it, whatever
	// the session's usual policy is.
	s.mu.Lock()
	prevStop := s.stopOnError
	s.stopOnError = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stopOnError = prevStop
		s.mu.Unlock()
	}()

	s.logger.Info("replaying notebook state", zap.Int("cells", len(replay)), zap.String("mode", mode))

	// Feed the worker one cell at a time: the replay set can be far larger
	// than the pending queue, and the next cell is only worth running once
	// the previous one has completed anyway.
	completed := 0
	for _, c := range replay {
		ex := newExecution(uuid.New().String(), c.ID, c.Source)
		if err := s.enqueue(ex); err != nil {
			return completed, err
		}
		select {
		case <-ex.Done():
		case <-ctx.Done():
			s.cancelQueued()
			return completed, ctx.Err()
		}
		if ex.Status() != StatusCompleted {
			// A replayed cell failed: state diverges from disk. Cancel
			// anything queued behind it rather than building on a broken
			// prefix.
			s.cancelQueued()
			snap := ex.Snapshot()
			return completed, newError(KindSyncConflict,
				"replay of cell %q failed (%s): %s", ex.CellID, snap.Status, snap.ErrorMessage)
		}
		completed++
	}
	return completed, nil
}
