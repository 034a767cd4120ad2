// Package loopstate owns the file-backed loop state shared with the ralph
// CLI: the merge queue, the loop registry, loop locks, and git worktree
// discovery. Files live under <workspace>/.ralph/ and may be rewritten by
// the CLI between calls, so every operation reloads from disk.
package loopstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// MergeState is a merge-queue entry state.
type MergeState string

const (
	StateQueued      MergeState = "queued"
	StateMerging     MergeState = "merging"
	StateMerged      MergeState = "merged"
	StateNeedsReview MergeState = "needs-review"
	StateDiscarded   MergeState = "discarded"
)

// IsTerminal reports whether the state admits no further transitions.
func (s MergeState) IsTerminal() bool {
	return s == StateMerged || s == StateDiscarded
}

// ErrNotFound is returned when an id has no entry.
var ErrNotFound = errors.New("loop state entry not found")

// TransitionError reports a rejected merge-queue state change.
type TransitionError struct {
	LoopID string
	From   MergeState
	To     MergeState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("loop '%s' cannot move from '%s' to '%s'", e.LoopID, e.From, e.To)
}

// QueueEntry is one loop waiting for (or past) its merge.
type QueueEntry struct {
	LoopID       string     `json:"loopId"`
	Prompt       string     `json:"prompt,omitempty"`
	State        MergeState `json:"state"`
	MergeCommit  string     `json:"mergeCommit,omitempty"`
	WorktreePath string     `json:"worktreePath,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	UpdatedAt    string     `json:"updatedAt"`
}

type queueFile struct {
	Entries []QueueEntry `json:"entries"`
}

// MergeQueue is the merge-queue file under the workspace.
type MergeQueue struct {
	path string
	now  func() time.Time
}

// NewMergeQueue binds the queue at <workspaceRoot>/.ralph/merge-queue.json.
func NewMergeQueue(workspaceRoot string) *MergeQueue {
	return &MergeQueue{
		path: filepath.Join(workspaceRoot, ".ralph", "merge-queue.json"),
		now:  time.Now,
	}
}

// Entries returns all entries sorted by loop id.
func (q *MergeQueue) Entries() ([]QueueEntry, error) {
	file, err := q.load()
	if err != nil {
		return nil, err
	}
	entries := file.Entries
	sort.Slice(entries, func(i, j int) bool { return entries[i].LoopID < entries[j].LoopID })
	return entries, nil
}

// Get returns the entry for a loop id.
func (q *MergeQueue) Get(loopID string) (QueueEntry, error) {
	file, err := q.load()
	if err != nil {
		return QueueEntry{}, err
	}
	for _, entry := range file.Entries {
		if entry.LoopID == loopID {
			return entry, nil
		}
	}
	return QueueEntry{}, ErrNotFound
}

// Enqueue inserts a new queued entry. An existing id is a conflict and is
// reported as a transition error from its current state.
func (q *MergeQueue) Enqueue(entry QueueEntry) error {
	return q.mutate(func(file *queueFile) error {
		for _, existing := range file.Entries {
			if existing.LoopID == entry.LoopID {
				return &TransitionError{LoopID: entry.LoopID, From: existing.State, To: StateQueued}
			}
		}
		entry.State = StateQueued
		entry.UpdatedAt = q.ts()
		file.Entries = append(file.Entries, entry)
		return nil
	})
}

// MarkMerging moves an entry into merging. Allowed from queued and
// needs-review (a retry).
func (q *MergeQueue) MarkMerging(loopID string) error {
	return q.transition(loopID, StateMerging, func(entry *QueueEntry) error {
		if entry.State != StateQueued && entry.State != StateNeedsReview {
			return &TransitionError{LoopID: loopID, From: entry.State, To: StateMerging}
		}
		entry.State = StateMerging
		entry.Reason = ""
		return nil
	})
}

// MarkMerged finishes a merge with its commit.
func (q *MergeQueue) MarkMerged(loopID, mergeCommit string) error {
	return q.transition(loopID, StateMerged, func(entry *QueueEntry) error {
		if entry.State != StateMerging {
			return &TransitionError{LoopID: loopID, From: entry.State, To: StateMerged}
		}
		entry.State = StateMerged
		entry.MergeCommit = mergeCommit
		return nil
	})
}

// MarkNeedsReview parks a merging entry for operator review.
func (q *MergeQueue) MarkNeedsReview(loopID, reason string) error {
	return q.transition(loopID, StateNeedsReview, func(entry *QueueEntry) error {
		if entry.State != StateMerging {
			return &TransitionError{LoopID: loopID, From: entry.State, To: StateNeedsReview}
		}
		entry.State = StateNeedsReview
		entry.Reason = reason
		return nil
	})
}

// Discard abandons any non-terminal entry.
func (q *MergeQueue) Discard(loopID string) error {
	return q.transition(loopID, StateDiscarded, func(entry *QueueEntry) error {
		if entry.State.IsTerminal() {
			return &TransitionError{LoopID: loopID, From: entry.State, To: StateDiscarded}
		}
		entry.State = StateDiscarded
		return nil
	})
}

// Prune removes terminal entries and returns how many were dropped.
func (q *MergeQueue) Prune() (int, error) {
	removed := 0
	err := q.mutate(func(file *queueFile) error {
		kept := file.Entries[:0]
		for _, entry := range file.Entries {
			if entry.State.IsTerminal() {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		file.Entries = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (q *MergeQueue) transition(loopID string, _ MergeState, apply func(*QueueEntry) error) error {
	return q.mutate(func(file *queueFile) error {
		for i := range file.Entries {
			if file.Entries[i].LoopID != loopID {
				continue
			}
			if err := apply(&file.Entries[i]); err != nil {
				return err
			}
			file.Entries[i].UpdatedAt = q.ts()
			return nil
		}
		return ErrNotFound
	})
}

func (q *MergeQueue) mutate(apply func(*queueFile) error) error {
	file, err := q.load()
	if err != nil {
		return err
	}
	if err := apply(&file); err != nil {
		return err
	}
	return q.save(file)
}

func (q *MergeQueue) load() (queueFile, error) {
	var file queueFile
	content, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return file, fmt.Errorf("failed reading merge queue '%s': %w", q.path, err)
	}
	if err := json.Unmarshal(content, &file); err != nil {
		return file, fmt.Errorf("failed parsing merge queue '%s': %w", q.path, err)
	}
	return file, nil
}

func (q *MergeQueue) save(file queueFile) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("failed creating merge queue directory: %w", err)
	}
	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed serializing merge queue: %w", err)
	}
	if err := os.WriteFile(q.path, payload, 0o644); err != nil {
		return fmt.Errorf("failed writing merge queue '%s': %w", q.path, err)
	}
	return nil
}

func (q *MergeQueue) ts() string {
	return q.now().UTC().Format(time.RFC3339)
}
