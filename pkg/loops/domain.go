// Package loops exposes the loop-merge workflow: observing running loops,
// driving merge-queue transitions, and delegating heavy lifting to the
// external ralph CLI.
package loops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ralph-workflows/ralph-api/pkg/loopstate"
	"github.com/ralph-workflows/ralph-api/pkg/protocol"
	"github.com/ralph-workflows/ralph-api/pkg/tasks"
)

// PrimaryLoopID identifies the in-place loop running in the workspace
// itself rather than a worktree.
const PrimaryLoopID = "(primary)"

// InPlaceLocation is the location reported for the primary loop.
const InPlaceLocation = "(in-place)"

// Loop statuses outside the merge queue.
const (
	StatusRunning = "running"
	StatusCrashed = "crashed"
)

// Record is one row of loop.list, merged from lock, registry and queue.
type Record struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Prompt      string `json:"prompt,omitempty"`
	Location    string `json:"location"`
	PID         int    `json:"pid,omitempty"`
	MergeCommit string `json:"mergeCommit,omitempty"`
	Reason      string `json:"reason,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// StatusInfo is the loop.status result.
type StatusInfo struct {
	Running         bool   `json:"running"`
	IntervalMs      int64  `json:"intervalMs"`
	LastProcessedAt string `json:"lastProcessedAt,omitempty"`
}

// ProcessResult is the loop.process result.
type ProcessResult struct {
	Triggered       bool   `json:"triggered"`
	Queued          int    `json:"queued"`
	LastProcessedAt string `json:"lastProcessedAt"`
}

// PruneResult is the loop.prune result.
type PruneResult struct {
	QueueRemoved    int `json:"queueRemoved"`
	RegistryRemoved int `json:"registryRemoved"`
}

// StopResult is the loop.stop result.
type StopResult struct {
	LoopID string `json:"loopId"`
	Forced bool   `json:"forced"`
}

// ButtonState is the loop.merge_button_state result.
type ButtonState struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
	Action  string `json:"action"`
}

// Domain wires the loop state files to the external worker. Not internally
// synchronized; the rpc runtime serializes access.
type Domain struct {
	workspaceRoot   string
	ralphCommand    string
	interval        time.Duration
	queue           *loopstate.MergeQueue
	registry        *loopstate.Registry
	runner          Runner
	isAlive         func(pid int) bool
	now             func() time.Time
	lastProcessedAt string
}

// NewDomain builds the loop domain rooted at workspaceRoot.
func NewDomain(workspaceRoot, ralphCommand string, interval time.Duration) *Domain {
	return &Domain{
		workspaceRoot: workspaceRoot,
		ralphCommand:  ralphCommand,
		interval:      interval,
		queue:         loopstate.NewMergeQueue(workspaceRoot),
		registry:      loopstate.NewRegistry(workspaceRoot),
		runner:        ExecRunner{},
		isAlive:       loopstate.IsPIDAlive,
		now:           time.Now,
	}
}

// List merges the primary lock, the registry and the merge queue into one
// view, deduplicated by id. Terminal entries are hidden unless asked for.
func (d *Domain) List(includeTerminal bool) ([]Record, *protocol.Error) {
	records := make([]Record, 0)
	seen := make(map[string]struct{})

	lock, err := loopstate.ReadLock(d.workspaceRoot)
	if err != nil {
		return nil, protocol.NewInternal(err.Error())
	}
	if lock != nil && d.isAlive(lock.PID) {
		records = append(records, Record{
			ID:        PrimaryLoopID,
			Status:    StatusRunning,
			Prompt:    lock.Prompt,
			Location:  InPlaceLocation,
			PID:       lock.PID,
			UpdatedAt: lock.StartedAt,
		})
		seen[PrimaryLoopID] = struct{}{}
	}

	registered, err := d.registry.List()
	if err != nil {
		return nil, protocol.NewInternal(err.Error())
	}
	for _, entry := range registered {
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		status := StatusCrashed
		if d.isAlive(entry.PID) {
			status = StatusRunning
		}
		records = append(records, Record{
			ID:        entry.ID,
			Status:    status,
			Prompt:    entry.Prompt,
			Location:  locationOrDash(entry.WorktreePath),
			PID:       entry.PID,
			UpdatedAt: entry.StartedAt,
		})
		seen[entry.ID] = struct{}{}
	}

	queued, err := d.queue.Entries()
	if err != nil {
		return nil, protocol.NewInternal(err.Error())
	}
	for _, entry := range queued {
		if _, dup := seen[entry.LoopID]; dup {
			continue
		}
		if entry.State.IsTerminal() && !includeTerminal {
			continue
		}
		records = append(records, Record{
			ID:          entry.LoopID,
			Status:      string(entry.State),
			Prompt:      entry.Prompt,
			Location:    locationOrDash(entry.MergeCommit),
			MergeCommit: entry.MergeCommit,
			Reason:      entry.Reason,
			UpdatedAt:   entry.UpdatedAt,
		})
		seen[entry.LoopID] = struct{}{}
	}

	return records, nil
}

// Status reports whether a primary loop holds the workspace and when the
// queue was last processed.
func (d *Domain) Status() (StatusInfo, *protocol.Error) {
	lock, err := loopstate.ReadLock(d.workspaceRoot)
	if err != nil {
		return StatusInfo{}, protocol.NewInternal(err.Error())
	}
	return StatusInfo{
		Running:         lock != nil && d.isAlive(lock.PID),
		IntervalMs:      d.interval.Milliseconds(),
		LastProcessedAt: d.lastProcessedAt,
	}, nil
}

// Process triggers the external worker when queued entries exist. With an
// empty queue only the processed timestamp advances.
func (d *Domain) Process() (ProcessResult, *protocol.Error) {
	entries, err := d.queue.Entries()
	if err != nil {
		return ProcessResult{}, protocol.NewInternal(err.Error())
	}
	queuedCount := 0
	for _, entry := range entries {
		if entry.State == loopstate.StateQueued {
			queuedCount++
		}
	}

	result := ProcessResult{Queued: queuedCount}
	if queuedCount > 0 {
		if err := d.runner.Run(d.workspaceRoot, d.ralphCommand, "loops", "process"); err != nil {
			return ProcessResult{}, protocol.NewServiceUnavailable(
				fmt.Sprintf("failed invoking loop worker: %v", err))
		}
		result.Triggered = true
	}

	d.lastProcessedAt = d.ts()
	result.LastProcessedAt = d.lastProcessedAt
	return result, nil
}

// Retry re-runs the merge of a needs-review loop, optionally steering the
// worker with operator guidance.
func (d *Domain) Retry(loopID, steering string) (loopstate.QueueEntry, *protocol.Error) {
	entry, err := d.queue.Get(loopID)
	if err != nil {
		return loopstate.QueueEntry{}, d.mapStateError(loopID, err)
	}
	if entry.State != loopstate.StateNeedsReview {
		return loopstate.QueueEntry{}, protocol.NewPreconditionFailed(
			fmt.Sprintf("loop '%s' cannot be retried from state '%s'", loopID, entry.State)).
			WithDetails(map[string]any{
				"loopId":        loopID,
				"state":         string(entry.State),
				"allowedStates": []string{string(loopstate.StateNeedsReview)},
			})
	}

	if trimmed := strings.TrimSpace(steering); trimmed != "" {
		path := filepath.Join(d.workspaceRoot, ".ralph", "merge-steering.txt")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return loopstate.QueueEntry{}, protocol.NewInternal(err.Error())
		}
		if err := os.WriteFile(path, []byte(trimmed+"\n"), 0o644); err != nil {
			return loopstate.QueueEntry{}, protocol.NewInternal(
				fmt.Sprintf("failed writing merge steering file: %v", err))
		}
	}

	if err := d.runner.Run(d.workspaceRoot, d.ralphCommand, "loops", "retry", loopID); err != nil {
		return loopstate.QueueEntry{}, protocol.NewServiceUnavailable(
			fmt.Sprintf("failed invoking loop worker: %v", err))
	}

	updated, err := d.queue.Get(loopID)
	if err != nil {
		return loopstate.QueueEntry{}, d.mapStateError(loopID, err)
	}
	return updated, nil
}

// Discard abandons a loop wherever it is recorded: registry, merge queue,
// or a leftover worktree.
func (d *Domain) Discard(loopID string) *protocol.Error {
	resolved := false

	if entry, err := d.registry.Get(loopID); err == nil {
		resolved = true
		if qerr := d.queue.Discard(loopID); qerr != nil && !errors.Is(qerr, loopstate.ErrNotFound) {
			return d.mapStateError(loopID, qerr)
		}
		if derr := d.registry.Deregister(loopID); derr != nil && !errors.Is(derr, loopstate.ErrNotFound) {
			return protocol.NewInternal(derr.Error())
		}
		if entry.WorktreePath != "" {
			wt := loopstate.Worktree{Path: entry.WorktreePath, Branch: loopstate.BranchPrefix + loopID}
			if werr := loopstate.RemoveWorktree(d.workspaceRoot, wt); werr != nil {
				return protocol.NewInternal(werr.Error())
			}
		}
	} else if !errors.Is(err, loopstate.ErrNotFound) {
		return protocol.NewInternal(err.Error())
	}

	if !resolved {
		if _, err := d.queue.Get(loopID); err == nil {
			resolved = true
			if qerr := d.queue.Discard(loopID); qerr != nil {
				return d.mapStateError(loopID, qerr)
			}
		} else if !errors.Is(err, loopstate.ErrNotFound) {
			return protocol.NewInternal(err.Error())
		}
	}

	if !resolved {
		worktrees, err := loopstate.ListRalphWorktrees(d.workspaceRoot)
		if err != nil {
			return protocol.NewInternal(err.Error())
		}
		for _, wt := range worktrees {
			if wt.LoopID() == loopID {
				resolved = true
				if werr := loopstate.RemoveWorktree(d.workspaceRoot, wt); werr != nil {
					return protocol.NewInternal(werr.Error())
				}
				break
			}
		}
	}

	if !resolved {
		return d.notFound(loopID)
	}
	return nil
}

// Stop asks a loop to wind down, or force-kills its process.
func (d *Domain) Stop(loopID string, force bool) (StopResult, *protocol.Error) {
	root := d.workspaceRoot
	pid := 0

	if loopID == PrimaryLoopID || loopID == "primary" {
		lock, err := loopstate.ReadLock(root)
		if err != nil {
			return StopResult{}, protocol.NewInternal(err.Error())
		}
		if lock == nil {
			return StopResult{}, d.notFound(loopID)
		}
		pid = lock.PID
	} else {
		entry, err := d.registry.Get(loopID)
		if err != nil {
			if errors.Is(err, loopstate.ErrNotFound) {
				return StopResult{}, d.notFound(loopID)
			}
			return StopResult{}, protocol.NewInternal(err.Error())
		}
		pid = entry.PID
		if entry.WorktreePath != "" {
			root = entry.WorktreePath
		}
	}

	if force {
		if !d.isAlive(pid) {
			return StopResult{}, protocol.NewPreconditionFailed(
				fmt.Sprintf("loop '%s' has no running process to kill", loopID)).
				WithDetails(map[string]any{"loopId": loopID, "pid": pid})
		}
		if err := loopstate.KillPID(pid); err != nil {
			return StopResult{}, protocol.NewInternal(err.Error())
		}
		return StopResult{LoopID: loopID, Forced: true}, nil
	}

	marker := filepath.Join(root, ".ralph", "stop-requested")
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return StopResult{}, protocol.NewInternal(err.Error())
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return StopResult{}, protocol.NewInternal(
			fmt.Sprintf("failed writing stop marker '%s': %v", marker, err))
	}
	return StopResult{LoopID: loopID, Forced: false}, nil
}

// Merge drives a queue entry through merging to merged, recording the
// resulting commit. force lets an already-merging entry be finalized.
func (d *Domain) Merge(loopID string, force bool) (loopstate.QueueEntry, *protocol.Error) {
	entry, err := d.queue.Get(loopID)
	if err != nil {
		return loopstate.QueueEntry{}, d.mapStateError(loopID, err)
	}

	switch entry.State {
	case loopstate.StateMerged, loopstate.StateDiscarded:
		return loopstate.QueueEntry{}, protocol.NewPreconditionFailed(
			fmt.Sprintf("loop '%s' cannot merge from state '%s'", loopID, entry.State)).
			WithDetails(mergeDetails(loopID, entry.State))
	case loopstate.StateMerging:
		if !force {
			return loopstate.QueueEntry{}, protocol.NewPreconditionFailed(
				fmt.Sprintf("loop '%s' is already merging; pass force to finalize", loopID)).
				WithDetails(mergeDetails(loopID, entry.State))
		}
	default:
		if err := d.queue.MarkMerging(loopID); err != nil {
			return loopstate.QueueEntry{}, d.mapStateError(loopID, err)
		}
	}

	commit, err := d.runner.Output(d.workspaceRoot, "git", "rev-parse", "--short", "HEAD")
	if err != nil || commit == "" {
		commit = "manual"
	}
	if err := d.queue.MarkMerged(loopID, commit); err != nil {
		return loopstate.QueueEntry{}, d.mapStateError(loopID, err)
	}

	merged, err := d.queue.Get(loopID)
	if err != nil {
		return loopstate.QueueEntry{}, d.mapStateError(loopID, err)
	}
	return merged, nil
}

// ButtonState reports whether the merge button should be actionable for a
// loop. Only one merge may run at a time.
func (d *Domain) ButtonState(loopID string) (ButtonState, *protocol.Error) {
	entries, err := d.queue.Entries()
	if err != nil {
		return ButtonState{}, protocol.NewInternal(err.Error())
	}

	var entry *loopstate.QueueEntry
	otherMerging := false
	for i := range entries {
		if entries[i].LoopID == loopID {
			entry = &entries[i]
		} else if entries[i].State == loopstate.StateMerging {
			otherMerging = true
		}
	}

	switch {
	case entry == nil:
		return ButtonState{Reason: "loop is not in the merge queue", Action: "wait"}, nil
	case entry.State == loopstate.StateMerged:
		return ButtonState{Reason: "loop is already merged", Action: "wait"}, nil
	case entry.State == loopstate.StateDiscarded:
		return ButtonState{Reason: "loop was discarded", Action: "wait"}, nil
	case entry.State == loopstate.StateMerging:
		return ButtonState{Reason: "merge in progress", Action: "wait"}, nil
	case otherMerging:
		return ButtonState{Reason: "another loop is merging", Action: "wait"}, nil
	default:
		return ButtonState{Enabled: true, Action: "merge"}, nil
	}
}

// BuildMergeTask synthesizes the task.create parameters for merging a
// worktree loop back into the main branch.
func (d *Domain) BuildMergeTask(loopID string) (tasks.CreateParams, *protocol.Error) {
	if loopID == PrimaryLoopID || loopID == "primary" {
		return tasks.CreateParams{}, protocol.NewInvalidParams(
			"cannot create a merge task for an in-place loop")
	}

	prompt := ""
	worktree := ""
	found := false
	if entry, err := d.registry.Get(loopID); err == nil {
		found = true
		prompt = entry.Prompt
		worktree = entry.WorktreePath
	} else if !errors.Is(err, loopstate.ErrNotFound) {
		return tasks.CreateParams{}, protocol.NewInternal(err.Error())
	}
	if prompt == "" || worktree == "" {
		if entry, err := d.queue.Get(loopID); err == nil {
			found = true
			if prompt == "" {
				prompt = entry.Prompt
			}
			if worktree == "" {
				worktree = entry.WorktreePath
			}
		} else if !errors.Is(err, loopstate.ErrNotFound) {
			return tasks.CreateParams{}, protocol.NewInternal(err.Error())
		}
	}
	if !found {
		return tasks.CreateParams{}, d.notFound(loopID)
	}
	if worktree == "" || worktree == InPlaceLocation {
		return tasks.CreateParams{}, protocol.NewInvalidParams(
			fmt.Sprintf("loop '%s' has no worktree to merge", loopID))
	}

	loopPrompt := prompt
	if loopPrompt == "" {
		loopPrompt = "(no prompt recorded)"
	}
	mergePrompt := fmt.Sprintf(
		"Merge worktree loop '%s' into main branch.\n\n"+
			"The worktree is located at: %s\n"+
			"Original task: %s\n\n"+
			"Instructions:\n"+
			"1. Review the commits in the worktree branch\n"+
			"2. Merge the changes into main branch\n"+
			"3. Resolve any conflicts if present\n"+
			"4. Delete the worktree after successful merge",
		loopID, worktree, loopPrompt)

	title := prompt
	if title == "" {
		title = loopID
	}
	priority := 1
	autoExecute := true
	return tasks.CreateParams{
		ID:              fmt.Sprintf("merge-%s-%d", loopID, d.now().UnixMilli()),
		Title:           "Merge: " + truncatePrompt(title, 50),
		Status:          tasks.StatusOpen,
		Priority:        &priority,
		AutoExecute:     &autoExecute,
		MergeLoopPrompt: mergePrompt,
	}, nil
}

// Prune drops terminal queue entries and dead registry entries.
func (d *Domain) Prune() (PruneResult, *protocol.Error) {
	queueRemoved, err := d.queue.Prune()
	if err != nil {
		return PruneResult{}, protocol.NewInternal(err.Error())
	}
	registryRemoved, err := d.registry.PruneDead(d.isAlive)
	if err != nil {
		return PruneResult{}, protocol.NewInternal(err.Error())
	}
	return PruneResult{QueueRemoved: queueRemoved, RegistryRemoved: registryRemoved}, nil
}

func (d *Domain) mapStateError(loopID string, err error) *protocol.Error {
	var terr *loopstate.TransitionError
	switch {
	case errors.Is(err, loopstate.ErrNotFound):
		return d.notFound(loopID)
	case errors.As(err, &terr):
		return protocol.NewPreconditionFailed(terr.Error()).
			WithDetails(map[string]any{
				"loopId": terr.LoopID,
				"from":   string(terr.From),
				"to":     string(terr.To),
			})
	default:
		return protocol.NewInternal(err.Error())
	}
}

func (d *Domain) notFound(loopID string) *protocol.Error {
	return protocol.NewLoopNotFound(fmt.Sprintf("Loop with id '%s' not found", loopID)).
		WithDetails(map[string]any{"loopId": loopID})
}

func (d *Domain) ts() string {
	return d.now().UTC().Format(time.RFC3339)
}

func mergeDetails(loopID string, state loopstate.MergeState) map[string]any {
	return map[string]any{
		"loopId": loopID,
		"state":  string(state),
		"allowedStates": []string{
			string(loopstate.StateQueued),
			string(loopstate.StateNeedsReview),
		},
	}
}

func locationOrDash(location string) string {
	if location == "" {
		return "-"
	}
	return location
}

func truncatePrompt(prompt string, limit int) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "loop changes"
	}
	if len(prompt) <= limit {
		return prompt
	}
	return prompt[:limit-3] + "..."
}
