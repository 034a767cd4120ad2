// Package tasks implements the task lifecycle domain: queued units of work
// with blocking dependencies, persisted as a JSON snapshot under the
// workspace so the ralph CLI sees the same queue.
package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// Task statuses. closed and failed are terminal.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusRunning = "running"
	StatusClosed  = "closed"
	StatusFailed  = "failed"
)

// CancelledMessage is stored on tasks cancelled via task.cancel.
const CancelledMessage = "Task cancelled by user"

const (
	minPriority     = 1
	maxPriority     = 5
	defaultPriority = 2
)

// Record is a single task. Terminal tasks carry completedAt and never a
// queuedTaskId; errorMessage is set only on failed tasks.
type Record struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	Priority        int    `json:"priority"`
	BlockedBy       string `json:"blockedBy,omitempty"`
	ArchivedAt      string `json:"archivedAt,omitempty"`
	QueuedTaskID    string `json:"queuedTaskId,omitempty"`
	MergeLoopPrompt string `json:"mergeLoopPrompt,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	CompletedAt     string `json:"completedAt,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// CreateParams are the task.create inputs.
type CreateParams struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	Priority        *int   `json:"priority"`
	BlockedBy       string `json:"blockedBy"`
	AutoExecute     *bool  `json:"autoExecute"`
	MergeLoopPrompt string `json:"mergeLoopPrompt"`
}

// UpdateParams are the task.update inputs. BlockedBySet distinguishes an
// absent blockedBy field from an explicit null (clear) or value (set);
// the dispatcher fills it from the raw params.
type UpdateParams struct {
	ID           string
	Title        *string
	Status       *string
	Priority     *int
	BlockedBySet bool
	BlockedBy    *string
}

// RunResult is the task.run and task.retry result.
type RunResult struct {
	Success      bool   `json:"success"`
	QueuedTaskID string `json:"queuedTaskId"`
	Task         Record `json:"task"`
}

// RunAllResult reports how many ready tasks were enqueued and which ones
// could not be, as "<taskId>: <message>" strings.
type RunAllResult struct {
	Enqueued int      `json:"enqueued"`
	Errors   []string `json:"errors"`
}

// StatusInfo is the task.status result. QueuePosition is the 0-based slot
// among queued tasks ordered by updatedAt; RunnerPid is reported only while
// the task is running.
type StatusInfo struct {
	IsQueued      bool `json:"isQueued"`
	QueuePosition *int `json:"queuePosition,omitempty"`
	RunnerPid     int  `json:"runnerPid,omitempty"`
}

// Domain owns the in-memory task table and its snapshot file. It is not
// internally synchronized; the rpc runtime serializes access.
type Domain struct {
	storePath    string
	tasks        map[string]Record
	queueCounter uint64
	now          func() time.Time
	runnerPid    int
}

// NewDomain loads (or initializes) the task snapshot under workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	d := &Domain{
		storePath: filepath.Join(workspaceRoot, ".ralph", "api", "tasks-v1.json"),
		tasks:     make(map[string]Record),
		now:       time.Now,
		runnerPid: os.Getpid(),
	}
	d.load()
	return d
}

// Create inserts a task. autoExecute defaults to true and immediately queues
// the task when it is open and unblocked; it is rejected together with an
// explicit non-open status. A requested terminal status stamps completedAt.
func (d *Domain) Create(params CreateParams) (Record, *protocol.Error) {
	if params.ID == "" {
		return Record{}, protocol.NewInvalidParams("task.create requires non-empty 'id'")
	}
	if _, exists := d.tasks[params.ID]; exists {
		return Record{}, protocol.NewConflict(
			fmt.Sprintf("Task with id '%s' already exists", params.ID)).
			WithDetails(map[string]any{"taskId": params.ID})
	}

	status := params.Status
	if status == "" {
		status = StatusOpen
	}
	if !isValidStatus(status) {
		return Record{}, invalidStatusError(status)
	}

	autoExecute := params.AutoExecute == nil || *params.AutoExecute
	if autoExecute && status != StatusOpen {
		return Record{}, protocol.NewInvalidParams(
			"task.create autoExecute=true is only valid when status is 'open'").
			WithDetails(map[string]any{
				"taskId":      params.ID,
				"status":      status,
				"autoExecute": autoExecute,
			})
	}

	now := d.ts()
	record := Record{
		ID:              params.ID,
		Title:           params.Title,
		Status:          status,
		Priority:        clampPriority(params.Priority),
		BlockedBy:       params.BlockedBy,
		MergeLoopPrompt: params.MergeLoopPrompt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if isTerminalStatus(status) {
		record.CompletedAt = now
	}
	d.tasks[record.ID] = record

	if autoExecute && record.BlockedBy == "" && record.Status == StatusOpen {
		if _, err := d.Run(record.ID); err != nil {
			return Record{}, err
		}
	} else if err := d.persist(); err != nil {
		return Record{}, err
	}
	return d.tasks[record.ID], nil
}

// Update applies a partial patch. Assigning a status recomputes the
// derived fields: terminal statuses stamp completedAt and drop the queue
// slot, non-terminal ones clear completedAt, and only failed keeps an
// errorMessage.
func (d *Domain) Update(params UpdateParams) (Record, *protocol.Error) {
	record, ok := d.tasks[params.ID]
	if !ok {
		return Record{}, notFoundError(params.ID)
	}

	now := d.ts()
	if params.Title != nil {
		record.Title = *params.Title
	}
	if params.Status != nil {
		if !isValidStatus(*params.Status) {
			return Record{}, invalidStatusError(*params.Status)
		}
		record.Status = *params.Status

		if isTerminalStatus(record.Status) {
			record.CompletedAt = now
			record.QueuedTaskID = ""
		} else {
			record.CompletedAt = ""
			if record.Status != StatusPending && record.Status != StatusRunning {
				record.QueuedTaskID = ""
			}
		}
		if record.Status != StatusFailed {
			record.ErrorMessage = ""
		}
	}
	if params.Priority != nil {
		record.Priority = clampPriority(params.Priority)
	}
	if params.BlockedBySet {
		if params.BlockedBy == nil {
			record.BlockedBy = ""
		} else {
			record.BlockedBy = *params.BlockedBy
		}
	}

	record.UpdatedAt = now
	d.tasks[record.ID] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Close marks a task closed, which also unblocks tasks waiting on it.
func (d *Domain) Close(id string) (Record, *protocol.Error) {
	return d.transitionTask(id, StatusClosed)
}

// Archive stamps archivedAt, hiding the task from default listings.
func (d *Domain) Archive(id string) (Record, *protocol.Error) {
	record, ok := d.tasks[id]
	if !ok {
		return Record{}, notFoundError(id)
	}
	record.ArchivedAt = d.ts()
	record.UpdatedAt = d.ts()
	d.tasks[id] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Unarchive clears archivedAt.
func (d *Domain) Unarchive(id string) (Record, *protocol.Error) {
	record, ok := d.tasks[id]
	if !ok {
		return Record{}, notFoundError(id)
	}
	record.ArchivedAt = ""
	record.UpdatedAt = d.ts()
	d.tasks[id] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Delete removes a task. Only terminal tasks may be deleted.
func (d *Domain) Delete(id string) *protocol.Error {
	record, ok := d.tasks[id]
	if !ok {
		return notFoundError(id)
	}
	if record.Status != StatusFailed && record.Status != StatusClosed {
		return protocol.NewPreconditionFailed(fmt.Sprintf(
			"Cannot delete task in '%s' state. Only failed or closed tasks can be deleted.",
			record.Status)).
			WithDetails(map[string]any{
				"taskId":          id,
				"status":          record.Status,
				"allowedStatuses": []string{StatusFailed, StatusClosed},
			})
	}
	delete(d.tasks, id)
	return d.persist()
}

// Clear removes every task and returns how many were removed.
func (d *Domain) Clear() (int, *protocol.Error) {
	cleared := len(d.tasks)
	d.tasks = make(map[string]Record)
	if err := d.persist(); err != nil {
		return 0, err
	}
	return cleared, nil
}

// Run queues a task for execution: any non-archived task that is not
// already queued or running moves to pending with a fresh queue id.
func (d *Domain) Run(id string) (RunResult, *protocol.Error) {
	queuedTaskID, err := d.queueTask(id)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Success: true, QueuedTaskID: queuedTaskID, Task: d.tasks[id]}, nil
}

// RunAll queues every ready task, collecting per-task failures.
func (d *Domain) RunAll() RunAllResult {
	result := RunAllResult{Errors: []string{}}
	for _, candidate := range d.Ready() {
		if _, err := d.queueTask(candidate.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", candidate.ID, err.Message))
			continue
		}
		result.Enqueued++
	}
	return result
}

// Retry resets a failed task to open and immediately queues it again.
func (d *Domain) Retry(id string) (RunResult, *protocol.Error) {
	record, ok := d.tasks[id]
	if !ok {
		return RunResult{}, notFoundError(id)
	}
	if record.Status != StatusFailed {
		return RunResult{}, protocol.NewPreconditionFailed("Only failed tasks can be retried").
			WithDetails(map[string]any{"taskId": id, "status": record.Status})
	}

	record.Status = StatusOpen
	record.QueuedTaskID = ""
	record.CompletedAt = ""
	record.ErrorMessage = ""
	record.UpdatedAt = d.ts()
	d.tasks[id] = record

	return d.Run(id)
}

// Cancel fails a queued or running task with a fixed error message.
func (d *Domain) Cancel(id string) (Record, *protocol.Error) {
	record, ok := d.tasks[id]
	if !ok {
		return Record{}, notFoundError(id)
	}
	if record.Status != StatusPending && record.Status != StatusRunning {
		return Record{}, protocol.NewPreconditionFailed(
			"Only running or pending tasks can be cancelled").
			WithDetails(map[string]any{"taskId": id, "status": record.Status})
	}

	now := d.ts()
	record.Status = StatusFailed
	record.CompletedAt = now
	record.UpdatedAt = now
	record.ErrorMessage = CancelledMessage
	record.QueuedTaskID = ""
	d.tasks[id] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Get returns a task by id.
func (d *Domain) Get(id string) (Record, *protocol.Error) {
	record, ok := d.tasks[id]
	if !ok {
		return Record{}, notFoundError(id)
	}
	return record, nil
}

// List returns tasks sorted by creation time, optionally filtered by
// status. Archived tasks are hidden unless includeArchived is set.
func (d *Domain) List(status string, includeArchived bool) []Record {
	records := make([]Record, 0, len(d.tasks))
	for _, record := range d.tasks {
		if status != "" && record.Status != status {
			continue
		}
		if record.ArchivedAt != "" && !includeArchived {
			continue
		}
		records = append(records, record)
	}
	sortByCreatedAt(records)
	return records
}

// Ready returns open, unarchived tasks whose blocker (if any) has closed
// or been archived, sorted by creation time. A blocker id that no longer
// resolves to a task keeps blocking.
func (d *Domain) Ready() []Record {
	unblocking := d.unblockingIDs()
	records := make([]Record, 0)
	for _, record := range d.tasks {
		if record.ArchivedAt != "" || record.Status != StatusOpen {
			continue
		}
		if record.BlockedBy != "" && !unblocking[record.BlockedBy] {
			continue
		}
		records = append(records, record)
	}
	sortByCreatedAt(records)
	return records
}

// Status reports queue membership for a task. An unknown id is simply not
// queued; it is not an error.
func (d *Domain) Status(id string) StatusInfo {
	record, ok := d.tasks[id]
	if !ok {
		return StatusInfo{}
	}

	info := StatusInfo{
		IsQueued: record.QueuedTaskID != "" &&
			(record.Status == StatusPending || record.Status == StatusRunning),
	}
	if info.IsQueued {
		info.QueuePosition = d.queuePosition(id)
	}
	if record.Status == StatusRunning {
		info.RunnerPid = d.runnerPid
	}
	return info
}

func (d *Domain) transitionTask(id, status string) (Record, *protocol.Error) {
	record, ok := d.tasks[id]
	if !ok {
		return Record{}, notFoundError(id)
	}

	now := d.ts()
	record.Status = status
	record.UpdatedAt = now

	if isTerminalStatus(status) {
		record.CompletedAt = now
		record.QueuedTaskID = ""
	} else {
		record.CompletedAt = ""
		if status != StatusPending && status != StatusRunning {
			record.QueuedTaskID = ""
		}
	}
	if status != StatusFailed {
		record.ErrorMessage = ""
	}

	d.tasks[id] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// queueTask moves a task to pending under a fresh queue id. The id is
// minted before any check, so the counter advances even on rejection.
func (d *Domain) queueTask(id string) (string, *protocol.Error) {
	queuedTaskID := d.nextQueuedTaskID()

	record, ok := d.tasks[id]
	if !ok {
		return "", notFoundError(id)
	}
	if record.ArchivedAt != "" {
		return "", protocol.NewPreconditionFailed("Cannot run archived task").
			WithDetails(map[string]any{"taskId": id})
	}
	if record.Status == StatusPending || record.Status == StatusRunning {
		return "", protocol.NewPreconditionFailed("Task is already queued or running").
			WithDetails(map[string]any{"taskId": id, "status": record.Status})
	}

	record.Status = StatusPending
	record.QueuedTaskID = queuedTaskID
	record.CompletedAt = ""
	record.ErrorMessage = ""
	record.UpdatedAt = d.ts()
	d.tasks[id] = record
	if err := d.persist(); err != nil {
		return "", err
	}
	return queuedTaskID, nil
}

// queuePosition is the 0-based slot among queued tasks ordered by updatedAt.
func (d *Domain) queuePosition(id string) *int {
	queued := make([]Record, 0)
	for _, record := range d.tasks {
		if record.QueuedTaskID != "" &&
			(record.Status == StatusPending || record.Status == StatusRunning) {
			queued = append(queued, record)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].UpdatedAt != queued[j].UpdatedAt {
			return queued[i].UpdatedAt < queued[j].UpdatedAt
		}
		return queued[i].ID < queued[j].ID
	})
	for i, record := range queued {
		if record.ID == id {
			position := i
			return &position
		}
	}
	return nil
}

// unblockingIDs is the set of task ids that no longer block dependents:
// closed or archived tasks.
func (d *Domain) unblockingIDs() map[string]bool {
	ids := make(map[string]bool)
	for id, record := range d.tasks {
		if record.Status == StatusClosed || record.ArchivedAt != "" {
			ids[id] = true
		}
	}
	return ids
}

func (d *Domain) nextQueuedTaskID() string {
	d.queueCounter++
	return fmt.Sprintf("queued-%d-%04x", d.now().UnixMilli(), d.queueCounter)
}

func (d *Domain) ts() string {
	return d.now().UTC().Format(time.RFC3339)
}

func clampPriority(priority *int) int {
	if priority == nil {
		return defaultPriority
	}
	if *priority < minPriority {
		return minPriority
	}
	if *priority > maxPriority {
		return maxPriority
	}
	return *priority
}

func isValidStatus(status string) bool {
	switch status {
	case StatusOpen, StatusPending, StatusRunning, StatusClosed, StatusFailed:
		return true
	default:
		return false
	}
}

func isTerminalStatus(status string) bool {
	return status == StatusClosed || status == StatusFailed
}

func invalidStatusError(status string) *protocol.Error {
	return protocol.NewInvalidParams(fmt.Sprintf("unknown task status '%s'", status)).
		WithDetails(map[string]any{
			"status": status,
			"allowedStatuses": []string{
				StatusOpen, StatusPending, StatusRunning, StatusClosed, StatusFailed,
			},
		})
}

func notFoundError(id string) *protocol.Error {
	return protocol.NewTaskNotFound(fmt.Sprintf("Task with id '%s' not found", id)).
		WithDetails(map[string]any{"taskId": id})
}

func sortByCreatedAt(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].ID < records[j].ID
	})
}
