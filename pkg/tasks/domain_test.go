package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

func newTestDomain(t *testing.T) *Domain {
	t.Helper()
	d := NewDomain(t.TempDir())
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	d.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return d
}

func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestCreate_AutoExecuteQueuesImmediately(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{ID: "t1", Title: "build"})
	require.Nil(t, err)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, defaultPriority, record.Priority)
	assert.Regexp(t, `^queued-\d+-[0-9a-f]{4}$`, record.QueuedTaskID)
	assert.Empty(t, record.CompletedAt)
}

func TestCreate_WithoutAutoExecuteStaysOpen(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{ID: "t1", Title: "build", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	assert.Equal(t, StatusOpen, record.Status)
	assert.Empty(t, record.QueuedTaskID)
}

func TestCreate_BlockedKeepsRequestedStatus(t *testing.T) {
	d := newTestDomain(t)

	blocker, err := d.Create(CreateParams{ID: "t1", Title: "first", AutoExecute: boolPtr(false)})
	require.Nil(t, err)

	// blocked tasks stay open and are simply excluded from ready()
	record, err := d.Create(CreateParams{ID: "t2", Title: "second", BlockedBy: blocker.ID})
	require.Nil(t, err)
	assert.Equal(t, StatusOpen, record.Status)
	assert.Empty(t, record.QueuedTaskID)
}

func TestCreate_TerminalStatusStampsCompletedAt(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{
		ID: "t1", Title: "done already", Status: StatusClosed, AutoExecute: boolPtr(false),
	})
	require.Nil(t, err)
	assert.Equal(t, StatusClosed, record.Status)
	assert.NotEmpty(t, record.CompletedAt)
	assert.Empty(t, record.QueuedTaskID)
}

func TestCreate_Validation(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create(CreateParams{Title: "no id"})
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)

	_, err = d.Create(CreateParams{ID: "t1", Title: "x", Status: "sleeping", AutoExecute: boolPtr(false)})
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)

	// autoExecute defaults to true and is incompatible with non-open status
	_, err = d.Create(CreateParams{ID: "t1", Title: "x", Status: StatusClosed})
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)
	details := err.Details.(map[string]any)
	assert.Equal(t, StatusClosed, details["status"])
	assert.Equal(t, true, details["autoExecute"])
}

func TestCreate_DuplicateIDConflicts(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create(CreateParams{ID: "t1", Title: "first", AutoExecute: boolPtr(false)})
	require.Nil(t, err)

	_, err = d.Create(CreateParams{ID: "t1", Title: "again", AutoExecute: boolPtr(false)})
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeConflict, err.Code)
	assert.Equal(t, "Task with id 't1' already exists", err.Message)
}

func TestCreate_PriorityClamped(t *testing.T) {
	d := newTestDomain(t)

	low, err := d.Create(CreateParams{ID: "low", Title: "low", Priority: intPtr(0), AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	assert.Equal(t, 1, low.Priority)

	high, err := d.Create(CreateParams{ID: "high", Title: "high", Priority: intPtr(9), AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	assert.Equal(t, 5, high.Priority)
}

func TestCreate_MergeLoopPromptStored(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{
		ID: "merge-loop-1", Title: "Merge: loop-1", AutoExecute: boolPtr(false),
		MergeLoopPrompt: "Merge worktree loop 'loop-1' into main branch.",
	})
	require.Nil(t, err)
	assert.Equal(t, "Merge worktree loop 'loop-1' into main branch.", record.MergeLoopPrompt)
}

func TestUpdate_BlockedByTriState(t *testing.T) {
	d := newTestDomain(t)

	blocker, err := d.Create(CreateParams{ID: "t1", Title: "blocker", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	task, err := d.Create(CreateParams{ID: "t2", Title: "work", AutoExecute: boolPtr(false)})
	require.Nil(t, err)

	// set: recorded, status untouched
	updated, uerr := d.Update(UpdateParams{ID: task.ID, BlockedBySet: true, BlockedBy: &blocker.ID})
	require.Nil(t, uerr)
	assert.Equal(t, blocker.ID, updated.BlockedBy)
	assert.Equal(t, StatusOpen, updated.Status)

	// absent: blocking untouched
	updated, uerr = d.Update(UpdateParams{ID: task.ID, Title: strPtr("renamed")})
	require.Nil(t, uerr)
	assert.Equal(t, blocker.ID, updated.BlockedBy)
	assert.Equal(t, "renamed", updated.Title)

	// explicit null: cleared
	updated, uerr = d.Update(UpdateParams{ID: task.ID, BlockedBySet: true, BlockedBy: nil})
	require.Nil(t, uerr)
	assert.Empty(t, updated.BlockedBy)
}

func TestUpdate_StatusRecomputesDerivedFields(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{ID: "t1", Title: "work"})
	require.Nil(t, err)
	require.Equal(t, StatusPending, record.Status)
	require.NotEmpty(t, record.QueuedTaskID)

	// terminal: completedAt stamped, queue slot dropped
	updated, uerr := d.Update(UpdateParams{ID: "t1", Status: strPtr(StatusFailed)})
	require.Nil(t, uerr)
	assert.NotEmpty(t, updated.CompletedAt)
	assert.Empty(t, updated.QueuedTaskID)

	// requeue, then cancel so the task carries an errorMessage
	_, runErr := d.Run("t1")
	require.Nil(t, runErr)
	cancelled, cerr := d.Cancel("t1")
	require.Nil(t, cerr)
	require.Equal(t, CancelledMessage, cancelled.ErrorMessage)

	// back to open: completedAt and errorMessage cleared
	updated, uerr = d.Update(UpdateParams{ID: "t1", Status: strPtr(StatusOpen)})
	require.Nil(t, uerr)
	assert.Empty(t, updated.CompletedAt)
	assert.Empty(t, updated.ErrorMessage)
	assert.Empty(t, updated.QueuedTaskID)
}

func TestClose_UnblocksDependents(t *testing.T) {
	d := newTestDomain(t)

	blocker, err := d.Create(CreateParams{ID: "t1", Title: "blocker", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	blocked, err := d.Create(CreateParams{ID: "t2", Title: "blocked", BlockedBy: blocker.ID, AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	require.Len(t, d.Ready(), 1, "only the blocker is ready")

	closed, cerr := d.Close(blocker.ID)
	require.Nil(t, cerr)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.NotEmpty(t, closed.CompletedAt)

	ready := d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, blocked.ID, ready[0].ID)
}

func TestReady_DanglingBlockerKeepsBlocking(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create(CreateParams{ID: "t1", Title: "orphan", BlockedBy: "ghost", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	assert.Empty(t, d.Ready())

	// an archived blocker unblocks like a closed one
	_, err = d.Create(CreateParams{ID: "ghost", Title: "blocker", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	_, aerr := d.Archive("ghost")
	require.Nil(t, aerr)

	ready := d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "t1", ready[0].ID)
}

func TestDelete_OnlyTerminalStatuses(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{ID: "t1", Title: "work"})
	require.Nil(t, err)
	require.Equal(t, StatusPending, record.Status)

	derr := d.Delete(record.ID)
	require.NotNil(t, derr)
	assert.Equal(t, protocol.CodePreconditionFailed, derr.Code)
	assert.Equal(t,
		"Cannot delete task in 'pending' state. Only failed or closed tasks can be deleted.",
		derr.Message)
	details := derr.Details.(map[string]any)
	assert.Equal(t, []string{StatusFailed, StatusClosed}, details["allowedStatuses"])

	_, cerr := d.Cancel(record.ID)
	require.Nil(t, cerr)
	assert.Nil(t, d.Delete(record.ID))

	_, gerr := d.Get(record.ID)
	require.NotNil(t, gerr)
	assert.Equal(t, protocol.CodeTaskNotFound, gerr.Code)
}

func TestCancelRetryCycle(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{ID: "t1", Title: "flaky"})
	require.Nil(t, err)
	require.Equal(t, StatusPending, record.Status)
	firstQueueID := record.QueuedTaskID

	cancelled, cerr := d.Cancel(record.ID)
	require.Nil(t, cerr)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, CancelledMessage, cancelled.ErrorMessage)
	assert.NotEmpty(t, cancelled.CompletedAt)
	assert.Empty(t, cancelled.QueuedTaskID)

	// retry resets the task and queues it again under a fresh id
	result, rerr := d.Retry(record.ID)
	require.Nil(t, rerr)
	assert.True(t, result.Success)
	assert.NotEqual(t, firstQueueID, result.QueuedTaskID)
	assert.Equal(t, StatusPending, result.Task.Status)
	assert.Equal(t, result.QueuedTaskID, result.Task.QueuedTaskID)
	assert.Empty(t, result.Task.ErrorMessage)
	assert.Empty(t, result.Task.CompletedAt)

	// retry only applies to failed tasks
	_, rerr = d.Retry(record.ID)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.CodePreconditionFailed, rerr.Code)
	assert.Equal(t, "Only failed tasks can be retried", rerr.Message)
}

func TestRun_AcceptsClosedRejectsQueuedAndArchived(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{
		ID: "t1", Title: "done", Status: StatusClosed, AutoExecute: boolPtr(false),
	})
	require.Nil(t, err)

	// a closed task can be re-run
	result, runErr := d.Run(record.ID)
	require.Nil(t, runErr)
	assert.Equal(t, StatusPending, result.Task.Status)
	assert.Empty(t, result.Task.CompletedAt)

	// but a queued one cannot
	_, runErr = d.Run(record.ID)
	require.NotNil(t, runErr)
	assert.Equal(t, protocol.CodePreconditionFailed, runErr.Code)
	assert.Equal(t, "Task is already queued or running", runErr.Message)

	archived, err := d.Create(CreateParams{ID: "t2", Title: "shelved", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	_, aerr := d.Archive(archived.ID)
	require.Nil(t, aerr)
	_, runErr = d.Run(archived.ID)
	require.NotNil(t, runErr)
	assert.Equal(t, "Cannot run archived task", runErr.Message)
}

func TestRun_QueueCounterAdvancesOnRejection(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Run("ghost")
	require.NotNil(t, err)

	record, cerr := d.Create(CreateParams{ID: "t1", Title: "work"})
	require.Nil(t, cerr)
	// counter 1 was burned by the failed run
	assert.Regexp(t, `-0002$`, record.QueuedTaskID)
}

func TestReadyAndRunAll(t *testing.T) {
	d := newTestDomain(t)

	first, err := d.Create(CreateParams{ID: "a", Title: "a", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	second, err := d.Create(CreateParams{ID: "b", Title: "b", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	_, err = d.Create(CreateParams{ID: "c", Title: "c", AutoExecute: boolPtr(false), BlockedBy: first.ID})
	require.Nil(t, err)

	ready := d.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, first.ID, ready[0].ID)
	assert.Equal(t, second.ID, ready[1].ID)

	result := d.RunAll()
	assert.Equal(t, 2, result.Enqueued)
	assert.Empty(t, result.Errors)
	assert.Empty(t, d.Ready())

	queued, gerr := d.Get(first.ID)
	require.Nil(t, gerr)
	assert.Equal(t, StatusPending, queued.Status)
}

func TestArchiveHidesFromListAndStampsTimestamp(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create(CreateParams{ID: "t1", Title: "old", AutoExecute: boolPtr(false)})
	require.Nil(t, err)

	archived, aerr := d.Archive(record.ID)
	require.Nil(t, aerr)
	assert.NotEmpty(t, archived.ArchivedAt)

	assert.Empty(t, d.List("", false))
	assert.Len(t, d.List("", true), 1)
	assert.Empty(t, d.Ready())

	restored, uerr := d.Unarchive(record.ID)
	require.Nil(t, uerr)
	assert.Empty(t, restored.ArchivedAt)
	assert.Len(t, d.List("", false), 1)
}

func TestList_StatusFilter(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create(CreateParams{ID: "a", Title: "a", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	_, err = d.Create(CreateParams{ID: "b", Title: "b"})
	require.Nil(t, err)

	open := d.List(StatusOpen, false)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID)

	pending := d.List(StatusPending, false)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestClear_WipesEverything(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create(CreateParams{ID: "a", Title: "keep", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	done, err := d.Create(CreateParams{ID: "b", Title: "done", AutoExecute: boolPtr(false)})
	require.Nil(t, err)
	_, cerr := d.Close(done.ID)
	require.Nil(t, cerr)

	cleared, clErr := d.Clear()
	require.Nil(t, clErr)
	assert.Equal(t, 2, cleared)

	assert.Empty(t, d.List("", true))
	_, gerr := d.Get("a")
	require.NotNil(t, gerr)
	assert.Equal(t, protocol.CodeTaskNotFound, gerr.Code)
}

func TestStatus_QueuePositionAndRunnerPid(t *testing.T) {
	d := newTestDomain(t)

	first, err := d.Create(CreateParams{ID: "first", Title: "first"})
	require.Nil(t, err)
	second, err := d.Create(CreateParams{ID: "second", Title: "second"})
	require.Nil(t, err)

	info := d.Status(first.ID)
	assert.True(t, info.IsQueued)
	require.NotNil(t, info.QueuePosition)
	assert.Equal(t, 0, *info.QueuePosition)
	assert.Zero(t, info.RunnerPid, "pending tasks report no runner pid")

	info = d.Status(second.ID)
	require.NotNil(t, info.QueuePosition)
	assert.Equal(t, 1, *info.QueuePosition)

	_, uerr := d.Update(UpdateParams{ID: first.ID, Status: strPtr(StatusRunning)})
	require.Nil(t, uerr)
	info = d.Status(first.ID)
	assert.True(t, info.IsQueued)
	assert.Equal(t, os.Getpid(), info.RunnerPid)

	// an unknown id is not queued rather than an error
	info = d.Status("ghost")
	assert.False(t, info.IsQueued)
	assert.Nil(t, info.QueuePosition)
	assert.Zero(t, info.RunnerPid)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	d := NewDomain(dir)
	record, err := d.Create(CreateParams{ID: "t1", Title: "persisted"})
	require.Nil(t, err)

	reloaded := NewDomain(dir)
	got, gerr := reloaded.Get(record.ID)
	require.Nil(t, gerr)
	assert.Equal(t, record, got)

	// queue counter survives, so queued ids never repeat
	next, err := reloaded.Create(CreateParams{ID: "t2", Title: "next"})
	require.Nil(t, err)
	assert.NotEqual(t, record.QueuedTaskID, next.QueuedTaskID)
}

func TestSnapshotCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ralph", "api", "tasks-v1.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	d := NewDomain(dir)
	assert.Empty(t, d.List("", true))
}
