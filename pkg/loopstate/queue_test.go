package loopstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeQueue_Lifecycle(t *testing.T) {
	q := NewMergeQueue(t.TempDir())

	require.NoError(t, q.Enqueue(QueueEntry{LoopID: "loop-1", Prompt: "fix tests"}))

	entry, err := q.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, entry.State)
	assert.NotEmpty(t, entry.UpdatedAt)

	require.NoError(t, q.MarkMerging("loop-1"))
	require.NoError(t, q.MarkMerged("loop-1", "abc1234"))

	entry, err = q.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, StateMerged, entry.State)
	assert.Equal(t, "abc1234", entry.MergeCommit)
}

func TestMergeQueue_RetryPath(t *testing.T) {
	q := NewMergeQueue(t.TempDir())

	require.NoError(t, q.Enqueue(QueueEntry{LoopID: "loop-1"}))
	require.NoError(t, q.MarkMerging("loop-1"))
	require.NoError(t, q.MarkNeedsReview("loop-1", "conflicts in main.go"))

	entry, err := q.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, StateNeedsReview, entry.State)
	assert.Equal(t, "conflicts in main.go", entry.Reason)

	// needs-review re-enters merging; the reason is cleared
	require.NoError(t, q.MarkMerging("loop-1"))
	entry, err = q.Get("loop-1")
	require.NoError(t, err)
	assert.Empty(t, entry.Reason)
}

func TestMergeQueue_RejectedTransitions(t *testing.T) {
	q := NewMergeQueue(t.TempDir())

	require.NoError(t, q.Enqueue(QueueEntry{LoopID: "loop-1"}))

	// merged requires merging first
	err := q.MarkMerged("loop-1", "abc")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateQueued, terr.From)
	assert.Equal(t, StateMerged, terr.To)

	require.NoError(t, q.MarkMerging("loop-1"))
	require.NoError(t, q.MarkMerged("loop-1", "abc"))

	// terminal entries cannot be discarded
	require.ErrorAs(t, q.Discard("loop-1"), &terr)

	// duplicate enqueue is rejected
	require.ErrorAs(t, q.Enqueue(QueueEntry{LoopID: "loop-1"}), &terr)

	// unknown ids surface ErrNotFound
	assert.ErrorIs(t, q.MarkMerging("ghost"), ErrNotFound)
	_, err = q.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeQueue_DiscardAndPrune(t *testing.T) {
	q := NewMergeQueue(t.TempDir())

	require.NoError(t, q.Enqueue(QueueEntry{LoopID: "loop-1"}))
	require.NoError(t, q.Enqueue(QueueEntry{LoopID: "loop-2"}))
	require.NoError(t, q.Discard("loop-1"))

	removed, err := q.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "loop-2", entries[0].LoopID)
}

func TestMergeQueue_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	q := NewMergeQueue(dir)
	require.NoError(t, q.Enqueue(QueueEntry{LoopID: "loop-1", Prompt: "p"}))

	fresh := NewMergeQueue(dir)
	entry, err := fresh.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, "p", entry.Prompt)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(t.TempDir())

	require.NoError(t, r.Register(RegistryEntry{ID: "loop-1", PID: 4242}))
	require.NoError(t, r.Register(RegistryEntry{ID: "loop-2", PID: 4243}))

	entry, err := r.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, 4242, entry.PID)
	assert.NotEmpty(t, entry.StartedAt)

	// re-register replaces in place
	require.NoError(t, r.Register(RegistryEntry{ID: "loop-1", PID: 5000}))
	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 5000, entries[0].PID)

	require.NoError(t, r.Deregister("loop-2"))
	assert.ErrorIs(t, r.Deregister("loop-2"), ErrNotFound)

	removed, err := r.PruneDead(func(pid int) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestLockRoundTrip(t *testing.T) {
	root := t.TempDir()

	meta, err := ReadLock(root)
	require.NoError(t, err)
	assert.Nil(t, meta)

	require.NoError(t, WriteLock(root, LockMetadata{PID: 99, Prompt: "refactor"}))

	meta, err = ReadLock(root)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 99, meta.PID)
	assert.Equal(t, "refactor", meta.Prompt)

	require.NoError(t, RemoveLock(root))
	require.NoError(t, RemoveLock(root))
	meta, err = ReadLock(root)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestIsPIDAlive(t *testing.T) {
	assert.True(t, IsPIDAlive(1))
	assert.False(t, IsPIDAlive(0))
	assert.False(t, IsPIDAlive(-5))
}

func TestParseWorktreePorcelain(t *testing.T) {
	output := `worktree /work/repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /work/repo/.ralph/worktrees/loop-7
HEAD 2222222222222222222222222222222222222222
branch refs/heads/ralph/loop-7

worktree /work/repo/.ralph/worktrees/detached
HEAD 3333333333333333333333333333333333333333
detached
`
	worktrees := parseWorktreePorcelain(output)
	require.Len(t, worktrees, 1)
	assert.Equal(t, "/work/repo/.ralph/worktrees/loop-7", worktrees[0].Path)
	assert.Equal(t, "ralph/loop-7", worktrees[0].Branch)
	assert.Equal(t, "loop-7", worktrees[0].LoopID())
}
