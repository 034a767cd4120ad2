package planning

import (
	"os"
	"path/filepath"
	"strings"
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

func TestStart(t *testing.T) {
	d := newTestDomain(t)

	session, err := d.Start("  Plan the storage refactor  ")
	require.Nil(t, err)
	assert.Regexp(t, `^\d{8}T\d{6}-[0-9a-f]{32}$`, session.ID)
	assert.Equal(t, "Plan the storage refactor", session.Title)
	assert.Equal(t, StatusActive, session.Status)

	got, gerr := d.Get(session.ID)
	require.Nil(t, gerr)
	assert.Equal(t, session.ID, got.ID)
	assert.Zero(t, got.Iterations)
	assert.Equal(t, 1, got.MessageCount)
	require.Len(t, got.Conversation, 1)
	assert.Equal(t, "prompt", got.Conversation[0].Role)
	assert.Equal(t, InitialPromptID, got.Conversation[0].PromptID)
	assert.Equal(t, "Plan the storage refactor", got.Conversation[0].Content)
}

func TestStart_EmptyPromptRejected(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Start("   ")
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)
}

func TestStart_LongPromptTruncatedTitle(t *testing.T) {
	d := newTestDomain(t)

	prompt := strings.Repeat("x", 80)
	session, err := d.Start(prompt)
	require.Nil(t, err)
	assert.Len(t, session.Title, 60)
	assert.True(t, strings.HasSuffix(session.Title, "..."))
}

func TestRespondAppendsAndReactivates(t *testing.T) {
	d := newTestDomain(t)

	session, err := d.Start("plan")
	require.Nil(t, err)

	// simulate the planner pausing for input
	dir := filepath.Join(d.root, session.ID)
	session.Status = StatusWaitingForInput
	require.Nil(t, d.writeSession(dir, session))

	updated, rerr := d.Respond(session.ID, "q1", "use sqlite")
	require.Nil(t, rerr)
	assert.Equal(t, StatusActive, updated.Status)

	got, gerr := d.Get(session.ID)
	require.Nil(t, gerr)
	require.Len(t, got.Conversation, 2)
	assert.Equal(t, "response", got.Conversation[1].Role)
	assert.Equal(t, "q1", got.Conversation[1].PromptID)
	assert.Equal(t, "use sqlite", got.Conversation[1].Content)
}

func TestRespond_Validation(t *testing.T) {
	d := newTestDomain(t)
	session, err := d.Start("plan")
	require.Nil(t, err)

	_, rerr := d.Respond(session.ID, "q1", "  ")
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.CodeInvalidParams, rerr.Code)

	_, rerr = d.Respond(session.ID, "", "text")
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.CodeInvalidParams, rerr.Code)

	_, rerr = d.Respond("20240101T000000-missing", "q1", "text")
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.CodeSessionNotFound, rerr.Code)
}

func TestListSortsByUpdatedAtDesc(t *testing.T) {
	d := newTestDomain(t)

	first, err := d.Start("first")
	require.Nil(t, err)
	second, err := d.Start("second")
	require.Nil(t, err)

	sessions, lerr := d.List()
	require.Nil(t, lerr)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
}

func TestListMapsWaitingToPaused(t *testing.T) {
	d := newTestDomain(t)

	session, err := d.Start("plan")
	require.Nil(t, err)
	dir := filepath.Join(d.root, session.ID)
	session.Status = StatusWaitingForInput
	require.Nil(t, d.writeSession(dir, session))

	sessions, lerr := d.List()
	require.Nil(t, lerr)
	require.Len(t, sessions, 1)
	assert.Equal(t, "paused", sessions[0].Status)
}

func TestResumeAndDelete(t *testing.T) {
	d := newTestDomain(t)

	session, err := d.Start("plan")
	require.Nil(t, err)

	resumed, rerr := d.Resume(session.ID)
	require.Nil(t, rerr)
	assert.Equal(t, StatusActive, resumed.Status)

	require.Nil(t, d.Delete(session.ID))
	derr := d.Delete(session.ID)
	require.NotNil(t, derr)
	assert.Equal(t, protocol.CodeSessionNotFound, derr.Code)
}

func TestSessionIDValidation(t *testing.T) {
	d := newTestDomain(t)

	for _, id := range []string{"", "../escape", "has space", strings.Repeat("a", 121)} {
		_, err := d.Get(id)
		require.NotNil(t, err, id)
		assert.Equal(t, protocol.CodeInvalidParams, err.Code, id)
	}
}

func TestGetArtifact(t *testing.T) {
	d := newTestDomain(t)

	session, err := d.Start("plan")
	require.Nil(t, err)
	artifactsDir := filepath.Join(d.root, session.ID, "artifacts")
	require.NoError(t, os.WriteFile(filepath.Join(artifactsDir, "plan.md"), []byte("# Plan"), 0o644))

	artifact, aerr := d.GetArtifact(session.ID, "plan.md")
	require.Nil(t, aerr)
	assert.Equal(t, "plan.md", artifact.Filename)
	assert.Equal(t, "# Plan", artifact.Content)
}

func TestGetArtifact_NameValidation(t *testing.T) {
	d := newTestDomain(t)
	session, err := d.Start("plan")
	require.Nil(t, err)

	// only non-plain file names are a caller error
	for _, name := range []string{"", ".", "..", "../session.json", "a/b.md"} {
		_, aerr := d.GetArtifact(session.ID, name)
		require.NotNil(t, aerr, name)
		assert.Equal(t, protocol.CodeInvalidParams, aerr.Code, name)
	}

	// names the listing would never show report as plain misses, even when
	// a matching file exists on disk
	artifactsDir := filepath.Join(d.root, session.ID, "artifacts")
	require.NoError(t, os.WriteFile(filepath.Join(artifactsDir, ".hidden"), []byte("x"), 0o644))
	for _, name := range []string{".hidden", "bad name.md", strings.Repeat("a", 256)} {
		_, aerr := d.GetArtifact(session.ID, name)
		require.NotNil(t, aerr, name)
		assert.Equal(t, protocol.CodeNotFound, aerr.Code, name)
		assert.Equal(t, "Artifact not found", aerr.Message, name)
	}
}

func TestGet_ListsArtifacts(t *testing.T) {
	d := newTestDomain(t)
	session, err := d.Start("plan")
	require.Nil(t, err)

	artifactsDir := filepath.Join(d.root, session.ID, "artifacts")
	require.NoError(t, os.WriteFile(filepath.Join(artifactsDir, "plan.md"), []byte("# Plan"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(artifactsDir, "notes.txt"), []byte("n"), 0o644))
	// invisible to the listing: dotfile and non-regular entry
	require.NoError(t, os.WriteFile(filepath.Join(artifactsDir, ".draft"), []byte("d"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(artifactsDir, "subdir"), 0o755))

	got, gerr := d.Get(session.ID)
	require.Nil(t, gerr)
	assert.Equal(t, []string{"notes.txt", "plan.md"}, got.Artifacts)
}

func TestGet_CompletedSessionReportsCompletedAt(t *testing.T) {
	d := newTestDomain(t)
	session, err := d.Start("plan")
	require.Nil(t, err)

	dir := filepath.Join(d.root, session.ID)
	session.Status = StatusCompleted
	session.Iterations = 3
	require.Nil(t, d.writeSession(dir, session))

	got, gerr := d.Get(session.ID)
	require.Nil(t, gerr)
	assert.Equal(t, session.UpdatedAt, got.CompletedAt)
	assert.Equal(t, uint64(3), got.Iterations)

	sessions, lerr := d.List()
	require.Nil(t, lerr)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(3), sessions[0].Iterations)
	assert.Equal(t, 1, sessions[0].MessageCount)
}

func TestGetArtifact_MissesAreOpaque(t *testing.T) {
	d := newTestDomain(t)
	session, err := d.Start("plan")
	require.Nil(t, err)

	_, aerr := d.GetArtifact(session.ID, "missing.md")
	require.NotNil(t, aerr)
	assert.Equal(t, protocol.CodeNotFound, aerr.Code)
	assert.Equal(t, "Artifact not found", aerr.Message)

	// a symlink is not a regular file and reports the same way
	target := filepath.Join(d.root, session.ID, "session.json")
	link := filepath.Join(d.root, session.ID, "artifacts", "link.md")
	require.NoError(t, os.Symlink(target, link))

	_, aerr = d.GetArtifact(session.ID, "link.md")
	require.NotNil(t, aerr)
	assert.Equal(t, protocol.CodeNotFound, aerr.Code)
	assert.Equal(t, "Artifact not found", aerr.Message)
}
