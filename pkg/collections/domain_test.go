package collections

import (
	"encoding/json"
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

func TestCreateGetDelete(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create("pipeline", "build pipeline hats", nil)
	require.Nil(t, err)
	assert.Regexp(t, `^collection-\d+-[0-9a-f]{4}$`, record.ID)
	assert.Empty(t, record.Graph.Nodes)
	assert.Equal(t, 1.0, record.Graph.Viewport.Zoom)

	got, gerr := d.Get(record.ID)
	require.Nil(t, gerr)
	assert.Equal(t, record, got)

	require.Nil(t, d.Delete(record.ID))
	derr := d.Delete(record.ID)
	require.NotNil(t, derr)
	assert.Equal(t, protocol.CodeCollectionNotFound, derr.Code)
}

func TestCreate_Validation(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create("", "", nil)
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)

	_, err = d.Create("bad-graph", "", json.RawMessage(`{"nodes":"nope"}`))
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)
	assert.Contains(t, err.Message, "invalid collection graph")
}

func TestUpdatePartialPatch(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Create("original", "desc", nil)
	require.Nil(t, err)

	name := "renamed"
	updated, uerr := d.Update(record.ID, &name, nil, nil)
	require.Nil(t, uerr)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "desc", updated.Description)
	assert.Greater(t, updated.UpdatedAt, record.UpdatedAt)

	graph := json.RawMessage(`{"nodes":[],"edges":[],"viewport":{"x":1,"y":2,"zoom":0.5}}`)
	updated, uerr = d.Update(record.ID, nil, nil, graph)
	require.Nil(t, uerr)
	assert.Equal(t, 0.5, updated.Graph.Viewport.Zoom)

	_, uerr = d.Update("ghost", &name, nil, nil)
	require.NotNil(t, uerr)
	assert.Equal(t, protocol.CodeCollectionNotFound, uerr.Code)
}

func TestListSortsByNameThenID(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Create("zeta", "", nil)
	require.Nil(t, err)
	_, err = d.Create("alpha", "", nil)
	require.Nil(t, err)

	summaries := d.List()
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].Name)
	assert.Equal(t, "zeta", summaries[1].Name)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	d := NewDomain(dir)
	record, err := d.Create("persisted", "", nil)
	require.Nil(t, err)

	reloaded := NewDomain(dir)
	got, gerr := reloaded.Get(record.ID)
	require.Nil(t, gerr)
	assert.Equal(t, record.Name, got.Name)

	next, err := reloaded.Create("another", "", nil)
	require.Nil(t, err)
	assert.NotEqual(t, record.ID, next.ID)
}

const sampleYAML = `
hats:
  builder:
    name: Builder
    description: Builds the project
    triggers_on: [task.start]
    publishes: [build.done]
  tester:
    name: Tester
    description: Runs the tests
    triggers_on: [build.done]
    publishes: [LOOP_COMPLETE]
    instructions: Run the full suite.
`

func TestImportLaysOutGraph(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Import("ci", "ci hats", sampleYAML)
	require.Nil(t, err)

	require.Len(t, record.Graph.Nodes, 2)
	builder := record.Graph.Nodes[0]
	tester := record.Graph.Nodes[1]

	assert.Equal(t, "builder", builder.ID)
	assert.Equal(t, "hatNode", builder.Type)
	assert.Equal(t, 250.0, builder.Position.X)
	assert.Equal(t, 50.0, builder.Position.Y)
	assert.Equal(t, 250.0, tester.Position.Y)
	assert.Equal(t, "Run the full suite.", tester.Data.Instructions)

	require.Len(t, record.Graph.Edges, 1)
	edge := record.Graph.Edges[0]
	assert.Equal(t, "edge-0", edge.ID)
	assert.Equal(t, "builder", edge.Source)
	assert.Equal(t, "tester", edge.Target)
	assert.Equal(t, "build.done", edge.Label)

	assert.Equal(t, 0.8, record.Graph.Viewport.Zoom)
}

func TestImport_InvalidYAML(t *testing.T) {
	d := newTestDomain(t)

	_, err := d.Import("bad", "", "hats: [not: a: mapping")
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, err.Code)
	assert.Contains(t, err.Message, "invalid collection yaml")
}

func TestExportRebuildsWiring(t *testing.T) {
	d := newTestDomain(t)

	record, err := d.Import("ci", "ci hats", sampleYAML)
	require.Nil(t, err)

	text, xerr := d.Export(record.ID)
	require.Nil(t, xerr)

	assert.True(t, strings.HasPrefix(text, "# ci\n# ci hats\n# Generated at: "))
	assert.Contains(t, text, "completion_promise: LOOP_COMPLETE")
	assert.Contains(t, text, "starting_event: task.start")
	assert.Contains(t, text, "max_iterations: 50")
	assert.Contains(t, text, "backend: claude")
	assert.Contains(t, text, "prompt_mode: arg")

	// the exported document imports back to the same wiring
	body := text[strings.Index(text, "hats:"):]
	reimported, rerr := d.Import("ci2", "", body)
	require.Nil(t, rerr)
	require.Len(t, reimported.Graph.Edges, 1)
	assert.Equal(t, "build.done", reimported.Graph.Edges[0].Label)
}

func TestExport_UnlabeledEdgeGetsSyntheticEvent(t *testing.T) {
	d := newTestDomain(t)

	graph := GraphData{
		Nodes: []GraphNode{
			{ID: "n1", Type: "hatNode", Data: HatNodeData{Key: "alpha", Name: "Alpha"}},
			{ID: "n2", Type: "hatNode", Data: HatNodeData{Key: "beta", Name: "Beta"}},
		},
		Edges:    []GraphEdge{{ID: "edge-0", Source: "n1", Target: "n2"}},
		Viewport: Viewport{Zoom: 1.0},
	}
	record, err := d.CreateFromGraph("wired", "", graph)
	require.Nil(t, err)

	text, xerr := d.Export(record.ID)
	require.Nil(t, xerr)
	assert.Contains(t, text, "alpha_to_beta")
}
