// Package collections manages hat-graph collections: named graphs of hat
// nodes and event edges, persisted as a JSON snapshot and convertible to
// and from the hat collection YAML format.
package collections

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// Summary is the collection.list row.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// Record is a full collection.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Graph       GraphData `json:"graph"`
	CreatedAt   string    `json:"createdAt"`
	UpdatedAt   string    `json:"updatedAt"`
}

// GraphData is the editor graph: hat nodes, event edges, and the viewport.
type GraphData struct {
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
	Viewport Viewport    `json:"viewport"`
}

// DefaultGraph returns an empty graph with the neutral viewport.
func DefaultGraph() GraphData {
	return GraphData{
		Nodes:    []GraphNode{},
		Edges:    []GraphEdge{},
		Viewport: Viewport{Zoom: 1.0},
	}
}

// GraphNode is a hat placed on the canvas.
type GraphNode struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Position NodePosition `json:"position"`
	Data     HatNodeData  `json:"data"`
}

// NodePosition is the canvas placement.
type NodePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// HatNodeData is the hat definition carried by a node.
type HatNodeData struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	TriggersOn   []string `json:"triggersOn"`
	Publishes    []string `json:"publishes"`
	Instructions string   `json:"instructions,omitempty"`
}

// GraphEdge connects a publishing hat to a subscribing hat. Label holds
// the event name.
type GraphEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Viewport is the canvas camera.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

type snapshot struct {
	Collections []Record `json:"collections"`
	IDCounter   uint64   `json:"idCounter"`
}

// Domain owns the collection table and its snapshot file. Not internally
// synchronized; the rpc runtime serializes access.
type Domain struct {
	storePath   string
	collections map[string]Record
	idCounter   uint64
	now         func() time.Time
}

// NewDomain loads (or initializes) the collection snapshot.
func NewDomain(workspaceRoot string) *Domain {
	d := &Domain{
		storePath:   filepath.Join(workspaceRoot, ".ralph", "api", "collections-v1.json"),
		collections: make(map[string]Record),
		now:         time.Now,
	}
	d.load()
	return d
}

// List returns summaries sorted by name then id.
func (d *Domain) List() []Summary {
	summaries := make([]Summary, 0, len(d.collections))
	for _, record := range d.collections {
		summaries = append(summaries, Summary{
			ID:          record.ID,
			Name:        record.Name,
			Description: record.Description,
			CreatedAt:   record.CreatedAt,
			UpdatedAt:   record.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Name != summaries[j].Name {
			return summaries[i].Name < summaries[j].Name
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}

// Get returns a collection by id.
func (d *Domain) Get(id string) (Record, *protocol.Error) {
	record, ok := d.collections[id]
	if !ok {
		return Record{}, notFoundError(id)
	}
	return record, nil
}

// Create inserts a collection; a nil graph starts empty.
func (d *Domain) Create(name, description string, graph json.RawMessage) (Record, *protocol.Error) {
	if name == "" {
		return Record{}, protocol.NewInvalidParams("collection name must not be empty")
	}

	parsed := DefaultGraph()
	if len(graph) > 0 {
		var err *protocol.Error
		parsed, err = parseGraph(graph)
		if err != nil {
			return Record{}, err
		}
	}

	now := d.ts()
	id := d.nextCollectionID()
	record := Record{
		ID:          id,
		Name:        name,
		Description: description,
		Graph:       parsed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.collections[id] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// CreateFromGraph inserts a collection with an already-parsed graph.
func (d *Domain) CreateFromGraph(name, description string, graph GraphData) (Record, *protocol.Error) {
	raw, err := json.Marshal(graph)
	if err != nil {
		return Record{}, protocol.NewInternal(fmt.Sprintf("failed serializing graph: %v", err))
	}
	return d.Create(name, description, raw)
}

// Update applies a partial patch.
func (d *Domain) Update(id string, name, description *string, graph json.RawMessage) (Record, *protocol.Error) {
	record, ok := d.collections[id]
	if !ok {
		return Record{}, notFoundError(id)
	}

	if name != nil {
		if *name == "" {
			return Record{}, protocol.NewInvalidParams("collection name must not be empty")
		}
		record.Name = *name
	}
	if description != nil {
		record.Description = *description
	}
	if len(graph) > 0 {
		parsed, err := parseGraph(graph)
		if err != nil {
			return Record{}, err
		}
		record.Graph = parsed
	}

	record.UpdatedAt = d.ts()
	d.collections[id] = record
	if err := d.persist(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Delete removes a collection.
func (d *Domain) Delete(id string) *protocol.Error {
	if _, ok := d.collections[id]; !ok {
		return notFoundError(id)
	}
	delete(d.collections, id)
	return d.persist()
}

// Import builds a graph from hat collection YAML and stores it.
func (d *Domain) Import(name, description, yamlText string) (Record, *protocol.Error) {
	graph, err := graphFromYAML(yamlText)
	if err != nil {
		return Record{}, err
	}
	return d.CreateFromGraph(name, description, graph)
}

// Export renders a collection back to hat collection YAML.
func (d *Domain) Export(id string) (string, *protocol.Error) {
	record, err := d.Get(id)
	if err != nil {
		return "", err
	}
	return exportCollectionYAML(record, d.ts())
}

func (d *Domain) nextCollectionID() string {
	d.idCounter++
	return fmt.Sprintf("collection-%d-%04x", d.now().UnixMilli(), d.idCounter)
}

func (d *Domain) load() {
	content, err := os.ReadFile(d.storePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed reading collection snapshot", "path", d.storePath, "error", err)
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		slog.Warn("failed parsing collection snapshot", "path", d.storePath, "error", err)
		return
	}

	for _, record := range snap.Collections {
		d.collections[record.ID] = record
	}
	d.idCounter = snap.IDCounter
}

func (d *Domain) persist() *protocol.Error {
	if err := os.MkdirAll(filepath.Dir(d.storePath), 0o755); err != nil {
		return protocol.NewInternal(fmt.Sprintf(
			"failed creating collection snapshot directory '%s': %v", filepath.Dir(d.storePath), err))
	}

	records := make([]Record, 0, len(d.collections))
	for _, record := range d.collections {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})

	payload, err := json.MarshalIndent(snapshot{Collections: records, IDCounter: d.idCounter}, "", "  ")
	if err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed serializing collections snapshot: %v", err))
	}
	if err := os.WriteFile(d.storePath, payload, 0o644); err != nil {
		return protocol.NewInternal(fmt.Sprintf(
			"failed writing collection snapshot '%s': %v", d.storePath, err))
	}
	return nil
}

func (d *Domain) ts() string {
	return d.now().UTC().Format(time.RFC3339)
}

func parseGraph(raw json.RawMessage) (GraphData, *protocol.Error) {
	var graph GraphData
	if err := json.Unmarshal(raw, &graph); err != nil {
		return GraphData{}, protocol.NewInvalidParams(
			fmt.Sprintf("invalid collection graph: %v", err))
	}
	if graph.Nodes == nil {
		graph.Nodes = []GraphNode{}
	}
	if graph.Edges == nil {
		graph.Edges = []GraphEdge{}
	}
	return graph, nil
}

func notFoundError(id string) *protocol.Error {
	return protocol.NewCollectionNotFound(
		fmt.Sprintf("Collection with id '%s' not found", id)).
		WithDetails(map[string]any{"collectionId": id})
}
