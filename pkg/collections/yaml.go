package collections

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// Canvas layout used when importing YAML: one column of hat nodes.
const (
	importNodeX       = 250.0
	importNodeYBase   = 50.0
	importNodeYStride = 200.0
	importZoom        = 0.8
)

// Fixed runtime settings emitted on export.
const (
	exportCompletionPromise = "LOOP_COMPLETE"
	exportStartingEvent     = "task.start"
	exportMaxIterations     = 50
	exportCLIBackend        = "claude"
	exportPromptMode        = "arg"
	exportDefaultDesc       = "Exported hat collection"
)

type yamlHat struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	TriggersOn   []string `yaml:"triggers_on"`
	Publishes    []string `yaml:"publishes"`
	Instructions string   `yaml:"instructions,omitempty"`
}

type yamlEventLoop struct {
	CompletionPromise string `yaml:"completion_promise"`
	StartingEvent     string `yaml:"starting_event"`
	MaxIterations     int    `yaml:"max_iterations"`
}

type yamlCLI struct {
	Backend    string `yaml:"backend"`
	PromptMode string `yaml:"prompt_mode"`
}

type yamlDoc struct {
	Hats      map[string]yamlHat `yaml:"hats"`
	EventLoop yamlEventLoop      `yaml:"event_loop"`
	CLI       yamlCLI            `yaml:"cli"`
}

// graphFromYAML lays a hat collection out as a graph: hats become a column
// of nodes in key order, and each event becomes edges from its publishers
// to its subscribers.
func graphFromYAML(text string) (GraphData, *protocol.Error) {
	var doc yamlDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return GraphData{}, protocol.NewInvalidParams(
			fmt.Sprintf("invalid collection yaml: %v", err))
	}

	keys := make([]string, 0, len(doc.Hats))
	for key := range doc.Hats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	graph := GraphData{
		Nodes:    make([]GraphNode, 0, len(keys)),
		Edges:    []GraphEdge{},
		Viewport: Viewport{Zoom: importZoom},
	}

	for i, key := range keys {
		hat := doc.Hats[key]
		name := hat.Name
		if name == "" {
			name = key
		}
		graph.Nodes = append(graph.Nodes, GraphNode{
			ID:   key,
			Type: "hatNode",
			Position: NodePosition{
				X: importNodeX,
				Y: importNodeYBase + importNodeYStride*float64(i),
			},
			Data: HatNodeData{
				Key:          key,
				Name:         name,
				Description:  hat.Description,
				TriggersOn:   orEmpty(hat.TriggersOn),
				Publishes:    orEmpty(hat.Publishes),
				Instructions: hat.Instructions,
			},
		})
	}

	seen := make(map[string]struct{})
	for _, publisher := range keys {
		for _, event := range doc.Hats[publisher].Publishes {
			for _, subscriber := range keys {
				if subscriber == publisher || !contains(doc.Hats[subscriber].TriggersOn, event) {
					continue
				}
				pairKey := publisher + "\x00" + subscriber + "\x00" + event
				if _, dup := seen[pairKey]; dup {
					continue
				}
				seen[pairKey] = struct{}{}
				graph.Edges = append(graph.Edges, GraphEdge{
					ID:     fmt.Sprintf("edge-%d", len(graph.Edges)),
					Source: publisher,
					Target: subscriber,
					Label:  event,
				})
			}
		}
	}

	return graph, nil
}

// exportCollectionYAML renders a graph back into runnable hat collection
// YAML. Event wiring is rebuilt from the edges; an unlabeled edge gets a
// synthetic "<source>_to_<target>" event.
func exportCollectionYAML(record Record, generatedAt string) (string, *protocol.Error) {
	hats := make(map[string]yamlHat, len(record.Graph.Nodes))
	keyByNodeID := make(map[string]string, len(record.Graph.Nodes))

	for _, node := range record.Graph.Nodes {
		key := node.Data.Key
		if key == "" {
			key = node.ID
		}
		keyByNodeID[node.ID] = key
		hats[key] = yamlHat{
			Name:         node.Data.Name,
			Description:  node.Data.Description,
			TriggersOn:   append([]string{}, node.Data.TriggersOn...),
			Publishes:    append([]string{}, node.Data.Publishes...),
			Instructions: node.Data.Instructions,
		}
	}

	for _, edge := range record.Graph.Edges {
		sourceKey, sourceOK := keyByNodeID[edge.Source]
		targetKey, targetOK := keyByNodeID[edge.Target]
		if !sourceOK || !targetOK {
			continue
		}
		event := edge.Label
		if event == "" {
			event = fmt.Sprintf("%s_to_%s", sourceKey, targetKey)
		}

		source := hats[sourceKey]
		if !contains(source.Publishes, event) {
			source.Publishes = append(source.Publishes, event)
			hats[sourceKey] = source
		}
		target := hats[targetKey]
		if !contains(target.TriggersOn, event) {
			target.TriggersOn = append(target.TriggersOn, event)
			hats[targetKey] = target
		}
	}

	doc := yamlDoc{
		Hats: hats,
		EventLoop: yamlEventLoop{
			CompletionPromise: exportCompletionPromise,
			StartingEvent:     exportStartingEvent,
			MaxIterations:     exportMaxIterations,
		},
		CLI: yamlCLI{
			Backend:    exportCLIBackend,
			PromptMode: exportPromptMode,
		},
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", protocol.NewInternal(fmt.Sprintf("failed rendering collection yaml: %v", err))
	}

	description := record.Description
	if description == "" {
		description = exportDefaultDesc
	}
	header := fmt.Sprintf("# %s\n# %s\n# Generated at: %s\n\n",
		record.Name, description, generatedAt)
	return header + string(body), nil
}

func orEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func contains(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}
