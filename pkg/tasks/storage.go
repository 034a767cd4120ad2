package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// snapshot is the on-disk form. Tasks are stored sorted by creation time
// so the file diffs cleanly.
type snapshot struct {
	Tasks        []Record `json:"tasks"`
	QueueCounter uint64   `json:"queueCounter"`
}

// load reads the snapshot if present. A missing or corrupt file starts the
// domain empty; another writer may own the file, so this only warns.
func (d *Domain) load() {
	content, err := os.ReadFile(d.storePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed reading task snapshot", "path", d.storePath, "error", err)
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		slog.Warn("failed parsing task snapshot", "path", d.storePath, "error", err)
		return
	}

	for _, task := range snap.Tasks {
		d.tasks[task.ID] = task
	}
	d.queueCounter = snap.QueueCounter
}

func (d *Domain) persist() *protocol.Error {
	if err := os.MkdirAll(filepath.Dir(d.storePath), 0o755); err != nil {
		return protocol.NewInternal(fmt.Sprintf(
			"failed to create task snapshot directory '%s': %v", filepath.Dir(d.storePath), err))
	}

	records := make([]Record, 0, len(d.tasks))
	for _, record := range d.tasks {
		records = append(records, record)
	}
	sortByCreatedAt(records)

	payload, err := json.MarshalIndent(snapshot{Tasks: records, QueueCounter: d.queueCounter}, "", "  ")
	if err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed to serialize tasks: %v", err))
	}

	if err := os.WriteFile(d.storePath, payload, 0o644); err != nil {
		return protocol.NewInternal(fmt.Sprintf(
			"failed to write task snapshot '%s': %v", d.storePath, err))
	}
	return nil
}
