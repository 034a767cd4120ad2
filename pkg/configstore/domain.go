// Package configstore reads and safely rewrites the workspace ralph.yml.
package configstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// FileName is the workspace configuration file the domain manages.
const FileName = "ralph.yml"

// Domain owns ralph.yml under the workspace root. Not internally
// synchronized; the rpc runtime serializes access.
type Domain struct {
	path string
}

// NewDomain binds the config file under workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	return &Domain{path: filepath.Join(workspaceRoot, FileName)}
}

// Get returns the raw file content and its parsed form. A missing file is
// NOT_FOUND; an unparsable file parses as empty so a broken config stays
// readable.
func (d *Domain) Get() (string, map[string]any, *protocol.Error) {
	content, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, protocol.NewNotFound(
				fmt.Sprintf("%s not found in workspace", FileName)).
				WithDetails(map[string]any{"path": FileName})
		}
		return "", nil, protocol.NewInternal(fmt.Sprintf("failed reading %s: %v", FileName, err))
	}

	parsed := make(map[string]any)
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		slog.Warn("failed parsing workspace config", "path", d.path, "error", err)
		return string(content), map[string]any{}, nil
	}
	if parsed == nil {
		parsed = map[string]any{}
	}
	return string(content), parsed, nil
}

// Update validates and writes new YAML content atomically: the payload
// goes to a temp file first and is renamed into place.
func (d *Domain) Update(yamlText string) (map[string]any, *protocol.Error) {
	parsed := make(map[string]any)
	if err := yaml.Unmarshal([]byte(yamlText), &parsed); err != nil {
		return nil, protocol.NewConfigInvalid(
			fmt.Sprintf("invalid %s content: %v", FileName, err))
	}

	if err := safeWrite(d.path, []byte(yamlText)); err != nil {
		return nil, protocol.NewInternal(err.Error())
	}
	if parsed == nil {
		parsed = map[string]any{}
	}
	return parsed, nil
}

// safeWrite writes via a sibling temp file and rename so readers never see
// a torn config. The temp file is removed if anything fails.
func safeWrite(path string, payload []byte) error {
	temp := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(temp, payload, 0o644); err != nil {
		return fmt.Errorf("failed writing temp config '%s': %w", temp, err)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("failed replacing config '%s': %w", path, err)
	}
	return nil
}
