// Package planning manages interactive planning sessions stored as
// per-session directories: session.json metadata, an append-only
// conversation.jsonl, and an artifacts/ directory.
package planning

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// Session statuses. waiting_for_input is surfaced to clients as "paused".
const (
	StatusActive          = "active"
	StatusCompleted       = "completed"
	StatusWaitingForInput = "waiting_for_input"
)

// InitialPromptID identifies the prompt recorded by planning.start.
const InitialPromptID = "initial"

const (
	maxTitleLen     = 60
	maxSessionIDLen = 120
	maxArtifactLen  = 255
	createAttempts  = 8
)

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,120}$`)
	artifactPattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Session is the persisted session metadata. Iterations counts planner
// passes; the external planner increments it in session.json.
type Session struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Prompt     string `json:"prompt"`
	Status     string `json:"status"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	Iterations uint64 `json:"iterations"`
}

// Summary is one planning.list entry.
type Summary struct {
	Session
	MessageCount int `json:"messageCount"`
}

// Detail is the planning.get result. CompletedAt is reported only for
// completed sessions.
type Detail struct {
	Session
	CompletedAt  string              `json:"completedAt,omitempty"`
	Conversation []ConversationEntry `json:"conversation"`
	Artifacts    []string            `json:"artifacts"`
	MessageCount int                 `json:"messageCount"`
}

// ConversationEntry is one line of conversation.jsonl rendered for clients.
type ConversationEntry struct {
	Role      string `json:"role"`
	PromptID  string `json:"promptId,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// conversationLine is the raw jsonl record.
type conversationLine struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
	Ts   string `json:"ts"`
}

// Artifact is the planning.get_artifact result.
type Artifact struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Domain owns the planning-sessions tree. Not internally synchronized;
// the rpc runtime serializes access.
type Domain struct {
	root string
	now  func() time.Time
}

// NewDomain binds the sessions directory under workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	return &Domain{
		root: filepath.Join(workspaceRoot, ".ralph", "api", "planning-sessions"),
		now:  time.Now,
	}
}

// Start creates a session from an initial prompt. The prompt becomes the
// first conversation line and seeds the session title.
func (d *Domain) Start(prompt string) (Session, *protocol.Error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return Session{}, protocol.NewInvalidParams("planning prompt must not be empty")
	}

	id, dir, err := d.createUniqueSessionDir()
	if err != nil {
		return Session{}, err
	}

	now := d.ts()
	session := Session{
		ID:        id,
		Title:     titleFromPrompt(trimmed),
		Prompt:    trimmed,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.writeSession(dir, session); err != nil {
		return Session{}, err
	}
	if err := d.appendConversation(dir, conversationLine{
		Type: "user_prompt",
		ID:   InitialPromptID,
		Text: trimmed,
		Ts:   now,
	}); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Respond appends a user response to a prompt and reactivates the session.
func (d *Domain) Respond(sessionID, promptID, text string) (Session, *protocol.Error) {
	if strings.TrimSpace(text) == "" {
		return Session{}, protocol.NewInvalidParams("planning response text must not be empty")
	}
	if promptID == "" {
		return Session{}, protocol.NewInvalidParams("planning response requires a promptId")
	}

	dir, session, err := d.loadSession(sessionID)
	if err != nil {
		return Session{}, err
	}

	now := d.ts()
	if aerr := d.appendConversation(dir, conversationLine{
		Type: "user_response",
		ID:   promptID,
		Text: text,
		Ts:   now,
	}); aerr != nil {
		return Session{}, aerr
	}

	session.Status = StatusActive
	session.UpdatedAt = now
	if werr := d.writeSession(dir, session); werr != nil {
		return Session{}, werr
	}
	return session, nil
}

// Resume reactivates a paused or completed session.
func (d *Domain) Resume(sessionID string) (Session, *protocol.Error) {
	dir, session, err := d.loadSession(sessionID)
	if err != nil {
		return Session{}, err
	}
	session.Status = StatusActive
	session.UpdatedAt = d.ts()
	if werr := d.writeSession(dir, session); werr != nil {
		return Session{}, werr
	}
	return session, nil
}

// Delete removes a session directory entirely.
func (d *Domain) Delete(sessionID string) *protocol.Error {
	dir, _, err := d.loadSession(sessionID)
	if err != nil {
		return err
	}
	if rerr := os.RemoveAll(dir); rerr != nil {
		return protocol.NewInternal(fmt.Sprintf("failed deleting session '%s': %v", sessionID, rerr))
	}
	return nil
}

// List returns session summaries, most recently updated first.
func (d *Domain) List() ([]Summary, *protocol.Error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, protocol.NewInternal(fmt.Sprintf("failed listing sessions: %v", err))
	}

	sessions := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir, session, serr := d.loadSession(entry.Name())
		if serr != nil {
			continue
		}
		sessions = append(sessions, Summary{
			Session:      displaySession(session),
			MessageCount: countMessages(filepath.Join(dir, "conversation.jsonl")),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt != sessions[j].UpdatedAt {
			return sessions[i].UpdatedAt > sessions[j].UpdatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// Get returns a session with its rendered conversation and the names of
// its artifacts.
func (d *Domain) Get(sessionID string) (Detail, *protocol.Error) {
	dir, session, err := d.loadSession(sessionID)
	if err != nil {
		return Detail{}, err
	}

	conversation, cerr := readConversation(filepath.Join(dir, "conversation.jsonl"))
	if cerr != nil {
		return Detail{}, cerr
	}

	detail := Detail{
		Session:      displaySession(session),
		Conversation: conversation,
		Artifacts:    readArtifacts(filepath.Join(dir, "artifacts")),
		MessageCount: len(conversation),
	}
	if session.Status == StatusCompleted {
		detail.CompletedAt = session.UpdatedAt
	}
	return detail, nil
}

// GetArtifact reads a named artifact. Only a plain file name is a valid
// request; names that would never appear in a planning.get artifact
// listing, misses, and non-regular files are all reported identically,
// without hints.
func (d *Domain) GetArtifact(sessionID, name string) (Artifact, *protocol.Error) {
	if !isPlainFileName(name) {
		return Artifact{}, protocol.NewInvalidParams(
			"planning.get_artifact filename must be a plain file name")
	}
	if !isListedArtifactName(name) {
		return Artifact{}, artifactNotFound()
	}

	dir, _, err := d.loadSession(sessionID)
	if err != nil {
		return Artifact{}, err
	}

	path := filepath.Join(dir, "artifacts", name)
	info, serr := os.Lstat(path)
	if serr != nil || !info.Mode().IsRegular() {
		return Artifact{}, artifactNotFound()
	}
	content, rerr := os.ReadFile(path)
	if rerr != nil {
		return Artifact{}, artifactNotFound()
	}
	return Artifact{Filename: name, Content: string(content)}, nil
}

func (d *Domain) createUniqueSessionDir() (string, string, *protocol.Error) {
	stamp := d.now().UTC().Format("20060102T150405")
	for attempt := 0; attempt < createAttempts; attempt++ {
		id := fmt.Sprintf("%s-%s", stamp, strings.ReplaceAll(uuid.NewString(), "-", ""))
		dir := filepath.Join(d.root, id)
		if err := os.MkdirAll(d.root, 0o755); err != nil {
			return "", "", protocol.NewInternal(fmt.Sprintf("failed creating sessions root: %v", err))
		}
		if err := os.Mkdir(dir, 0o755); err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", "", protocol.NewInternal(fmt.Sprintf("failed creating session dir: %v", err))
		}
		if err := os.Mkdir(filepath.Join(dir, "artifacts"), 0o755); err != nil {
			return "", "", protocol.NewInternal(fmt.Sprintf("failed creating artifacts dir: %v", err))
		}
		return id, dir, nil
	}
	return "", "", protocol.NewInternal("failed allocating a unique session directory")
}

func (d *Domain) loadSession(sessionID string) (string, Session, *protocol.Error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", Session{}, protocol.NewInvalidParams(
			fmt.Sprintf("invalid session id '%s'", sessionID))
	}

	dir := filepath.Join(d.root, sessionID)
	content, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return "", Session{}, sessionNotFound(sessionID)
	}
	var session Session
	if err := json.Unmarshal(content, &session); err != nil {
		return "", Session{}, protocol.NewInternal(
			fmt.Sprintf("failed parsing session '%s': %v", sessionID, err))
	}
	return dir, session, nil
}

func (d *Domain) writeSession(dir string, session Session) *protocol.Error {
	payload, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed serializing session: %v", err))
	}
	if err := os.WriteFile(filepath.Join(dir, "session.json"), payload, 0o644); err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed writing session.json: %v", err))
	}
	return nil
}

func (d *Domain) appendConversation(dir string, line conversationLine) *protocol.Error {
	payload, err := json.Marshal(line)
	if err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed serializing conversation line: %v", err))
	}
	file, err := os.OpenFile(filepath.Join(dir, "conversation.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed opening conversation log: %v", err))
	}
	defer file.Close()
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return protocol.NewInternal(fmt.Sprintf("failed appending conversation line: %v", err))
	}
	return nil
}

func (d *Domain) ts() string {
	return d.now().UTC().Format(time.RFC3339)
}

func readConversation(path string) ([]ConversationEntry, *protocol.Error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []ConversationEntry{}, nil
		}
		return nil, protocol.NewInternal(fmt.Sprintf("failed reading conversation log: %v", err))
	}
	defer file.Close()

	entries := make([]ConversationEntry, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line conversationLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		role := "response"
		if line.Type == "user_prompt" {
			role = "prompt"
		}
		entries = append(entries, ConversationEntry{
			Role:      role,
			PromptID:  line.ID,
			Content:   line.Text,
			Timestamp: line.Ts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, protocol.NewInternal(fmt.Sprintf("failed scanning conversation log: %v", err))
	}
	return entries, nil
}

// displaySession maps the stored status to the client-facing one.
func displaySession(session Session) Session {
	if session.Status == StatusWaitingForInput {
		session.Status = "paused"
	}
	return session
}

// titleFromPrompt derives a short session title from the initial prompt.
func titleFromPrompt(prompt string) string {
	if len(prompt) <= maxTitleLen {
		return prompt
	}
	return prompt[:maxTitleLen-3] + "..."
}

// isPlainFileName reports whether name is a single, normal path component.
func isPlainFileName(name string) bool {
	return name != "" && name != "." && name != ".." && name == filepath.Base(name)
}

// isListedArtifactName is the whitelist shared by planning.get listings and
// planning.get_artifact: dotfiles and exotic names are invisible.
func isListedArtifactName(name string) bool {
	return isPlainFileName(name) &&
		len(name) <= maxArtifactLen &&
		!strings.HasPrefix(name, ".") &&
		artifactPattern.MatchString(name)
}

// readArtifacts lists the regular files in an artifacts directory that
// pass the listing whitelist, sorted by name.
func readArtifacts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if isListedArtifactName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names
}

// countMessages counts non-blank conversation.jsonl lines.
func countMessages(path string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func sessionNotFound(sessionID string) *protocol.Error {
	return protocol.NewSessionNotFound(
		fmt.Sprintf("Planning session with id '%s' not found", sessionID)).
		WithDetails(map[string]any{"sessionId": sessionID})
}

func artifactNotFound() *protocol.Error {
	return protocol.NewNotFound("Artifact not found")
}
