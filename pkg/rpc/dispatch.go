package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
	"github.com/ralph-workflows/ralph-api/pkg/stream"
	"github.com/ralph-workflows/ralph-api/pkg/tasks"
)

type idOnlyParams struct {
	ID string `json:"id"`
}

type taskListParams struct {
	Status          string `json:"status"`
	IncludeArchived bool   `json:"includeArchived"`
}

type loopListParams struct {
	IncludeTerminal bool `json:"includeTerminal"`
}

type loopRetryParams struct {
	ID            string `json:"id"`
	SteeringInput string `json:"steeringInput"`
}

type loopStopMergeParams struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

type loopTriggerMergeTaskParams struct {
	LoopID string `json:"loopId"`
}

type planningStartParams struct {
	Prompt string `json:"prompt"`
}

type planningRespondParams struct {
	SessionID string `json:"sessionId"`
	PromptID  string `json:"promptId"`
	Response  string `json:"response"`
}

type planningGetArtifactParams struct {
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
}

type configUpdateParams struct {
	Content string `json:"content"`
}

type collectionCreateParams struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Graph       json.RawMessage `json:"graph"`
}

type collectionUpdateParams struct {
	ID          string          `json:"id"`
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Graph       json.RawMessage `json:"graph"`
}

type collectionImportParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	YAML        string `json:"yaml"`
}

type streamUnsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

type streamAckParams struct {
	SubscriptionID string `json:"subscriptionId"`
	Cursor         string `json:"cursor"`
}

// dispatch routes a validated request to its method family. Each family
// locks its domain mutex for the duration of the call so file-backed state
// never sees concurrent writers; when loop dispatch crosses into the task
// domain it always takes the loop mutex first.
func (r *Runtime) dispatch(request *protocol.RequestEnvelope, principal string) (any, *protocol.Error) {
	switch {
	case request.Method == "system.health":
		return r.HealthPayload(), nil
	case request.Method == "system.version":
		return r.versionPayload(), nil
	case request.Method == "system.capabilities":
		return r.CapabilitiesPayload(), nil
	case strings.HasPrefix(request.Method, "task."):
		r.tasksMu.Lock()
		defer r.tasksMu.Unlock()
		return r.dispatchTask(request)
	case strings.HasPrefix(request.Method, "loop."):
		r.loopsMu.Lock()
		defer r.loopsMu.Unlock()
		return r.dispatchLoop(request)
	case strings.HasPrefix(request.Method, "planning."):
		r.planningMu.Lock()
		defer r.planningMu.Unlock()
		return r.dispatchPlanning(request)
	case strings.HasPrefix(request.Method, "config."):
		r.configMu.Lock()
		defer r.configMu.Unlock()
		return r.dispatchConfig(request)
	case request.Method == "preset.list":
		r.collectionsMu.Lock()
		defer r.collectionsMu.Unlock()
		return map[string]any{"presets": r.presets.List(r.collections.List())}, nil
	case strings.HasPrefix(request.Method, "collection."):
		r.collectionsMu.Lock()
		defer r.collectionsMu.Unlock()
		return r.dispatchCollection(request)
	case strings.HasPrefix(request.Method, "stream."):
		return r.dispatchStream(request, principal)
	default:
		return nil, notImplemented(request.Method)
	}
}

func (r *Runtime) dispatchTask(request *protocol.RequestEnvelope) (any, *protocol.Error) {
	switch request.Method {
	case "task.list":
		params, err := parseParams[taskListParams](request)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": r.tasks.List(params.Status, params.IncludeArchived)}, nil
	case "task.get":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		task, terr := r.tasks.Get(id)
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"task": task}, nil
	case "task.ready":
		return map[string]any{"tasks": r.tasks.Ready()}, nil
	case "task.create":
		params, err := parseParams[tasks.CreateParams](request)
		if err != nil {
			return nil, err
		}
		task, terr := r.tasks.Create(params)
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"task": task}, nil
	case "task.update":
		params, err := parseTaskUpdateParams(request)
		if err != nil {
			return nil, err
		}
		task, terr := r.tasks.Update(params)
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"task": task}, nil
	case "task.close":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		task, terr := r.tasks.Close(id)
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"task": task}, nil
	case "task.archive", "task.unarchive":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		var task tasks.Record
		var terr *protocol.Error
		if request.Method == "task.archive" {
			task, terr = r.tasks.Archive(id)
		} else {
			task, terr = r.tasks.Unarchive(id)
		}
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"task": task}, nil
	case "task.delete":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		if terr := r.tasks.Delete(id); terr != nil {
			return nil, terr
		}
		return map[string]any{"success": true}, nil
	case "task.clear":
		cleared, terr := r.tasks.Clear()
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"success": true, "cleared": cleared}, nil
	case "task.run":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		result, terr := r.tasks.Run(id)
		if terr != nil {
			return nil, terr
		}
		return result, nil
	case "task.run_all":
		return r.tasks.RunAll(), nil
	case "task.retry":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		result, terr := r.tasks.Retry(id)
		if terr != nil {
			return nil, terr
		}
		return result, nil
	case "task.cancel":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		task, terr := r.tasks.Cancel(id)
		if terr != nil {
			return nil, terr
		}
		return map[string]any{"task": task}, nil
	case "task.status":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		return r.tasks.Status(id), nil
	default:
		return nil, notImplemented(request.Method)
	}
}

func (r *Runtime) dispatchLoop(request *protocol.RequestEnvelope) (any, *protocol.Error) {
	switch request.Method {
	case "loop.list":
		params, err := parseParams[loopListParams](request)
		if err != nil {
			return nil, err
		}
		records, lerr := r.loops.List(params.IncludeTerminal)
		if lerr != nil {
			return nil, lerr
		}
		return map[string]any{"loops": records}, nil
	case "loop.status":
		status, lerr := r.loops.Status()
		if lerr != nil {
			return nil, lerr
		}
		return status, nil
	case "loop.process":
		result, lerr := r.loops.Process()
		if lerr != nil {
			return nil, lerr
		}
		return result, nil
	case "loop.prune":
		result, lerr := r.loops.Prune()
		if lerr != nil {
			return nil, lerr
		}
		return result, nil
	case "loop.retry":
		params, err := parseParams[loopRetryParams](request)
		if err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, missingID(request.Method)
		}
		if _, lerr := r.loops.Retry(params.ID, params.SteeringInput); lerr != nil {
			return nil, lerr
		}
		return map[string]any{"success": true}, nil
	case "loop.discard":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		if lerr := r.loops.Discard(id); lerr != nil {
			return nil, lerr
		}
		return map[string]any{"success": true}, nil
	case "loop.stop":
		params, err := parseParams[loopStopMergeParams](request)
		if err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, missingID(request.Method)
		}
		result, lerr := r.loops.Stop(params.ID, params.Force)
		if lerr != nil {
			return nil, lerr
		}
		return map[string]any{"success": true, "loopId": result.LoopID, "forced": result.Forced}, nil
	case "loop.merge":
		params, err := parseParams[loopStopMergeParams](request)
		if err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, missingID(request.Method)
		}
		entry, lerr := r.loops.Merge(params.ID, params.Force)
		if lerr != nil {
			return nil, lerr
		}
		return map[string]any{"success": true, "mergeCommit": entry.MergeCommit}, nil
	case "loop.merge_button_state":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		state, lerr := r.loops.ButtonState(id)
		if lerr != nil {
			return nil, lerr
		}
		return state, nil
	case "loop.trigger_merge_task":
		params, err := parseParams[loopTriggerMergeTaskParams](request)
		if err != nil {
			return nil, err
		}
		if params.LoopID == "" {
			return nil, protocol.NewInvalidParams(
				fmt.Sprintf("%s requires non-empty 'loopId'", request.Method))
		}
		createParams, lerr := r.loops.BuildMergeTask(params.LoopID)
		if lerr != nil {
			return nil, lerr
		}
		r.tasksMu.Lock()
		task, terr := r.tasks.Create(createParams)
		r.tasksMu.Unlock()
		if terr != nil {
			return nil, terr
		}
		return map[string]any{
			"success":      true,
			"taskId":       task.ID,
			"queuedTaskId": task.QueuedTaskID,
		}, nil
	default:
		return nil, notImplemented(request.Method)
	}
}

func (r *Runtime) dispatchPlanning(request *protocol.RequestEnvelope) (any, *protocol.Error) {
	switch request.Method {
	case "planning.list":
		sessions, perr := r.planning.List()
		if perr != nil {
			return nil, perr
		}
		return map[string]any{"sessions": sessions}, nil
	case "planning.get":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		detail, perr := r.planning.Get(id)
		if perr != nil {
			return nil, perr
		}
		return map[string]any{"session": detail}, nil
	case "planning.start":
		params, err := parseParams[planningStartParams](request)
		if err != nil {
			return nil, err
		}
		session, perr := r.planning.Start(params.Prompt)
		if perr != nil {
			return nil, perr
		}
		return map[string]any{"session": session}, nil
	case "planning.respond":
		params, err := parseParams[planningRespondParams](request)
		if err != nil {
			return nil, err
		}
		if _, perr := r.planning.Respond(params.SessionID, params.PromptID, params.Response); perr != nil {
			return nil, perr
		}
		return map[string]any{"success": true}, nil
	case "planning.resume":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		if _, perr := r.planning.Resume(id); perr != nil {
			return nil, perr
		}
		return map[string]any{"success": true}, nil
	case "planning.delete":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		if perr := r.planning.Delete(id); perr != nil {
			return nil, perr
		}
		return map[string]any{"success": true}, nil
	case "planning.get_artifact":
		params, err := parseParams[planningGetArtifactParams](request)
		if err != nil {
			return nil, err
		}
		artifact, perr := r.planning.GetArtifact(params.SessionID, params.Filename)
		if perr != nil {
			return nil, perr
		}
		return artifact, nil
	default:
		return nil, notImplemented(request.Method)
	}
}

func (r *Runtime) dispatchConfig(request *protocol.RequestEnvelope) (any, *protocol.Error) {
	switch request.Method {
	case "config.get":
		raw, parsed, cerr := r.configStore.Get()
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"raw": raw, "parsed": parsed}, nil
	case "config.update":
		params, err := parseParams[configUpdateParams](request)
		if err != nil {
			return nil, err
		}
		parsed, cerr := r.configStore.Update(params.Content)
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"success": true, "parsed": parsed}, nil
	default:
		return nil, notImplemented(request.Method)
	}
}

func (r *Runtime) dispatchCollection(request *protocol.RequestEnvelope) (any, *protocol.Error) {
	switch request.Method {
	case "collection.list":
		return map[string]any{"collections": r.collections.List()}, nil
	case "collection.get":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		record, cerr := r.collections.Get(id)
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"collection": record}, nil
	case "collection.create":
		params, err := parseParams[collectionCreateParams](request)
		if err != nil {
			return nil, err
		}
		record, cerr := r.collections.Create(params.Name, params.Description, params.Graph)
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"collection": record}, nil
	case "collection.update":
		params, err := parseParams[collectionUpdateParams](request)
		if err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, missingID(request.Method)
		}
		record, cerr := r.collections.Update(params.ID, params.Name, params.Description, params.Graph)
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"collection": record}, nil
	case "collection.delete":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		if cerr := r.collections.Delete(id); cerr != nil {
			return nil, cerr
		}
		return map[string]any{"success": true}, nil
	case "collection.import":
		params, err := parseParams[collectionImportParams](request)
		if err != nil {
			return nil, err
		}
		record, cerr := r.collections.Import(params.Name, params.Description, params.YAML)
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"collection": record}, nil
	case "collection.export":
		id, err := requireID(request)
		if err != nil {
			return nil, err
		}
		yamlText, cerr := r.collections.Export(id)
		if cerr != nil {
			return nil, cerr
		}
		return map[string]any{"yaml": yamlText}, nil
	default:
		return nil, notImplemented(request.Method)
	}
}

func (r *Runtime) dispatchStream(request *protocol.RequestEnvelope, principal string) (any, *protocol.Error) {
	switch request.Method {
	case "stream.subscribe":
		params, err := parseParams[stream.SubscribeParams](request)
		if err != nil {
			return nil, err
		}
		result, serr := r.streams.Subscribe(params, principal)
		if serr != nil {
			return nil, serr
		}
		return result, nil
	case "stream.unsubscribe":
		params, err := parseParams[streamUnsubscribeParams](request)
		if err != nil {
			return nil, err
		}
		if serr := r.streams.Unsubscribe(params.SubscriptionID); serr != nil {
			return nil, serr
		}
		return map[string]any{"success": true}, nil
	case "stream.ack":
		params, err := parseParams[streamAckParams](request)
		if err != nil {
			return nil, err
		}
		if serr := r.streams.Ack(params.SubscriptionID, params.Cursor); serr != nil {
			return nil, serr
		}
		return map[string]any{"success": true}, nil
	default:
		return nil, notImplemented(request.Method)
	}
}

func parseParams[T any](request *protocol.RequestEnvelope) (T, *protocol.Error) {
	var params T
	if len(request.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return params, protocol.NewInvalidParams(
			fmt.Sprintf("invalid params for method '%s': %v", request.Method, err))
	}
	return params, nil
}

func requireID(request *protocol.RequestEnvelope) (string, *protocol.Error) {
	params, err := parseParams[idOnlyParams](request)
	if err != nil {
		return "", err
	}
	if params.ID == "" {
		return "", missingID(request.Method)
	}
	return params.ID, nil
}

func missingID(method string) *protocol.Error {
	return protocol.NewInvalidParams(fmt.Sprintf("%s requires non-empty 'id'", method))
}

// parseTaskUpdateParams probes the raw params so an explicit blockedBy null
// (clear the blocker) is distinguishable from an absent field (no change).
func parseTaskUpdateParams(request *protocol.RequestEnvelope) (tasks.UpdateParams, *protocol.Error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(request.Params, &object); err != nil {
		return tasks.UpdateParams{}, protocol.NewInvalidParams("task.update params must be an object")
	}

	var params tasks.UpdateParams
	if raw, ok := object["id"]; ok {
		if err := json.Unmarshal(raw, &params.ID); err != nil {
			return tasks.UpdateParams{}, protocol.NewInvalidParams("task.update 'id' must be a string")
		}
	}
	if params.ID == "" {
		return tasks.UpdateParams{}, missingID(request.Method)
	}

	for key, target := range map[string]**string{
		"title":  &params.Title,
		"status": &params.Status,
	} {
		raw, ok := object[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return tasks.UpdateParams{}, protocol.NewInvalidParams(
				fmt.Sprintf("task.update '%s' must be a string", key))
		}
		*target = &value
	}

	if raw, ok := object["priority"]; ok {
		var priority int
		if err := json.Unmarshal(raw, &priority); err != nil {
			return tasks.UpdateParams{}, protocol.NewInvalidParams("task.update 'priority' must be an integer")
		}
		params.Priority = &priority
	}

	if raw, ok := object["blockedBy"]; ok {
		params.BlockedBySet = true
		if string(raw) != "null" {
			var blockedBy string
			if err := json.Unmarshal(raw, &blockedBy); err != nil {
				return tasks.UpdateParams{}, protocol.NewInvalidParams(
					"task.update blockedBy must be a string or null")
			}
			params.BlockedBy = &blockedBy
		}
	}

	return params, nil
}

func notImplemented(method string) *protocol.Error {
	slog.Warn("recognized method is not implemented in rpc runtime", "method", method)
	return protocol.NewServiceUnavailable(
		fmt.Sprintf("method '%s' is recognized but not implemented in rpc runtime", method))
}
