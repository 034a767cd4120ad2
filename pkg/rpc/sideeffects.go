package rpc

import (
	"encoding/json"

	"github.com/ralph-workflows/ralph-api/pkg/configstore"
)

// publishRPCSideEffect maps a successful non-stream rpc call onto the
// stream event it implies. The mapping is deterministic; methods without a
// row publish nothing.
func (r *Runtime) publishRPCSideEffect(method string, params json.RawMessage, result any) {
	resultMap := toMap(result)
	paramsMap := rawToMap(params)

	switch method {
	case "task.create":
		if id, status, ok := taskIDAndStatus(resultMap); ok {
			r.streams.Publish("task.status.changed", "task", id,
				map[string]any{"from": "none", "to": status})
		}
	case "task.update", "task.close", "task.cancel", "task.retry", "task.run":
		if id, status, ok := taskIDAndStatus(resultMap); ok {
			r.streams.Publish("task.status.changed", "task", id,
				map[string]any{"from": "unknown", "to": status})
		}
	case "loop.merge":
		if id, ok := stringField(paramsMap, "id"); ok {
			r.streams.Publish("loop.merge.progress", "loop", id,
				map[string]any{"loopId": id, "stage": "merged"})
		}
	case "loop.retry":
		if id, ok := stringField(paramsMap, "id"); ok {
			r.streams.Publish("loop.merge.progress", "loop", id,
				map[string]any{"loopId": id, "stage": "queued"})
		}
	case "loop.discard":
		if id, ok := stringField(paramsMap, "id"); ok {
			r.streams.Publish("loop.merge.progress", "loop", id,
				map[string]any{"loopId": id, "stage": "discarded"})
		}
	case "planning.start":
		session, ok := resultMap["session"].(map[string]any)
		if !ok {
			return
		}
		sessionID, idOK := stringField(session, "id")
		prompt, promptOK := stringField(session, "prompt")
		if idOK && promptOK {
			r.streams.Publish("planning.prompt.issued", "planning", sessionID, map[string]any{
				"sessionId": sessionID,
				"promptId":  "initial",
				"prompt":    prompt,
			})
		}
	case "planning.respond":
		sessionID, idOK := stringField(paramsMap, "sessionId")
		promptID, promptOK := stringField(paramsMap, "promptId")
		if idOK && promptOK {
			r.streams.Publish("planning.response.recorded", "planning", sessionID,
				map[string]any{"sessionId": sessionID, "promptId": promptID})
		}
	case "config.update":
		r.streams.Publish("config.updated", "config", configstore.FileName,
			map[string]any{"path": configstore.FileName, "updatedBy": "rpc-v1"})
	case "collection.create":
		r.publishCollectionUpdated(resultMap, "created")
	case "collection.update":
		r.publishCollectionUpdated(resultMap, "updated")
	case "collection.delete":
		if id, ok := stringField(paramsMap, "id"); ok {
			r.streams.Publish("collection.updated", "collection", id,
				map[string]any{"collectionId": id, "action": "deleted"})
		}
	case "collection.import":
		r.publishCollectionUpdated(resultMap, "imported")
	}
}

func (r *Runtime) publishCollectionUpdated(resultMap map[string]any, action string) {
	collection, ok := resultMap["collection"].(map[string]any)
	if !ok {
		return
	}
	if id, ok := stringField(collection, "id"); ok {
		r.streams.Publish("collection.updated", "collection", id,
			map[string]any{"collectionId": id, "action": action})
	}
}

func taskIDAndStatus(resultMap map[string]any) (string, string, bool) {
	task, ok := resultMap["task"].(map[string]any)
	if !ok {
		return "", "", false
	}
	id, idOK := stringField(task, "id")
	status, statusOK := stringField(task, "status")
	return id, status, idOK && statusOK
}

func stringField(object map[string]any, key string) (string, bool) {
	value, ok := object[key].(string)
	return value, ok && value != ""
}

// toMap renders an arbitrary dispatch result as a generic map so the
// mapping table can probe it without knowing the concrete type.
func toMap(result any) map[string]any {
	raw, err := json.Marshal(result)
	if err != nil {
		return map[string]any{}
	}
	return rawToMap(raw)
}

func rawToMap(raw []byte) map[string]any {
	object := make(map[string]any)
	if len(raw) == 0 {
		return object
	}
	if err := json.Unmarshal(raw, &object); err != nil {
		return map[string]any{}
	}
	return object
}
