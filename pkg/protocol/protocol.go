// Package protocol defines the rpc v1 wire contract: the method catalog,
// the stream topic catalog, request/response envelopes, contract errors,
// and schema validation of inbound envelopes.
package protocol

import (
	"encoding/json"
	"time"
)

// APIVersion is the only envelope version rpc v1 accepts.
const APIVersion = "v1"

// Methods is the closed rpc v1 method catalog.
var Methods = []string{
	"system.health",
	"system.version",
	"system.capabilities",
	"task.list",
	"task.get",
	"task.ready",
	"task.create",
	"task.update",
	"task.close",
	"task.archive",
	"task.unarchive",
	"task.delete",
	"task.clear",
	"task.run",
	"task.run_all",
	"task.retry",
	"task.cancel",
	"task.status",
	"loop.list",
	"loop.status",
	"loop.process",
	"loop.prune",
	"loop.retry",
	"loop.discard",
	"loop.stop",
	"loop.merge",
	"loop.merge_button_state",
	"loop.trigger_merge_task",
	"planning.list",
	"planning.get",
	"planning.start",
	"planning.respond",
	"planning.resume",
	"planning.delete",
	"planning.get_artifact",
	"config.get",
	"config.update",
	"preset.list",
	"collection.list",
	"collection.get",
	"collection.create",
	"collection.update",
	"collection.delete",
	"collection.import",
	"collection.export",
	"stream.subscribe",
	"stream.unsubscribe",
	"stream.ack",
}

// MutatingMethods is the subset that requires meta.idempotencyKey.
// Reads, collection.export, and stream.* are exempt.
var MutatingMethods = []string{
	"task.create",
	"task.update",
	"task.close",
	"task.archive",
	"task.unarchive",
	"task.delete",
	"task.clear",
	"task.run",
	"task.run_all",
	"task.retry",
	"task.cancel",
	"loop.process",
	"loop.prune",
	"loop.retry",
	"loop.discard",
	"loop.stop",
	"loop.merge",
	"loop.trigger_merge_task",
	"planning.start",
	"planning.respond",
	"planning.resume",
	"planning.delete",
	"config.update",
	"collection.create",
	"collection.update",
	"collection.delete",
	"collection.import",
}

// StreamTopics is the closed stream topic catalog.
var StreamTopics = []string{
	"system.heartbeat",
	"system.lifecycle",
	"task.log.line",
	"task.status.changed",
	"loop.status.changed",
	"loop.merge.progress",
	"planning.prompt.issued",
	"planning.response.recorded",
	"planning.artifact.updated",
	"config.updated",
	"collection.updated",
	"preset.refreshed",
	"error.raised",
	"stream.keepalive",
}

var (
	methodSet   = toSet(Methods)
	mutatingSet = toSet(MutatingMethods)
	topicSet    = toSet(StreamTopics)
)

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// IsKnownMethod reports whether method is in the rpc v1 catalog.
func IsKnownMethod(method string) bool {
	_, ok := methodSet[method]
	return ok
}

// IsMutatingMethod reports whether method requires an idempotency key.
func IsMutatingMethod(method string) bool {
	_, ok := mutatingSet[method]
	return ok
}

// IsKnownTopic reports whether topic is in the stream topic catalog.
func IsKnownTopic(topic string) bool {
	_, ok := topicSet[topic]
	return ok
}

// RequestEnvelope is the decoded rpc v1 request.
type RequestEnvelope struct {
	APIVersion string          `json:"apiVersion"`
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	Meta       *RequestMeta    `json:"meta,omitempty"`
}

// RequestMeta carries the optional request metadata block.
type RequestMeta struct {
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Auth           *AuthMeta `json:"auth,omitempty"`
	TimeoutMs      *int64    `json:"timeoutMs,omitempty"`
	RequestTs      string    `json:"requestTs,omitempty"`
}

// AuthMeta is the in-envelope auth fallback used by token mode.
type AuthMeta struct {
	Mode  string `json:"mode,omitempty"`
	Token string `json:"token,omitempty"`
}

// ResponseMeta is attached to every response envelope.
type ResponseMeta struct {
	ServedBy string `json:"servedBy"`
	ServedAt string `json:"servedAt"`
}

// ErrorBody is the wire form of a contract error.
type ErrorBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// SuccessEnvelope builds the success response for a request.
func SuccessEnvelope(requestID, method string, result any, servedBy string) map[string]any {
	return map[string]any{
		"apiVersion": APIVersion,
		"id":         requestID,
		"method":     method,
		"result":     result,
		"meta":       ResponseMeta{ServedBy: servedBy, ServedAt: NowTS()},
	}
}

// ErrorEnvelope builds the error response for a contract error. The method
// field is omitted when the error arose before the method could be read.
func ErrorEnvelope(err *Error, servedBy string) map[string]any {
	requestID := err.RequestID
	if requestID == "" {
		requestID = UnknownRequestID
	}
	envelope := map[string]any{
		"apiVersion": APIVersion,
		"id":         requestID,
		"error": ErrorBody{
			Code:      err.Code,
			Message:   err.Message,
			Details:   err.Details,
			Retryable: err.Code.Retryable(),
		},
		"meta": ResponseMeta{ServedBy: servedBy, ServedAt: NowTS()},
	}
	if err.Method != "" {
		envelope["method"] = err.Method
	}
	return envelope
}

// UnknownRequestID is used when the request id cannot be extracted.
const UnknownRequestID = "unknown"

// RequestContext is the best-effort id/method pair pulled from a raw body
// before full decoding, so errors can reference the originating request.
type RequestContext struct {
	ID     string
	Method string
}

// ExtractRequestContext pulls id and method out of a raw JSON body without
// requiring the body to be a valid envelope.
func ExtractRequestContext(raw []byte) RequestContext {
	ctx := RequestContext{ID: UnknownRequestID}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ctx
	}
	var id string
	if err := json.Unmarshal(probe["id"], &id); err == nil && id != "" {
		ctx.ID = id
	}
	var method string
	if err := json.Unmarshal(probe["method"], &method); err == nil {
		ctx.Method = method
	}
	return ctx
}

// NowTS returns the current UTC time in RFC3339 with second precision,
// the timestamp format used across the contract.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339)
}
