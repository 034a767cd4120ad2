// Package rpc glues the wire contract to the domains: it runs the request
// pipeline (parse, validate, authenticate, idempotency gate, dispatch) and
// publishes the stream side-effects of successful calls.
package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ralph-workflows/ralph-api/pkg/auth"
	"github.com/ralph-workflows/ralph-api/pkg/collections"
	"github.com/ralph-workflows/ralph-api/pkg/config"
	"github.com/ralph-workflows/ralph-api/pkg/configstore"
	"github.com/ralph-workflows/ralph-api/pkg/idempotency"
	"github.com/ralph-workflows/ralph-api/pkg/loops"
	"github.com/ralph-workflows/ralph-api/pkg/planning"
	"github.com/ralph-workflows/ralph-api/pkg/presets"
	"github.com/ralph-workflows/ralph-api/pkg/protocol"
	"github.com/ralph-workflows/ralph-api/pkg/stream"
	"github.com/ralph-workflows/ralph-api/pkg/tasks"
	"github.com/ralph-workflows/ralph-api/pkg/version"
)

// Runtime executes rpc v1 requests. Each domain has its own mutex, so a
// slow call (loop.process runs the external worker) never stalls the
// others; the domains themselves are not internally synchronized.
type Runtime struct {
	cfg         config.ApiConfig
	auth        auth.Authenticator
	idempotency *idempotency.Store
	streams     *stream.Domain

	tasksMu sync.Mutex
	tasks   *tasks.Domain

	loopsMu sync.Mutex
	loops   *loops.Domain

	planningMu sync.Mutex
	planning   *planning.Domain

	collectionsMu sync.Mutex
	collections   *collections.Domain
	presets       *presets.Domain

	configMu    sync.Mutex
	configStore *configstore.Domain
}

// New validates the configuration and wires every domain under it.
func New(cfg config.ApiConfig) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	authenticator, err := auth.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:         cfg,
		auth:        authenticator,
		idempotency: idempotency.NewStore(cfg.IdempotencyTTL),
		streams:     stream.NewDomain(),
		tasks:       tasks.NewDomain(cfg.WorkspaceRoot),
		loops:       loops.NewDomain(cfg.WorkspaceRoot, cfg.RalphCommand, cfg.LoopProcessInterval),
		planning:    planning.NewDomain(cfg.WorkspaceRoot),
		collections: collections.NewDomain(cfg.WorkspaceRoot),
		configStore: configstore.NewDomain(cfg.WorkspaceRoot),
		presets:     presets.NewDomain(cfg.WorkspaceRoot),
	}, nil
}

// Config returns the active configuration.
func (r *Runtime) Config() config.ApiConfig {
	return r.cfg
}

// Streams exposes the event bus to the WebSocket transport.
func (r *Runtime) Streams() *stream.Domain {
	return r.streams
}

// HealthPayload is the GET /health body and the system.health result.
func (r *Runtime) HealthPayload() map[string]any {
	return map[string]any{
		"status":    "ok",
		"timestamp": protocol.NowTS(),
	}
}

// CapabilitiesPayload describes the server's contract surface.
func (r *Runtime) CapabilitiesPayload() map[string]any {
	return map[string]any{
		"methods":      protocol.Methods,
		"streamTopics": protocol.StreamTopics,
		"auth": map[string]any{
			"mode":           string(r.auth.Mode()),
			"supportedModes": []string{string(config.AuthTrustedLocal), string(config.AuthToken)},
		},
		"idempotency": map[string]any{
			"requiredForMutations": true,
			"retentionSeconds":     int64(r.cfg.IdempotencyTTL.Seconds()),
		},
	}
}

func (r *Runtime) versionPayload() map[string]any {
	return map[string]any{
		"apiVersion":    protocol.APIVersion,
		"serverVersion": version.Full(),
	}
}

// HandleHTTPRequest runs the full pipeline for one POST /rpc/v1 body and
// returns the HTTP status plus the exact envelope bytes to write. Returning
// bytes keeps idempotent replays byte-for-byte identical.
func (r *Runtime) HandleHTTPRequest(body []byte, header http.Header) (int, []byte) {
	request, perr := r.parseAndValidateRequest(body)
	if perr != nil {
		return r.errorResponse(perr)
	}

	var authMeta *protocol.AuthMeta
	if request.Meta != nil {
		authMeta = request.Meta.Auth
	}
	principal, aerr := r.auth.Authorize(header, authMeta)
	if aerr != nil {
		return r.errorResponse(aerr.WithContext(request.ID, request.Method))
	}

	idempotencyKey := ""
	if protocol.IsMutatingMethod(request.Method) {
		if request.Meta == nil || request.Meta.IdempotencyKey == "" {
			return r.errorResponse(
				protocol.NewInvalidParams("mutating methods require meta.idempotencyKey").
					WithContext(request.ID, request.Method))
		}
		key := request.Meta.IdempotencyKey

		switch outcome, status, envelope := r.idempotency.Check(request.Method, key, request.Params); outcome {
		case idempotency.Replay:
			slog.Debug("idempotency replay", "method", request.Method, "requestId", request.ID)
			return status, envelope
		case idempotency.Conflict:
			return r.errorResponse(
				protocol.NewIdempotencyConflict("idempotency key was already used with different parameters").
					WithContext(request.ID, request.Method).
					WithDetails(map[string]any{
						"method":         request.Method,
						"idempotencyKey": key,
					}))
		case idempotency.New:
			idempotencyKey = key
		}
	}

	status, envelope := r.executeRequest(request, principal)

	if idempotencyKey != "" {
		r.idempotency.Store(request.Method, idempotencyKey, request.Params, status, envelope)
	}
	return status, envelope
}

func (r *Runtime) executeRequest(request *protocol.RequestEnvelope, principal string) (int, []byte) {
	result, derr := r.dispatch(request, principal)
	if derr != nil {
		return r.errorResponse(derr.WithContext(request.ID, request.Method))
	}

	if !isStreamMethod(request.Method) {
		r.publishRPCSideEffect(request.Method, request.Params, result)
	}

	envelope := protocol.SuccessEnvelope(request.ID, request.Method, result, r.cfg.ServedBy)
	return http.StatusOK, mustMarshal(envelope)
}

// AuthenticateWebSocket authorizes a stream upgrade from headers alone.
func (r *Runtime) AuthenticateWebSocket(header http.Header) (string, *protocol.Error) {
	principal, err := r.auth.Authorize(header, nil)
	if err != nil {
		return "", err.WithContext("ws-upgrade", "stream.subscribe")
	}
	return principal, nil
}

func (r *Runtime) parseAndValidateRequest(body []byte) (*protocol.RequestEnvelope, *protocol.Error) {
	instance, derr := protocol.DecodeInstance(body)
	if derr != nil {
		return nil, protocol.NewInvalidRequest(fmt.Sprintf("invalid JSON body: %v", derr)).
			WithContext(protocol.UnknownRequestID, "")
	}

	ctx := protocol.ExtractRequestContext(body)

	if _, ok := instance.(map[string]any); !ok {
		return nil, protocol.NewInvalidRequest("request body must be a JSON object").
			WithContext(ctx.ID, ctx.Method)
	}

	if ctx.Method == "" {
		return nil, protocol.NewInvalidRequest("missing required field 'method'").
			WithContext(ctx.ID, "")
	}

	if !protocol.IsKnownMethod(ctx.Method) {
		return nil, protocol.NewMethodNotFound(ctx.Method).
			WithContext(ctx.ID, ctx.Method)
	}

	if verr := protocol.ValidateRequestEnvelope(instance); verr != nil {
		return nil, verr.WithContext(ctx.ID, ctx.Method)
	}

	var request protocol.RequestEnvelope
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, protocol.NewInvalidRequest(fmt.Sprintf("invalid request envelope: %v", err)).
			WithContext(ctx.ID, ctx.Method)
	}

	if request.APIVersion != protocol.APIVersion {
		return nil, protocol.NewInvalidRequest(fmt.Sprintf(
			"unsupported apiVersion '%s'; expected '%s'", request.APIVersion, protocol.APIVersion)).
			WithContext(request.ID, request.Method)
	}

	return &request, nil
}

func (r *Runtime) errorResponse(err *protocol.Error) (int, []byte) {
	return err.Code.HTTPStatus(), mustMarshal(protocol.ErrorEnvelope(err, r.cfg.ServedBy))
}

func isStreamMethod(method string) bool {
	return len(method) > 7 && method[:7] == "stream."
}

func mustMarshal(envelope map[string]any) []byte {
	raw, err := json.Marshal(envelope)
	if err != nil {
		// envelopes are built from marshalable values only
		return []byte(`{"apiVersion":"v1","id":"unknown","error":{"code":"INTERNAL","message":"failed encoding response","retryable":false}}`)
	}
	return raw
}
