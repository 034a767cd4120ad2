package protocol

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed data/rpc-v1-schema.json
var schemaBytes []byte

var (
	schemaOnce     sync.Once
	requestSchema  *jsonschema.Schema
	schemaCompiled error
)

func compileRequestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			schemaCompiled = fmt.Errorf("failed parsing embedded rpc schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rpc-v1-schema.json", doc); err != nil {
			schemaCompiled = fmt.Errorf("failed registering rpc schema: %w", err)
			return
		}
		requestSchema, schemaCompiled = compiler.Compile("rpc-v1-schema.json#/$defs/requestEnvelope")
	})
	return requestSchema, schemaCompiled
}

// DecodeInstance parses a raw body into the representation the schema
// validator expects. Numbers keep full precision.
func DecodeInstance(raw []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// ValidateRequestEnvelope checks a decoded request body against the
// embedded requestEnvelope schema.
func ValidateRequestEnvelope(instance any) *Error {
	schema, err := compileRequestSchema()
	if err != nil {
		return NewInternal(err.Error())
	}
	if err := schema.Validate(instance); err != nil {
		return NewInvalidParams("request does not match rpc-v1 schema").
			WithDetails(map[string]any{"errors": []string{err.Error()}})
	}
	return nil
}
