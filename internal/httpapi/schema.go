package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const commandSchemaURL = "https://relayboard.dev/schema/command.json"

// commandSchema describes a JSON websocket command frame. CBOR frames are
// decoded straight into collab.Command and checked by the engine.
const commandSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "additionalProperties": false,
  "properties": {
    "type": {"enum": [
      "join-workspace", "leave-workspace", "create-note", "update-note",
      "move-note", "delete-note", "add-reaction", "remove-reaction", "move-cursor"
    ]},
    "requestId": {"type": "string", "maxLength": 128},
    "workspaceId": {"type": "string", "minLength": 1, "maxLength": 256},
    "noteId": {"type": "string", "minLength": 1, "maxLength": 256},
    "content": {"type": "string"},
    "position": {
      "type": "object",
      "required": ["x", "y"],
      "additionalProperties": false,
      "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
    },
    "expectedVersion": {"type": "integer", "minimum": 0},
    "symbol": {"type": "string", "minLength": 1},
    "reactionId": {"type": "string", "minLength": 1}
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "join-workspace"}}}, "then": {"required": ["workspaceId"]}},
    {"if": {"properties": {"type": {"const": "create-note"}}}, "then": {"required": ["content", "position"]}},
    {"if": {"properties": {"type": {"const": "update-note"}}}, "then": {"required": ["noteId", "expectedVersion"]}},
    {"if": {"properties": {"type": {"const": "move-note"}}}, "then": {"required": ["noteId", "position"]}},
    {"if": {"properties": {"type": {"const": "delete-note"}}}, "then": {"required": ["noteId"]}},
    {"if": {"properties": {"type": {"const": "add-reaction"}}}, "then": {"required": ["noteId", "symbol"]}},
    {"if": {"properties": {"type": {"const": "remove-reaction"}}}, "then": {
      "required": ["noteId"],
      "anyOf": [{"required": ["symbol"]}, {"required": ["reactionId"]}]
    }},
    {"if": {"properties": {"type": {"const": "move-cursor"}}}, "then": {"required": ["position"]}}
  ]
}`

type commandValidator struct {
	schema *jsonschema.Schema
}

func newCommandValidator() (*commandValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(commandSchema))
	if err != nil {
		return nil, fmt.Errorf("parse command schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(commandSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add command schema: %w", err)
	}
	schema, err := compiler.Compile(commandSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile command schema: %w", err)
	}
	return &commandValidator{schema: schema}, nil
}

func (v *commandValidator) validate(frame []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return err
	}
	return v.schema.Validate(inst)
}
