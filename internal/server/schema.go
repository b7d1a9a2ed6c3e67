package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const settingsSchemaURL = "settings-schema.json"

// Range checks are left to the settings rules, which clamp instead of rejecting.
const settingsSchemaDoc = `{
	"type": "object",
	"additionalProperties": false,
	"minProperties": 1,
	"properties": {
		"model": {"type": "string", "minLength": 1, "maxLength": 128},
		"max_tokens": {"type": "integer"},
		"thinking_enabled": {"type": "boolean"},
		"budget_tokens": {"type": "integer"},
		"temperature": {"type": "number"},
		"system_prompt": {"type": "string", "maxLength": 20000},
		"streaming_enabled": {"type": "boolean"}
	}
}`

func compileSettingsSchema() (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal([]byte(settingsSchemaDoc), &schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid settings schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(settingsSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid settings schema: %w", err)
	}

	schema, err := compiler.Compile(settingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}
	return schema, nil
}

func validateAgainst(schema *jsonschema.Schema, payload []byte) error {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}
	if err := schema.Validate(value); err != nil {
		return requestError{
			Status:  http.StatusUnprocessableEntity,
			Message: fmt.Sprintf("settings validation failed: %v", err),
			Type:    "invalid_request_error",
			Code:    "schema_violation",
		}
	}
	return nil
}
