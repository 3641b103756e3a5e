// Package validation enforces the request JSON schemas at the API edge,
// before validator tags and service-level checks run.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator handles JSON schema validation for API requests.
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// Schema names.
const (
	SchemaGenerationRequest = "generation-request"
	SchemaBatchCreate       = "batch-create"
	SchemaWebhookRegister   = "webhook-register"
)

// Request schemas are compiled in rather than loaded from disk: the API
// surface is small and the schemas version with the code.
var schemaSources = map[string]string{
	SchemaGenerationRequest: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["creative_brief"],
		"properties": {
			"creative_brief": {"type": "string", "minLength": 1, "maxLength": 5000},
			"image_urls": {
				"type": "array",
				"minItems": 1,
				"maxItems": 10,
				"items": {"type": "string", "format": "uri"}
			},
			"custom_script": {"type": "string", "maxLength": 20000},
			"options": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	SchemaBatchCreate: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["requests"],
		"properties": {
			"requests": {
				"type": "array",
				"minItems": 1,
				"maxItems": 100,
				"items": {
					"type": "object",
					"required": ["creative_brief"],
					"properties": {
						"creative_brief": {"type": "string", "minLength": 1, "maxLength": 5000},
						"image_urls": {
							"type": "array",
							"minItems": 1,
							"maxItems": 10,
							"items": {"type": "string", "format": "uri"}
						},
						"custom_script": {"type": "string", "maxLength": 20000},
						"options": {"type": "object"}
					},
					"additionalProperties": false
				}
			},
			"priority": {"type": "integer", "minimum": 1, "maximum": 10},
			"scheduled_for": {"type": "string", "format": "date-time"},
			"options": {
				"type": "object",
				"properties": {
					"processing_strategy": {"type": "string", "enum": ["sequential", "parallel"]},
					"max_concurrency": {"type": "integer", "minimum": 1, "maximum": 20}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
	SchemaWebhookRegister: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "format": "uri", "pattern": "^https?://"},
			"secret": {"type": "string", "maxLength": 256},
			"events": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "enum": ["completed", "failed"]}
			},
			"retries": {"type": "integer", "minimum": 0, "maximum": 10},
			"timeout_ms": {"type": "integer", "minimum": 100, "maximum": 60000}
		},
		"additionalProperties": false
	}`,
}

// NewSchemaValidator compiles the embedded schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	sv := &SchemaValidator{schemas: make(map[string]*gojsonschema.Schema, len(schemaSources))}
	for name, source := range schemaSources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		sv.schemas[name] = schema
	}
	return sv, nil
}

// ValidateGenerationRequest validates a standalone generation payload.
func (sv *SchemaValidator) ValidateGenerationRequest(data interface{}) *ValidationResult {
	return sv.validate(SchemaGenerationRequest, data)
}

// ValidateBatchCreate validates a batch creation payload.
func (sv *SchemaValidator) ValidateBatchCreate(data interface{}) *ValidationResult {
	return sv.validate(SchemaBatchCreate, data)
}

// ValidateWebhookRegister validates a webhook registration payload.
func (sv *SchemaValidator) ValidateWebhookRegister(data interface{}) *ValidationResult {
	return sv.validate(SchemaWebhookRegister, data)
}

// ValidateJSONString validates a raw JSON document against a named schema.
func (sv *SchemaValidator) ValidateJSONString(schemaName, document string) *ValidationResult {
	return sv.validate(schemaName, document)
}

func (sv *SchemaValidator) validate(schemaName string, data interface{}) *ValidationResult {
	schema, exists := sv.schemas[schemaName]
	if !exists {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "schema",
				Message: fmt.Sprintf("Schema '%s' not found", schemaName),
				Code:    "SCHEMA_NOT_FOUND",
			}},
		}
	}

	var documentLoader gojsonschema.JSONLoader
	switch v := data.(type) {
	case string:
		documentLoader = gojsonschema.NewStringLoader(v)
	case []byte:
		documentLoader = gojsonschema.NewBytesLoader(v)
	default:
		jsonBytes, err := json.Marshal(data)
		if err != nil {
			return &ValidationResult{
				Valid: false,
				Errors: []ValidationError{{
					Field:   "data",
					Message: fmt.Sprintf("Failed to marshal data to JSON: %v", err),
					Code:    "JSON_MARSHAL_ERROR",
				}},
			}
		}
		documentLoader = gojsonschema.NewBytesLoader(jsonBytes)
	}

	result, err := schema.Validate(documentLoader)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "validation",
				Message: fmt.Sprintf("Validation error: %v", err),
				Code:    "VALIDATION_ERROR",
			}},
		}
	}

	validationResult := &ValidationResult{
		Valid:  result.Valid(),
		Errors: make([]ValidationError, 0),
	}
	if !result.Valid() {
		for _, err := range result.Errors() {
			validationResult.Errors = append(validationResult.Errors, ValidationError{
				Field:   err.Field(),
				Message: err.Description(),
				Code:    "VALIDATION_ERROR",
				Value:   err.Value(),
				Context: err.Context().String(),
			})
		}
	}

	return validationResult
}

// ValidationResult represents the result of a validation operation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
	Context string      `json:"context,omitempty"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// ToAPIError converts validation errors to the API error envelope.
func (vr *ValidationResult) ToAPIError() map[string]interface{} {
	if vr.Valid {
		return nil
	}

	errorDetails := make(map[string]interface{})
	errorDetails["validationErrors"] = vr.Errors

	fieldErrors := make(map[string][]string)
	for _, err := range vr.Errors {
		if err.Field != "" {
			fieldErrors[err.Field] = append(fieldErrors[err.Field], err.Message)
		}
	}
	if len(fieldErrors) > 0 {
		errorDetails["fieldErrors"] = fieldErrors
	}

	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "VALIDATION_ERROR",
			"message": "Request validation failed",
			"details": errorDetails,
		},
	}
}
