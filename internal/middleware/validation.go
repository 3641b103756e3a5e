package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/briefcast/briefcast/internal/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidationMiddleware validates request bodies and path parameters
// before they reach the handlers.
type ValidationMiddleware struct {
	validator *validation.SchemaValidator
}

func NewValidationMiddleware(validator *validation.SchemaValidator) *ValidationMiddleware {
	return &ValidationMiddleware{
		validator: validator,
	}
}

// ValidateGenerationRequest validates single video generation requests.
func (vm *ValidationMiddleware) ValidateGenerationRequest() gin.HandlerFunc {
	return vm.validateRequestBody(validation.SchemaGenerationRequest)
}

// ValidateBatchCreate validates batch creation requests.
func (vm *ValidationMiddleware) ValidateBatchCreate() gin.HandlerFunc {
	return vm.validateRequestBody(validation.SchemaBatchCreate)
}

// ValidateWebhookRegister validates webhook registration requests.
func (vm *ValidationMiddleware) ValidateWebhookRegister() gin.HandlerFunc {
	return vm.validateRequestBody(validation.SchemaWebhookRegister)
}

// validateRequestBody creates a middleware that validates the request body
// against a named schema. The raw body is restored for downstream handlers.
func (vm *ValidationMiddleware) validateRequestBody(schemaName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Method == "DELETE" {
			c.Next()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			vm.sendValidationError(c, "BODY_READ_ERROR", "Failed to read request body", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		if len(bodyBytes) == 0 {
			vm.sendValidationError(c, "EMPTY_BODY", "Request body is required", nil)
			return
		}

		var jsonData interface{}
		if err := json.Unmarshal(bodyBytes, &jsonData); err != nil {
			vm.sendValidationError(c, "INVALID_JSON", "Request body must be valid JSON", map[string]interface{}{
				"parseError": err.Error(),
			})
			return
		}

		result := vm.validator.ValidateJSONString(schemaName, string(bodyBytes))
		if !result.Valid {
			apiError := result.ToAPIError()
			if errorObj, ok := apiError["error"].(map[string]interface{}); ok {
				errorObj["timestamp"] = time.Now().UTC().Format(time.RFC3339)
				errorObj["requestId"] = requestID(c)
				errorObj["path"] = c.Request.URL.Path
				errorObj["method"] = c.Request.Method
			}

			c.JSON(http.StatusBadRequest, apiError)
			c.Abort()
			return
		}

		c.Set("validatedBody", jsonData)
		c.Next()
	}
}

// ValidatePathParams validates UUID path parameters on operation and
// batch routes.
func (vm *ValidationMiddleware) ValidatePathParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		errors := make([]validation.ValidationError, 0)

		if operationID := c.Param("operationId"); operationID != "" {
			if !vm.isValidUUID(operationID) {
				errors = append(errors, validation.ValidationError{
					Field:   "operationId",
					Message: "Operation ID must be a valid UUID",
					Code:    "INVALID_PATH_PARAM",
					Value:   operationID,
				})
			}
		}

		if batchID := c.Param("batchId"); batchID != "" {
			if !vm.isValidUUID(batchID) {
				errors = append(errors, validation.ValidationError{
					Field:   "batchId",
					Message: "Batch ID must be a valid UUID",
					Code:    "INVALID_PATH_PARAM",
					Value:   batchID,
				})
			}
		}

		if len(errors) > 0 {
			vm.sendValidationErrors(c, errors)
			return
		}

		c.Next()
	}
}

// ValidateHeaders validates Content-Type and Accept headers.
func (vm *ValidationMiddleware) ValidateHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		errors := make([]validation.ValidationError, 0)

		if c.Request.Method == "POST" || c.Request.Method == "PUT" || c.Request.Method == "PATCH" {
			contentType := c.GetHeader("Content-Type")
			if contentType == "" {
				errors = append(errors, validation.ValidationError{
					Field:   "Content-Type",
					Message: "Content-Type header is required",
					Code:    "MISSING_HEADER",
				})
			} else if !strings.Contains(contentType, "application/json") {
				errors = append(errors, validation.ValidationError{
					Field:   "Content-Type",
					Message: "Content-Type must be application/json",
					Code:    "INVALID_HEADER",
					Value:   contentType,
				})
			}
		}

		if accept := c.GetHeader("Accept"); accept != "" {
			if !strings.Contains(accept, "application/json") && !strings.Contains(accept, "*/*") {
				errors = append(errors, validation.ValidationError{
					Field:   "Accept",
					Message: "Accept header must include application/json",
					Code:    "INVALID_HEADER",
					Value:   accept,
				})
			}
		}

		if len(errors) > 0 {
			vm.sendValidationErrors(c, errors)
			return
		}

		c.Next()
	}
}

func (vm *ValidationMiddleware) isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// requestID reuses the id assigned by Logger so error envelopes and
// access logs correlate.
func requestID(c *gin.Context) string {
	if id := c.GetString(ContextRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

func (vm *ValidationMiddleware) sendValidationError(c *gin.Context, code, message string, details map[string]interface{}) {
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":      code,
			"message":   message,
			"details":   details,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"requestId": requestID(c),
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
		},
	}

	c.JSON(http.StatusBadRequest, errorResponse)
	c.Abort()
}

func (vm *ValidationMiddleware) sendValidationErrors(c *gin.Context, errors []validation.ValidationError) {
	errorDetails := make(map[string]interface{})
	errorDetails["validationErrors"] = errors

	fieldErrors := make(map[string][]string)
	for _, err := range errors {
		if err.Field != "" {
			fieldErrors[err.Field] = append(fieldErrors[err.Field], err.Message)
		}
	}

	if len(fieldErrors) > 0 {
		errorDetails["fieldErrors"] = fieldErrors
	}

	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":      "VALIDATION_ERROR",
			"message":   "Request validation failed",
			"details":   errorDetails,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"requestId": requestID(c),
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
		},
	}

	c.JSON(http.StatusBadRequest, errorResponse)
	c.Abort()
}
