package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation statuses. Transitions are monotonic: an operation never returns
// to pending, and terminal statuses never regress.
const (
	OperationPending    = "pending"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
	OperationCancelled  = "cancelled"
)

// Operation is one end-to-end request to turn a creative brief plus images
// into a generated video ad.
type Operation struct {
	ID            uuid.UUID              `json:"id" db:"id"`
	Status        string                 `json:"status" db:"status"`
	CreativeBrief string                 `json:"creative_brief" db:"creative_brief"`
	ScriptContent *ScriptContent         `json:"script_content,omitempty" db:"script_content"`
	VideoURLs     []string               `json:"video_urls,omitempty" db:"video_urls"`
	ErrorMessage  *string                `json:"error_message,omitempty" db:"error_message"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// ScriptContent is the structured output of the script-generation provider.
type ScriptContent struct {
	Hook       string   `json:"hook,omitempty"`
	Scenes     []string `json:"scenes,omitempty"`
	CallToAct  string   `json:"call_to_action,omitempty"`
	VoiceStyle string   `json:"voice_style,omitempty"`
	RawText    string   `json:"raw_text,omitempty"`
}

// Metadata keys written by the batch orchestrator and workers.
const (
	MetaBatchID    = "batch_id"
	MetaBatchIndex = "batch_index"
	MetaWorkflow   = "workflow_steps"
	MetaQueueJobID = "queue_job_id"
)

// IsTerminalOperationStatus reports whether the status ends the lifecycle.
func IsTerminalOperationStatus(status string) bool {
	switch status {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	}
	return false
}

// GenerationRequest is a single video-ad generation request, standalone or
// as one element of a batch.
type GenerationRequest struct {
	CreativeBrief string                 `json:"creative_brief" validate:"required,min=1,max=5000"`
	ImageURLs     []string               `json:"image_urls,omitempty" validate:"omitempty,min=1,max=10,dive,url"`
	CustomScript  *string                `json:"custom_script,omitempty"`
	Options       map[string]interface{} `json:"options,omitempty"`
}

// OperationStatusView is the unified status exposed by the aggregator:
// ledger state merged with queue-job progress.
type OperationStatusView struct {
	OperationID  uuid.UUID  `json:"operation_id"`
	Status       string     `json:"status"`
	Stage        string     `json:"stage"`
	Progress     int        `json:"progress"` // 0-100
	VideoURLs    []string   `json:"video_urls,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Aggregator stages.
const (
	StageScriptGeneration = "script_generation"
	StageQueued           = "queued"
	StageVideoGeneration  = "video_generation"
	StageCompleted        = "completed"
	StageFailed           = "failed"
)
