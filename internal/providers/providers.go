// Package providers defines the narrow interfaces through which the
// orchestration core consumes the external AI collaborators. The HTTP
// clients behind them live outside this service and carry their own
// request-level retries.
package providers

import (
	"context"

	"github.com/briefcast/briefcast/pkg/models"
)

// VideoOperation is the provider-side handle for an asynchronous video
// synthesis call.
type VideoOperation struct {
	Handle string `json:"handle"`
	Done   bool   `json:"done"`
	// FileHandle is set once Done is true and the synthesis succeeded.
	FileHandle string `json:"file_handle,omitempty"`
	VideoURL   string `json:"video_url,omitempty"`
	// Error carries the provider's failure reason when Done is true and the
	// synthesis failed.
	Error string `json:"error,omitempty"`
}

// VideoGenerationParams tunes a single synthesis call.
type VideoGenerationParams struct {
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
}

// VideoGenerator starts and tracks asynchronous video synthesis.
type VideoGenerator interface {
	Start(ctx context.Context, prompt string, params VideoGenerationParams) (*VideoOperation, error)
	Poll(ctx context.Context, handle string) (*VideoOperation, error)
	Download(ctx context.Context, fileHandle, path string) (string, error)
}

// ImageAnalysis summarizes what the image-analysis provider saw.
type ImageAnalysis struct {
	Summary  string   `json:"summary"`
	Subjects []string `json:"subjects,omitempty"`
	Mood     string   `json:"mood,omitempty"`
}

// ImageAnalyzer describes a set of product images for script conditioning.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, imageData [][]byte, options map[string]interface{}) (*ImageAnalysis, error)
}

// ScriptGenerator turns a creative brief plus image context into a
// structured ad script.
type ScriptGenerator interface {
	Generate(ctx context.Context, brief string, analysis *ImageAnalysis, customScript *string) (*models.ScriptContent, error)
}
