package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

// Simulator implements all three provider interfaces with deterministic
// in-process behavior. It backs local development and load testing; the
// real HTTP clients live in a separate repository and are swapped in at
// build wiring.
type Simulator struct {
	// SynthesisDelay is how long a simulated video takes to render.
	SynthesisDelay time.Duration

	mu  sync.Mutex
	ops map[string]time.Time
}

func NewSimulator(synthesisDelay time.Duration) *Simulator {
	if synthesisDelay <= 0 {
		synthesisDelay = 3 * time.Second
	}
	return &Simulator{
		SynthesisDelay: synthesisDelay,
		ops:            make(map[string]time.Time),
	}
}

func (s *Simulator) Start(ctx context.Context, prompt string, params VideoGenerationParams) (*VideoOperation, error) {
	sum := sha256.Sum256([]byte(prompt))
	handle := "sim-" + hex.EncodeToString(sum[:8])

	s.mu.Lock()
	s.ops[handle] = time.Now().Add(s.SynthesisDelay)
	s.mu.Unlock()

	return &VideoOperation{Handle: handle}, nil
}

func (s *Simulator) Poll(ctx context.Context, handle string) (*VideoOperation, error) {
	s.mu.Lock()
	readyAt, ok := s.ops[handle]
	s.mu.Unlock()
	if !ok {
		return nil, &models.ProviderError{
			Provider:  "video",
			Retryable: false,
			Err:       fmt.Errorf("unknown synthesis handle %s", handle),
		}
	}

	op := &VideoOperation{Handle: handle}
	if time.Now().After(readyAt) {
		op.Done = true
		op.FileHandle = handle + ".mp4"
		op.VideoURL = "https://videos.briefcast.local/" + handle + ".mp4"
	}
	return op, nil
}

func (s *Simulator) Download(ctx context.Context, fileHandle, path string) (string, error) {
	return "https://videos.briefcast.local/" + fileHandle, nil
}

func (s *Simulator) Analyze(ctx context.Context, imageData [][]byte, options map[string]interface{}) (*ImageAnalysis, error) {
	return &ImageAnalysis{
		Summary:  fmt.Sprintf("%d product images, neutral studio lighting", len(imageData)),
		Subjects: []string{"product"},
		Mood:     "neutral",
	}, nil
}

func (s *Simulator) Generate(ctx context.Context, brief string, analysis *ImageAnalysis, customScript *string) (*models.ScriptContent, error) {
	if customScript != nil && *customScript != "" {
		return &models.ScriptContent{RawText: *customScript}, nil
	}

	hook := brief
	if i := strings.IndexAny(brief, ".!?\n"); i > 0 {
		hook = brief[:i]
	}

	scenes := []string{
		"Open on the product in context",
		"Cut to the value proposition",
		"Close on the brand mark",
	}
	if analysis != nil && analysis.Summary != "" {
		scenes[0] = "Open on " + analysis.Summary
	}

	return &models.ScriptContent{
		Hook:       hook,
		Scenes:     scenes,
		CallToAct:  "Learn more today",
		VoiceStyle: "confident",
		RawText:    hook + " " + strings.Join(scenes, " "),
	}, nil
}
