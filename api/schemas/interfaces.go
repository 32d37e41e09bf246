package schemas

import (
	"context"
)

// -- LLM Client Schemas & Interface --

// ModelTier selects a model by a preference for speed versus capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions tunes the generation process of the model.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// ImagePart is an inline image attached to a multimodal request.
type ImagePart struct {
	MIMEType string `json:"mime_type"` // e.g. "image/png".
	Data     []byte `json:"data"`
}

// GenerationRequest encapsulates one complete request to the model: prompts,
// attached screen captures, tier selection, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Images       []ImagePart       `json:"images,omitempty"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient is the standard interface to a large language / vision model,
// abstracting the underlying provider.
type LLMClient interface {
	// Generate produces a text completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases any resources held by the client.
	Close() error
}

// -- Perception & Actuation Interfaces --

// ScreenSource produces snapshots of the current screen.
type ScreenSource interface {
	Capture(ctx context.Context) (Snapshot, error)
}

// InputEventSource delivers completion signals to the execution engine. The
// source decides what counts as "the user acted": a physical input listener,
// an automated actuator acknowledging a performed step, or a remote bridge.
type InputEventSource interface {
	// Start begins producing signals. It must be non-blocking.
	Start(ctx context.Context) error
	// Signals returns the channel the engine waits on. The channel is owned
	// by the source and stays open until Stop.
	Signals() <-chan CompletionSignal
	// Stop terminates signal production and releases resources.
	Stop()
}

// GuideStore retrieves operation guides to ground plan generation.
type GuideStore interface {
	// Search returns at most limit guides relevant to the query, best first.
	// An empty result is a normal answer.
	Search(ctx context.Context, query string, limit int) ([]Guide, error)
	// Close releases the underlying store.
	Close()
}

// -- Run Callbacks --

// RunCallbacks is the outward seam of a run: the speech or UI layer plugs in
// here. Every field is optional; the engine invokes them nil-safely and
// never blocks on them semantically (handlers should return promptly).
type RunCallbacks struct {
	// OnStatus reports coarse progress lines ("checking the screen...").
	OnStatus func(message string)
	// OnStepStart announces the step the user should perform now.
	OnStepStart func(step Step)
	// OnStepComplete reports a verified, successful step.
	OnStepComplete func(step Step)
	// OnNeedHelp fires when the user has been idle past the timeout.
	OnNeedHelp func(step Step, message string)
	// OnRunComplete delivers the terminal outcome.
	OnRunComplete func(outcome RunOutcome)
}

// EmitStatus invokes OnStatus if set.
func (c RunCallbacks) EmitStatus(message string) {
	if c.OnStatus != nil {
		c.OnStatus(message)
	}
}

// EmitStepStart invokes OnStepStart if set.
func (c RunCallbacks) EmitStepStart(step Step) {
	if c.OnStepStart != nil {
		c.OnStepStart(step)
	}
}

// EmitStepComplete invokes OnStepComplete if set.
func (c RunCallbacks) EmitStepComplete(step Step) {
	if c.OnStepComplete != nil {
		c.OnStepComplete(step)
	}
}

// EmitNeedHelp invokes OnNeedHelp if set.
func (c RunCallbacks) EmitNeedHelp(step Step, message string) {
	if c.OnNeedHelp != nil {
		c.OnNeedHelp(step, message)
	}
}

// EmitRunComplete invokes OnRunComplete if set.
func (c RunCallbacks) EmitRunComplete(outcome RunOutcome) {
	if c.OnRunComplete != nil {
		c.OnRunComplete(outcome)
	}
}
