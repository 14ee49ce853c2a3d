package plugin

import (
	"context"

	"github.com/matrixinfer-ai/infercore/internal/errs"
)

// RequestShapePlugin runs in PRE_VALIDATE and rejects structurally invalid
// requests (no model, no messages) before any resource is spent on them.
type RequestShapePlugin struct{}

func (RequestShapePlugin) Name() string  { return "request-shape" }
func (RequestShapePlugin) Phase() Phase  { return PhasePreValidate }
func (RequestShapePlugin) Order() int    { return 0 }

func (RequestShapePlugin) Execute(ctx context.Context, pc *Context) error {
	if pc.Request.Model() == "" {
		return errs.New(errs.ClassValidation, "plugin:request-shape", pc.Request.RequestID(), "model must not be empty", nil)
	}
	if len(pc.Request.Messages()) == 0 {
		return errs.New(errs.ClassValidation, "plugin:request-shape", pc.Request.RequestID(), "messages must not be empty", nil)
	}
	return nil
}

var _ Plugin = RequestShapePlugin{}

// ContextLengthPlugin runs in VALIDATE and rejects prompts whose estimated
// token count exceeds MaxContextTokens, per the ContextTooLong error class.
type ContextLengthPlugin struct {
	MaxContextTokens int
}

func (ContextLengthPlugin) Name() string { return "context-length" }
func (ContextLengthPlugin) Phase() Phase { return PhaseValidate }
func (ContextLengthPlugin) Order() int   { return 0 }

func (p ContextLengthPlugin) Execute(ctx context.Context, pc *Context) error {
	tokens := pc.Request.PromptTokenCount()
	if tokens == 0 {
		tokens = (len(pc.Request.Prompt()) + 3) / 4
	}
	if p.MaxContextTokens > 0 && tokens > p.MaxContextTokens {
		return errs.New(errs.ClassContextTooLong, "plugin:context-length", pc.Request.RequestID(), "prompt exceeds maximum context length", nil)
	}
	return nil
}

var _ Plugin = ContextLengthPlugin{}
