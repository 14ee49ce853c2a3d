package plugin

import "github.com/matrixinfer-ai/infercore/pkg/types"

// Context flows through every plugin in the pipeline. Request is fixed at
// pipeline start; Response is filled in by the INFER phase and may be
// adjusted by POST_INFER plugins; Metadata is a free-form scratch space
// for plugins earlier in the pipeline to pass data to later ones (e.g. a
// VALIDATE plugin recording a computed token estimate for a later PRE_INFER
// plugin to read), mirroring the teacher's framework.Context acting as
// shared scratch space across filter/score plugins.
type Context struct {
	Request  types.InferenceRequest
	Response types.InferenceResponse
	Metadata map[string]any
}

// NewContext starts a pipeline run for req.
func NewContext(req types.InferenceRequest) *Context {
	return &Context{Request: req, Metadata: make(map[string]any)}
}
