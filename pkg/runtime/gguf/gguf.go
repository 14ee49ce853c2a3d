// Package gguf fronts a local llama.cpp-style GGUF runner. Native
// bindings to llama.cpp are an explicit non-goal (spec §1: "treated as
// opaque callable libraries"); this package defines the Go-side contract
// such a binding must satisfy (NativeRunner) and the runtime.Backend
// adapter around it, following DESIGN NOTES' guidance to replace
// thread-local native exception state with an explicit ErrorBuf
// out-parameter rather than a package-level "last error" global.
package gguf

import (
	"context"
	"fmt"
	"time"

	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// StopReason is the native library's own enumeration of why generation
// halted, distinct from types.FinishReason so that mapping between the
// two is an explicit, auditable step (see mapStopReason) rather than an
// implicit cast.
type StopReason int32

const (
	StopEOS           StopReason = iota // model emitted its end-of-sequence token
	StopMaxTokens                       // hit the requested max_tokens
	StopStopSequence                    // matched a caller-supplied stop string
	StopCancelled                       // caller cancelled the generation
	StopNativeError                     // the native call itself failed; see ErrorBuf
)

// NativeRunner is the contract a real GGUF binding (cgo wrapping
// llama.cpp) must implement. No such binding ships in this module — it is
// the opaque external dependency spec §1 carves out — so this interface
// is what a future binding plugs into, and what tests substitute a fake
// for.
type NativeRunner interface {
	// LoadModel loads weights from path into a native handle.
	LoadModel(path string, buf *runtime.ErrorBuf) (handle uintptr, ok bool)
	// Generate runs prefill+decode for prompt, returning generated text,
	// token counts, and the native stop reason. buf carries any error.
	Generate(handle uintptr, prompt string, maxTokens int, temperature float64, stop []string, buf *runtime.ErrorBuf) (text string, promptTokens, completionTokens int, reason StopReason, ok bool)
	// Unload releases a native handle.
	Unload(handle uintptr)
}

// Backend adapts one loaded GGUF model to runtime.Backend.
type Backend struct {
	runner NativeRunner
	handle uintptr
	model  string
}

// Load loads modelPath via runner and returns a ready Backend.
func Load(runner NativeRunner, modelPath, modelName string) (*Backend, error) {
	var buf runtime.ErrorBuf
	handle, ok := runner.LoadModel(modelPath, &buf)
	if !ok {
		return nil, fmt.Errorf("gguf: load %s: native error %d: %s", modelPath, buf.Code, buf.Message)
	}
	return &Backend{runner: runner, handle: handle, model: modelName}, nil
}

// Factory returns a runtime.BackendFactory that loads modelPath once per
// (tenant, model) session the first time it is requested.
func Factory(runner NativeRunner, modelPath string) runtime.BackendFactory {
	return func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return Load(runner, modelPath, modelID)
	}
}

func (b *Backend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	p := req.Parameters()
	start := time.Now()

	var buf runtime.ErrorBuf
	text, promptTokens, completionTokens, reason, ok := b.runner.Generate(b.handle, req.Prompt(), p.MaxTokens, p.Temperature, p.Stop, &buf)
	if !ok {
		return types.InferenceResponse{}, fmt.Errorf("gguf: generate: native error %d: %s", buf.Code, buf.Message)
	}

	return types.InferenceResponse{
		RequestID:        req.RequestID(),
		Content:          text,
		Model:            b.model,
		TokensUsed:       promptTokens + completionTokens,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		DurationMs:       time.Since(start).Milliseconds(),
		FinishReason:     mapStopReason(reason),
		Timestamp:        time.Now(),
	}, nil
}

// Stream runs Generate to completion and replays it as a single delta
// chunk followed by a terminal chunk. A real llama.cpp binding would
// instead yield incrementally from its own decode loop; until that
// binding exists, this is the most honest approximation the opaque
// NativeRunner contract allows (Generate is defined as a whole-call
// contract, not itself iterator-shaped).
func (b *Backend) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	resp, err := b.Infer(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan types.StreamChunk, 2)
	go func() {
		defer close(ch)
		select {
		case ch <- types.StreamChunk{RequestID: req.RequestID(), SequenceNumber: 0, Delta: resp.Content}:
		case <-ctx.Done():
			return
		}
		select {
		case ch <- types.StreamChunk{RequestID: req.RequestID(), SequenceNumber: 1, IsComplete: true, FinishReason: resp.FinishReason}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Embed is unsupported: GGUF chat-tuned runners in this module's scope
// don't expose a pooling head.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("gguf: embeddings not supported by this runner")
}

// Warmup runs a short generation to pay first-token latency ahead of
// traffic.
func (b *Backend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error {
	for _, req := range reqs {
		if _, err := b.Infer(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Close unloads the native handle.
func (b *Backend) Close() error {
	b.runner.Unload(b.handle)
	return nil
}

// mapStopReason resolves the Open Question left by the source's GGUF
// adapter placeholder: native stop conditions map onto the wire
// FinishReason taxonomy as EOS/stop-sequence -> stop, max-tokens ->
// length, cancelled -> cancelled, and any native-side failure -> error.
func mapStopReason(r StopReason) types.FinishReason {
	switch r {
	case StopEOS, StopStopSequence:
		return types.FinishStop
	case StopMaxTokens:
		return types.FinishLength
	case StopCancelled:
		return types.FinishCancelled
	default:
		return types.FinishError
	}
}
