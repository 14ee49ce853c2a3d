// Package libtorch fronts a local LibTorch (TorchScript) runner. As with
// pkg/runtime/gguf, the native binding itself is an explicit non-goal
// (spec §1); this package defines the contract (NativeModule) and the
// runtime.Backend adapter, reusing the same ErrorBuf out-parameter
// convention so both native front packages read the same way.
package libtorch

import (
	"context"
	"fmt"
	"time"

	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// StopReason mirrors gguf.StopReason but kept as its own type since a
// LibTorch module's native stop vocabulary (it may not even be a text
// generator — embedding-only modules are common) need not match a GGUF
// runner's.
type StopReason int32

const (
	StopEOS StopReason = iota
	StopMaxTokens
	StopCancelled
	StopNativeError
)

// NativeModule is the contract a real LibTorch binding (cgo wrapping
// libtorch's C++ API) must implement.
type NativeModule interface {
	// LoadScriptModule loads a TorchScript archive into a native handle.
	LoadScriptModule(path string, buf *runtime.ErrorBuf) (handle uintptr, ok bool)
	// Forward runs a forward pass for text generation.
	Forward(handle uintptr, prompt string, maxTokens int, temperature float64, buf *runtime.ErrorBuf) (text string, promptTokens, completionTokens int, reason StopReason, ok bool)
	// Embed runs a forward pass through a pooling head.
	Embed(handle uintptr, text string, buf *runtime.ErrorBuf) (vector []float32, ok bool)
	// Release frees a native handle.
	Release(handle uintptr)
}

// Backend adapts one loaded TorchScript module to runtime.Backend.
type Backend struct {
	module NativeModule
	handle uintptr
	model  string
}

// Load loads archivePath via module and returns a ready Backend.
func Load(module NativeModule, archivePath, modelName string) (*Backend, error) {
	var buf runtime.ErrorBuf
	handle, ok := module.LoadScriptModule(archivePath, &buf)
	if !ok {
		return nil, fmt.Errorf("libtorch: load %s: native error %d: %s", archivePath, buf.Code, buf.Message)
	}
	return &Backend{module: module, handle: handle, model: modelName}, nil
}

// Factory returns a runtime.BackendFactory loading archivePath.
func Factory(module NativeModule, archivePath string) runtime.BackendFactory {
	return func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return Load(module, archivePath, modelID)
	}
}

func (b *Backend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	p := req.Parameters()
	start := time.Now()

	var buf runtime.ErrorBuf
	text, promptTokens, completionTokens, reason, ok := b.module.Forward(b.handle, req.Prompt(), p.MaxTokens, p.Temperature, &buf)
	if !ok {
		return types.InferenceResponse{}, fmt.Errorf("libtorch: forward: native error %d: %s", buf.Code, buf.Message)
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

// Stream replays a whole-call Forward result as two chunks, for the same
// reason documented in pkg/runtime/gguf: NativeModule's contract is not
// itself iterator-shaped.
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

func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	var buf runtime.ErrorBuf
	vec, ok := b.module.Embed(b.handle, text, &buf)
	if !ok {
		return nil, fmt.Errorf("libtorch: embed: native error %d: %s", buf.Code, buf.Message)
	}
	return vec, nil
}

func (b *Backend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error {
	for _, req := range reqs {
		if _, err := b.Infer(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	b.module.Release(b.handle)
	return nil
}

func mapStopReason(r StopReason) types.FinishReason {
	switch r {
	case StopEOS:
		return types.FinishStop
	case StopMaxTokens:
		return types.FinishLength
	case StopCancelled:
		return types.FinishCancelled
	default:
		return types.FinishError
	}
}
