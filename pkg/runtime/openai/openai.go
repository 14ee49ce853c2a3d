// Package openai adapts the OpenAI-compatible chat/completions API (spec
// §6's wire-compatibility requirement) to the runtime.Backend interface.
//
// Grounded directly on
// `_examples/MrWong99-glyphoxa/pkg/provider/llm/openai/openai.go`: the
// functional-options constructor, the `buildParams`/`convertMessage`
// request conversion, and the goroutine+buffered-channel streaming
// pattern (with per-tool-call-index accumulation of fragmented
// `tool_calls` deltas) are ported near-verbatim, retargeted from that
// repo's own `llm.CompletionRequest`/`llm.Chunk` types onto this module's
// `pkg/types` request/response/stream-chunk shapes.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// Backend implements runtime.Backend against one OpenAI-compatible model.
type Backend struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option configures Backend construction.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, for
// OpenAI-compatible third-party endpoints.
func WithBaseURL(url string) Option { return func(c *config) { c.baseURL = url } }

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option { return func(c *config) { c.organization = org } }

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// New builds a Backend for model, authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Backend{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Factory returns a runtime.BackendFactory constructing a Backend for
// modelID; tenantID is ignored — the OpenAI API has no per-tenant warm
// state to load.
func Factory(apiKey string, opts ...Option) runtime.BackendFactory {
	return func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return New(apiKey, modelID, opts...)
	}
}

func (b *Backend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return types.InferenceResponse{}, fmt.Errorf("openai: build params: %w", err)
	}

	start := time.Now()
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return types.InferenceResponse{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return types.InferenceResponse{}, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	return types.InferenceResponse{
		RequestID:        req.RequestID(),
		Content:          choice.Message.Content,
		Model:            b.model,
		TokensUsed:       int(resp.Usage.TotalTokens),
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		DurationMs:       time.Since(start).Milliseconds(),
		FinishReason:     mapFinishReason(string(choice.FinishReason)),
		Timestamp:        time.Now(),
	}, nil
}

func (b *Backend) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan types.StreamChunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		toolCallAccum := map[int]*types.ToolCallDelta{}
		seq := 0

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := types.StreamChunk{
				RequestID:      req.RequestID(),
				SequenceNumber: seq,
				Delta:          delta.Content,
			}
			seq++

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				existing, ok := toolCallAccum[idx]
				if !ok {
					existing = &types.ToolCallDelta{Index: idx}
					toolCallAccum[idx] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
				out.ToolCallDelta = existing
			}

			if choice.FinishReason != "" {
				out.IsComplete = true
				out.FinishReason = mapFinishReason(string(choice.FinishReason))
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- types.StreamChunk{RequestID: req.RequestID(), SequenceNumber: seq, IsComplete: true, FinishReason: types.FinishError}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := b.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(b.model),
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Warmup is a no-op for a remote API: there is no local weight load to
// pay ahead of time.
func (b *Backend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error { return nil }

// Close is a no-op: the HTTP client owns no handles that need releasing.
func (b *Backend) Close() error { return nil }

func (b *Backend) buildParams(req types.InferenceRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages()))
	for _, m := range req.Messages() {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	}

	p := req.Parameters()
	if p.Temperature != 0 {
		params.Temperature = param.NewOpt(p.Temperature)
	}
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(p.MaxTokens))
	}
	if p.TopP != 0 {
		params.TopP = param.NewOpt(p.TopP)
	}
	if len(p.Stop) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: p.Stop}
	}

	for _, td := range req.Tools() {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		return oai.UserMessage(m.Content), nil
	case types.RoleAssistant:
		return oai.ChatCompletionMessageParamUnion{
			OfAssistant: &oai.ChatCompletionAssistantMessageParam{
				Content: oai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(m.Content)},
			},
		}, nil
	case types.RoleTool:
		return oai.ToolMessage(m.Content, ""), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

func mapFinishReason(r string) types.FinishReason {
	switch r {
	case "stop":
		return types.FinishStop
	case "length":
		return types.FinishLength
	case "tool_calls":
		return types.FinishToolCall
	case "content_filter":
		return types.FinishError
	default:
		return types.FinishStop
	}
}
