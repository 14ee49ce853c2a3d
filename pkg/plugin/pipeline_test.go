package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

type recordingPlugin struct {
	name    string
	phase   Phase
	order   int
	fail    error
	calls   *[]string
	onFail  func(ctx context.Context, pc *Context, err error) bool
	initErr error
	initd   *bool
}

func (p recordingPlugin) Name() string { return p.name }
func (p recordingPlugin) Phase() Phase { return p.phase }
func (p recordingPlugin) Order() int   { return p.order }

func (p recordingPlugin) Execute(ctx context.Context, pc *Context) error {
	*p.calls = append(*p.calls, p.name)
	return p.fail
}

func (p recordingPlugin) OnFailure(ctx context.Context, pc *Context, err error) bool {
	if p.onFail != nil {
		return p.onFail(ctx, pc, err)
	}
	return false
}

func (p recordingPlugin) Initialize(ctx context.Context) error {
	if p.initd != nil {
		*p.initd = true
	}
	return p.initErr
}

func testReq() types.InferenceRequest {
	return types.NewRequestBuilder("r1", "tenant-1", "m").
		WithMessages(types.Message{Role: types.RoleUser, Content: "hi"}).
		Build()
}

func TestPipelineRunsPhasesInOrder(t *testing.T) {
	var calls []string
	r := NewRegistry()
	r.Register(recordingPlugin{name: "finalize", phase: PhaseFinalize, order: 0, calls: &calls})
	r.Register(recordingPlugin{name: "pre-validate", phase: PhasePreValidate, order: 0, calls: &calls})
	r.Register(recordingPlugin{name: "infer", phase: PhaseInfer, order: 0, calls: &calls})

	p := NewPipeline(r)
	if err := p.Run(context.Background(), NewContext(testReq())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"pre-validate", "infer", "finalize"}
	if len(calls) != len(want) {
		t.Fatalf("got %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("got %v, want %v", calls, want)
		}
	}
}

func TestPipelineOrdersWithinPhaseByOrderThenRegistration(t *testing.T) {
	var calls []string
	r := NewRegistry()
	r.Register(recordingPlugin{name: "second", phase: PhaseValidate, order: 5, calls: &calls})
	r.Register(recordingPlugin{name: "first", phase: PhaseValidate, order: 1, calls: &calls})
	r.Register(recordingPlugin{name: "tied-a", phase: PhaseValidate, order: 5, calls: &calls})

	p := NewPipeline(r)
	if err := p.Run(context.Background(), NewContext(testReq())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"first", "second", "tied-a"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("got %v, want %v", calls, want)
		}
	}
}

func TestPipelineHaltsOnUnhandledFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	r := NewRegistry()
	r.Register(recordingPlugin{name: "validate", phase: PhaseValidate, order: 0, fail: boom, calls: &calls})
	r.Register(recordingPlugin{name: "pre-infer", phase: PhasePreInfer, order: 0, calls: &calls})

	p := NewPipeline(r)
	err := p.Run(context.Background(), NewContext(testReq()))
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if len(calls) != 1 || calls[0] != "validate" {
		t.Fatalf("expected pipeline to halt before pre-infer, got %v", calls)
	}
}

func TestPipelineContinuesWhenOnFailureReturnsTrue(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	r := NewRegistry()
	r.Register(recordingPlugin{
		name: "validate", phase: PhaseValidate, order: 0, fail: boom, calls: &calls,
		onFail: func(ctx context.Context, pc *Context, err error) bool { return true },
	})
	r.Register(recordingPlugin{name: "pre-infer", phase: PhasePreInfer, order: 0, calls: &calls})

	p := NewPipeline(r)
	if err := p.Run(context.Background(), NewContext(testReq())); err != nil {
		t.Fatalf("expected swallowed failure, got %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected pipeline to continue to pre-infer, got %v", calls)
	}
}

func TestPipelineInitializeCallsOnlyInitializers(t *testing.T) {
	var calls []string
	var initd bool
	r := NewRegistry()
	r.Register(recordingPlugin{name: "a", phase: PhasePreValidate, order: 0, calls: &calls, initd: &initd})

	p := NewPipeline(r)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !initd {
		t.Fatal("expected Initialize to be called")
	}
}

func TestRequestShapePluginRejectsEmptyMessages(t *testing.T) {
	req := types.NewRequestBuilder("r1", "t1", "m").Build()
	err := RequestShapePlugin{}.Execute(context.Background(), NewContext(req))
	if err == nil {
		t.Fatal("expected error for a request with no messages")
	}
}

func TestContextLengthPluginRejectsOverLimit(t *testing.T) {
	req := types.NewRequestBuilder("r1", "t1", "m").WithPromptTokenCount(5000).Build()
	err := ContextLengthPlugin{MaxContextTokens: 100}.Execute(context.Background(), NewContext(req))
	if err == nil {
		t.Fatal("expected error for a prompt exceeding the context limit")
	}
}

func TestContextLengthPluginAllowsWithinLimit(t *testing.T) {
	req := types.NewRequestBuilder("r1", "t1", "m").WithPromptTokenCount(50).Build()
	err := ContextLengthPlugin{MaxContextTokens: 100}.Execute(context.Background(), NewContext(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
