package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowstack/conductor/internal/agent"
	"github.com/flowstack/conductor/internal/circuit"
	"github.com/flowstack/conductor/internal/costledger"
	"github.com/flowstack/conductor/internal/flags"
	"github.com/flowstack/conductor/internal/registry"
	"github.com/flowstack/conductor/internal/selector"
	"github.com/flowstack/conductor/internal/statestore"
)

type fakeProvider struct {
	chunks  []*agent.CompletionChunk
	err     error
	calls   int
	onCall  func(req *agent.CompletionRequest)
}

func (f *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *agent.CompletionChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Name() string               { return "fake" }
func (f *fakeProvider) Models() []agent.Model       { return nil }
func (f *fakeProvider) SupportsTools() bool         { return true }

func newTestRunner(model modelProvider) *Runner {
	reg := &registry.Registry{}
	store := statestore.NewMemStore()
	ledger := costledger.New(costledger.DefaultSeedTable(), store, nil, nil, costledger.Limits{
		DailyUSD: decimal.NewFromInt(1000),
	})
	breaker := circuit.New(circuit.Config{}, nil)
	flagsMgr := flags.New(nil)
	return New(reg, nil, nil, ledger, store, breaker, flagsMgr, nil, model, "fake-provider", RunnerConfig{})
}

func testAgent(id string) registry.AgentDescriptor {
	return registry.AgentDescriptor{ID: id, DefaultModel: "fake-model", SystemPrompt: "be helpful"}
}

func TestRunCompletesASimpleTurn(t *testing.T) {
	provider := &fakeProvider{chunks: []*agent.CompletionChunk{
		{Text: "hello "},
		{Text: "world", Done: true, InputTokens: 10, OutputTokens: 5},
	}}
	r := newTestRunner(provider)

	var chunks []Chunk
	pub := PublisherFunc(func(ctx context.Context, convID string, c Chunk) {
		chunks = append(chunks, c)
	})

	result, err := r.Run(context.Background(), Request{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Message:        "hi there",
		TurnSeq:        1,
	}, []registry.AgentDescriptor{testAgent("amy_cfo")}, selector.Hints{}, pub)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.OutputText != "hello world" {
		t.Fatalf("OutputText = %q, want %q", result.OutputText, "hello world")
	}
	if result.AgentID != "amy_cfo" {
		t.Fatalf("AgentID = %q, want amy_cfo", result.AgentID)
	}
	if result.InputTokens != 10 || result.OutputTokens != 5 {
		t.Fatalf("unexpected token counts: %+v", result)
	}

	sawDone := false
	for _, c := range chunks {
		if c.Done {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected a final Done chunk to be published")
	}
}

func TestRunIncludesPriorTurnHistoryInTheModelRequest(t *testing.T) {
	var seen *agent.CompletionRequest
	provider := &fakeProvider{
		chunks: []*agent.CompletionChunk{{Text: "ack", Done: true}},
		onCall: func(req *agent.CompletionRequest) {
			seen = req
		},
	}
	r := newTestRunner(provider)

	_, err := r.Run(context.Background(), Request{
		ConversationID: "conv-1",
		Message:        "what's next",
		TurnSeq:        3,
		History: []HistoryEntry{
			{AgentID: "amy_cfo", Message: "first turn"},
			{AgentID: "jordan_eng", Message: "second turn"},
		},
	}, []registry.AgentDescriptor{testAgent("amy_cfo")}, selector.Hints{}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if seen == nil {
		t.Fatal("provider never received a request")
	}
	if len(seen.Messages) != 3 {
		t.Fatalf("Messages = %d entries, want 3 (2 history + 1 current)", len(seen.Messages))
	}
	if seen.Messages[0].Role != "assistant" || seen.Messages[0].Content != "[amy_cfo] first turn" {
		t.Fatalf("unexpected first history message: %+v", seen.Messages[0])
	}
	if seen.Messages[1].Content != "[jordan_eng] second turn" {
		t.Fatalf("unexpected second history message: %+v", seen.Messages[1])
	}
	last := seen.Messages[len(seen.Messages)-1]
	if last.Role != "user" || last.Content != "what's next" {
		t.Fatalf("unexpected final message: %+v", last)
	}
}

func TestRunReturnsErrNoParticipants(t *testing.T) {
	r := newTestRunner(&fakeProvider{})
	_, err := r.Run(context.Background(), Request{ConversationID: "c", Message: "hi"}, nil, selector.Hints{}, nil)
	if !errors.Is(err, ErrNoParticipants) {
		t.Fatalf("expected ErrNoParticipants, got %v", err)
	}
}

func TestRunDeniesWhenCircuitOpen(t *testing.T) {
	provider := &fakeProvider{chunks: []*agent.CompletionChunk{{Text: "x", Done: true}}}
	r := newTestRunner(provider)
	r.breaker.TripOnOperatorCommand()

	_, err := r.Run(context.Background(), Request{ConversationID: "c", Message: "hi", TurnSeq: 1}, []registry.AgentDescriptor{testAgent("a1")}, selector.Hints{}, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("expected the model never to be called once the circuit denies admission, got %d calls", provider.calls)
	}
}

func TestRunRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	// First Complete call errors retryably (rate limited), the retry then
	// succeeds.
	calls := 0
	wrapped := &retryThenSucceed{calls: &calls}
	r := newTestRunner(wrapped)
	r.config.BaseBackoff = time.Millisecond
	r.config.MaxBackoff = 2 * time.Millisecond

	result, err := r.Run(context.Background(), Request{ConversationID: "c", Message: "hi", TurnSeq: 1}, []registry.AgentDescriptor{testAgent("a1")}, selector.Hints{}, nil)
	if err != nil {
		t.Fatalf("expected eventual success after retry, got %v", err)
	}
	if result.OutputText != "recovered" {
		t.Fatalf("OutputText = %q, want recovered", result.OutputText)
	}
	if *wrapped.calls < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", *wrapped.calls)
	}
}

// retryThenSucceed simulates a transient (rate-limit) failure on the first
// call and succeeds thereafter, to exercise Runner's retry/backoff path.
type retryThenSucceed struct {
	calls *int
}

func (r *retryThenSucceed) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	*r.calls++
	if *r.calls == 1 {
		return nil, &rateLimitedError{}
	}
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: "recovered", Done: true}
	close(ch)
	return ch, nil
}

func (r *retryThenSucceed) Name() string         { return "fake" }
func (r *retryThenSucceed) Models() []agent.Model { return nil }
func (r *retryThenSucceed) SupportsTools() bool   { return true }

type rateLimitedError struct{}

func (e *rateLimitedError) Error() string { return "rate limited" }
