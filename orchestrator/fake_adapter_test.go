package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/adapter"
)

// fakeAdapter is a scripted adapter.Adapter for orchestrator tests, in
// place of a real CLI subprocess. Each call to Submit pops the next
// scripted outcome (or error) off its queue.
type fakeAdapter struct {
	id      string
	outputs []string
	errs    []error
	calls   int
}

func (f *fakeAdapter) AgentID() string                      { return f.id }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeAdapter) Shutdown(ctx context.Context) error    { return nil }

func (f *fakeAdapter) Submit(ctx context.Context, req adapter.SubmitRequest) (<-chan adapter.Event, error) {
	idx := f.calls
	f.calls++

	ch := make(chan adapter.Event, 1)
	if idx < len(f.errs) && f.errs[idx] != nil {
		ch <- adapter.Event{Kind: adapter.EventError, Err: f.errs[idx]}
		close(ch)
		return ch, nil
	}

	text := "ok"
	if idx < len(f.outputs) {
		text = f.outputs[idx]
	}
	ch <- adapter.Event{
		Kind: adapter.EventResult,
		Result: &adapter.Outcome{
			Text:    text,
			Cost:    decimal.NewFromFloat(0.01),
			Success: true,
		},
	}
	close(ch)
	return ch, nil
}
