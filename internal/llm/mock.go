package llm

import (
	"context"
	"sync"
)

// Responder produces the mock content for a completion.
type Responder func(c Completion) (string, error)

// Mock is an offline provider used for dry runs and tests.
type Mock struct {
	respond Responder

	mu    sync.Mutex
	calls []Completion
}

// NewMock returns a mock provider. A nil responder answers "{}" to JSON
// requests and a fixed sentence to text requests.
func NewMock(respond Responder) *Mock {
	if respond == nil {
		respond = defaultMockResponse
	}
	return &Mock{respond: respond}
}

func defaultMockResponse(c Completion) (string, error) {
	if c.System == StrictJSONInstruction {
		return "{}", nil
	}
	return "mock response", nil
}

func (m *Mock) Name() string { return ProviderMock }

func (m *Mock) Complete(ctx context.Context, c Completion) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()

	content, err := m.respond(c)
	if err != nil {
		return Output{}, err
	}
	return Output{Content: content}, nil
}

// Calls returns a copy of the completions seen so far.
func (m *Mock) Calls() []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Completion(nil), m.calls...)
}

func (m *Mock) Close() error { return nil }
