package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// MockTurn scripts one model response.
type MockTurn struct {
	Text      string
	ToolCalls []core.FunctionCall
	Err       error
	Usage     *TokenUsage
	Delay     time.Duration // honours ctx; useful for timeout tests
}

// MockModel is a lightweight scripted Model useful for tests and examples.
// Scripted turns are consumed in order; once exhausted the responder (if
// any) is asked, otherwise the model echoes the last user text.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	script    []MockTurn
	responder func(Request) MockTurn
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name string, turns ...MockTurn) *MockModel {
	return &MockModel{
		info:   Info{Name: name, Provider: "mock", SupportsTools: true},
		script: turns,
	}
}

// Push appends scripted turns.
func (m *MockModel) Push(turns ...MockTurn) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, turns...)
	return m
}

// WithResponder sets a function computing turns once the script is exhausted.
func (m *MockModel) WithResponder(fn func(Request) MockTurn) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
	return m
}

// Calls returns the number of Generate invocations.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of all received requests.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockModel) next(req Request) MockTurn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		t := m.script[0]
		m.script = m.script[1:]
		return t
	}

	if m.responder != nil {
		return m.responder(req)
	}

	return MockTurn{Text: fmt.Sprintf("Mock response to: %s", LastUserText(req))}
}

// Generate implements Model; emits word chunks when streaming then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	turn := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn.Delay > 0 {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-time.After(turn.Delay):
			}
		}

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}

		if req.Stream && turn.Text != "" {
			for _, chunk := range strings.SplitAfter(turn.Text, " ") {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Content: core.NewTextContent(core.RoleAssistant, chunk)}:
				}
			}
		}

		content := core.Content{Role: core.RoleAssistant}
		if turn.Text != "" {
			content.Parts = append(content.Parts, core.TextPart{Text: turn.Text})
		}

		finish := "stop"
		for i, fc := range turn.ToolCalls {
			if fc.ID == "" {
				fc.ID = fmt.Sprintf("call_%d", i+1)
			}
			content.Parts = append(content.Parts, core.FunctionCallPart{FunctionCall: fc})
			finish = "tool_calls"
		}

		usage := turn.Usage
		if usage == nil {
			usage = &TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Content: content, FinishReason: finish, Usage: usage}:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// LastUserText returns the text of the last user content in req.
func LastUserText(req Request) string {
	for i := len(req.Contents) - 1; i >= 0; i-- {
		if req.Contents[i].Role == core.RoleUser {
			return req.Contents[i].Text()
		}
	}
	return ""
}
