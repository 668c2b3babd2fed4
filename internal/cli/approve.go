package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hupe1980/agentcrew/tool"
)

type answer struct {
	line string
	err  error
}

// promptApprover asks on the terminal before a gated tool runs. Requests
// are answered one at a time.
type promptApprover struct {
	mu     sync.Mutex
	in     io.Reader
	out    io.Writer
	once   sync.Once
	lines  chan answer
	closed bool
}

func newPromptApprover(in io.Reader, out io.Writer) *promptApprover {
	return &promptApprover{in: in, out: out, lines: make(chan answer)}
}

// read feeds stdin lines to lines until the input ends.
func (p *promptApprover) read() {
	r := bufio.NewReader(p.in)

	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			p.lines <- answer{err: err}
			return
		}
		p.lines <- answer{line: line}
	}
}

// Approve implements tool.Approver. Anything but "y" or "yes" denies the call.
func (p *promptApprover) Approve(ctx context.Context, req tool.ApprovalRequest) (tool.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return tool.Deny("no answer on stdin"), nil
	}

	p.once.Do(func() { go p.read() })

	prompt := fmt.Sprintf("Allow %s to run %s(%s)? [y/N] ", req.Agent, req.Call.Name, req.Call.Arguments)
	if _, err := io.WriteString(p.out, toolStyle.Render(prompt)); err != nil {
		return tool.Decision{}, err
	}

	select {
	case <-ctx.Done():
		return tool.Decision{}, ctx.Err()
	case a := <-p.lines:
		if a.err != nil {
			p.closed = true
			if errors.Is(a.err, io.EOF) {
				return tool.Deny("no answer on stdin"), nil
			}
			return tool.Decision{}, a.err
		}

		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return tool.Approve(), nil
		default:
			return tool.Deny("denied by user"), nil
		}
	}
}
