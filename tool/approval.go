package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// ApprovalRequest describes a tool call waiting on confirmation.
type ApprovalRequest struct {
	RunID       string            `json:"run_id"`
	SessionID   string            `json:"session_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Agent       string            `json:"agent"`
	Call        core.FunctionCall `json:"call"`
	RequestedAt time.Time         `json:"requested_at"`
}

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Approve is a positive decision.
func Approve() Decision { return Decision{Approved: true} }

// Deny is a negative decision with a reason surfaced to the model.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Approver decides whether a gated tool call may run. Implementations block
// until a decision is available or ctx ends.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (Decision, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (Decision, error) {
	return f(ctx, req)
}

// AutoApprove approves every request.
var AutoApprove Approver = ApproverFunc(func(context.Context, ApprovalRequest) (Decision, error) {
	return Approve(), nil
})

// DenyAll denies every request.
var DenyAll Approver = ApproverFunc(func(context.Context, ApprovalRequest) (Decision, error) {
	return Deny("denied by policy"), nil
})

// ErrUnknownApproval is returned by Controller.Resolve for calls nobody is waiting on.
var ErrUnknownApproval = errors.New("no pending approval for call")

type pendingApproval struct {
	req      ApprovalRequest
	decision chan Decision
}

// Controller is a channel-backed Approver. Runs block in Approve until an
// external party, typically reacting to a tool.confirmation_required event,
// calls Resolve with the function call ID.
type Controller struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	order   []string
	notify  func(ApprovalRequest)
}

// NewController creates a Controller. notify, when non-nil, is invoked for
// each new request.
func NewController(notify func(ApprovalRequest)) *Controller {
	return &Controller{
		pending: map[string]*pendingApproval{},
		notify:  notify,
	}
}

// Approve registers req and waits for Resolve or ctx cancellation.
func (c *Controller) Approve(ctx context.Context, req ApprovalRequest) (Decision, error) {
	p := &pendingApproval{req: req, decision: make(chan Decision, 1)}

	c.mu.Lock()
	if _, exists := c.pending[req.Call.ID]; exists {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("approval for call %s already pending", req.Call.ID)
	}
	c.pending[req.Call.ID] = p
	c.order = append(c.order, req.Call.ID)
	c.mu.Unlock()

	defer c.remove(req.Call.ID)

	if c.notify != nil {
		c.notify(req)
	}

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision for the pending call.
func (c *Controller) Resolve(callID string, d Decision) error {
	c.mu.Lock()
	p, ok := c.pending[callID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, callID)
	}

	select {
	case p.decision <- d:
		return nil
	default:
		return fmt.Errorf("approval for call %s already resolved", callID)
	}
}

// Pending returns the outstanding requests in arrival order.
func (c *Controller) Pending() []ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.pending[id].req)
	}

	return out
}

func (c *Controller) remove(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, callID)

	for i, id := range c.order {
		if id == callID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
