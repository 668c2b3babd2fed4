package team

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/observability"
	"github.com/hupe1980/agentcrew/session"
)

// Defaults applied by New.
const (
	DefaultMaxRounds                = 5
	DefaultMaxConcurrentDelegations = 4
)

// Team phases reported through state.changed events.
const (
	StateAnalyze      core.State = "ANALYZE"
	StateSelectMember core.State = "SELECT_MEMBER"
	StateDelegate     core.State = "DELEGATE"
	StateEvaluate     core.State = "EVALUATE"
	StateComplete     core.State = "COMPLETE"
)

// Options configures a Team.
type Options struct {
	// Instructions are appended to the leader's coordination prompt.
	Instructions string
	Description  string
	// MaxRounds caps delegation rounds before the team is forced to complete.
	MaxRounds int
	// ShareSessionWithMembers lets members read the team session and the
	// user's memories. Members never write to the team session.
	ShareSessionWithMembers  bool
	MaxConcurrentDelegations int

	SessionStore core.SessionStore
	// Locker serializes session commits. Defaults to session.DefaultLocker().
	Locker *session.Locker

	// LeaderOptions further configure the leader agent, e.g. timeouts or a
	// memory store.
	LeaderOptions []func(*agent.Options)

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

type memberInfo struct {
	name        string
	description string
}

// Team coordinates member agents under a leader model that decides, round
// by round, whom to delegate to and when the task is complete.
type Team struct {
	name    string
	leader  *agent.Agent
	members map[string]*agent.Agent
	order   []memberInfo
	opts    Options
	logger  logging.Logger
}

// New creates a team whose leader is driven by m.
func New(name string, m model.Model, members []*agent.Agent, optFns ...func(o *Options)) (*Team, error) {
	if name == "" {
		return nil, errors.New("team name is required")
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("team %s: at least one member is required", name)
	}

	opts := Options{
		MaxRounds:                DefaultMaxRounds,
		MaxConcurrentDelegations: DefaultMaxConcurrentDelegations,
		Logger:                   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxRounds <= 0 {
		return nil, fmt.Errorf("team %s: MaxRounds must be positive", name)
	}

	if opts.Locker == nil {
		opts.Locker = session.DefaultLocker()
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer(nil)
	}

	t := &Team{
		name:    name,
		members: make(map[string]*agent.Agent, len(members)),
		opts:    opts,
		logger:  logging.With(logging.OrNoOp(opts.Logger), "team", name),
	}

	for _, a := range members {
		if a == nil {
			return nil, fmt.Errorf("team %s: nil member", name)
		}

		if _, dup := t.members[a.Name()]; dup {
			return nil, fmt.Errorf("team %s: duplicate member %s", name, a.Name())
		}

		t.members[a.Name()] = a
		t.order = append(t.order, memberInfo{name: a.Name(), description: a.Description()})
	}

	instructions := leaderInstructions(name, opts.Instructions, t.order)

	leaderOpts := []func(*agent.Options){
		func(o *agent.Options) {
			o.Instruction = agent.NewInstructionFromFunc(func(*core.RunContext) (string, error) { return instructions, nil })
			o.OutputSchema = decisionSchema
			o.SessionStore = opts.SessionStore
			o.IncludeHistory = opts.SessionStore != nil
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
			o.Tracer = opts.Tracer
		},
	}

	leader, err := agent.New(name+".leader", m, append(leaderOpts, opts.LeaderOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("team %s: leader: %w", name, err)
	}

	t.leader = leader

	return t, nil
}

// Name returns the team name.
func (t *Team) Name() string { return t.name }

// Description returns what the team is meant for.
func (t *Team) Description() string { return t.opts.Description }

// Members lists member names in registration order.
func (t *Team) Members() []string {
	names := make([]string, len(t.order))
	for i, m := range t.order {
		names[i] = m.name
	}
	return names
}

// Run executes the team on in and blocks until it completes.
func (t *Team) Run(ctx context.Context, in core.Input) (*core.RunResult, error) {
	return t.RunAsync(ctx, in).Wait()
}

// RunAsync starts the team run and returns its stream. Leader and member
// events are forwarded, delegation.started and delegation.finished bracket
// each member run.
func (t *Team) RunAsync(ctx context.Context, in core.Input) *engine.Stream {
	runID := core.NewID()

	return engine.Start(ctx, runID, t.name, func(ctx context.Context, emit func(core.Event) error) (*core.RunResult, error) {
		return newCoordination(ctx, t, runID, in, emit).execute()
	})
}

// Stream starts the team run and returns its events.
func (t *Team) Stream(ctx context.Context, in core.Input) <-chan core.Event {
	return t.RunAsync(ctx, in).Events()
}
