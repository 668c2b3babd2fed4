package agent

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hupe1980/agentcrew/assembler"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/memory"
	"github.com/hupe1980/agentcrew/observability"
	"github.com/hupe1980/agentcrew/schema"
	"github.com/hupe1980/agentcrew/session"
	"github.com/hupe1980/agentcrew/tool"
)

// Defaults applied by New.
const (
	DefaultMaxToolIterations  = 10
	DefaultMaxConcurrentTools = 4
	DefaultKnowledgeTopK      = 5
	DefaultOutputRetries      = 1
)

// Options configures an Agent.
type Options struct {
	// Instruction is the system prompt, rendered against session state.
	Instruction Instruction
	// Description tells teams what the agent is good at.
	Description string
	Tools       []tool.Tool

	// InputSchema validates Input.Data, or the input text parsed as JSON.
	InputSchema *schema.Schema
	// OutputSchema forces JSON output validated against the schema.
	OutputSchema *schema.Schema
	Guardrails   []Guardrail

	SessionStore core.SessionStore
	MemoryStore  core.MemoryStore
	Retriever    core.KnowledgeRetriever
	// Locker serializes session commits. Defaults to session.DefaultLocker().
	Locker *session.Locker

	IncludeHistory bool
	// NumHistoryRuns limits history to the most recent runs; nil means all.
	NumHistoryRuns   *int
	SearchKnowledge  bool
	KnowledgeTopK    int
	KnowledgeFilters map[string]any
	Compression      *assembler.CompressionPolicy
	// IncludeSummary adds the stored session summary to the instructions.
	IncludeSummary bool
	// Culture notes are shared guidance rendered into every prompt.
	Culture []string

	MaxToolIterations       int
	RequireToolConfirmation bool
	Approver                tool.Approver
	MaxConcurrentTools      int

	ModelTimeout     time.Duration
	ToolTimeout      time.Duration
	RetrievalTimeout time.Duration
	ApprovalTimeout  time.Duration

	// EnableMemory triggers memory extraction after each persisted run.
	EnableMemory  bool
	MemoryManager *memory.Manager
	// AwaitMemory runs extraction inside the run instead of in the background.
	AwaitMemory bool

	// SummaryEveryNRuns regenerates the session summary whenever the
	// session's run count reaches a multiple of N. Zero disables it.
	SummaryEveryNRuns int
	Summarizer        assembler.Summarizer

	// ModelParams is passed through to the model on every call.
	ModelParams map[string]any
	RateLimiter *rate.Limiter
	// OutputRetries bounds reformat requests after invalid output (0 or 1).
	OutputRetries int

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// WithTools appends tools.
func WithTools(tools ...tool.Tool) func(*Options) {
	return func(o *Options) { o.Tools = append(o.Tools, tools...) }
}

// WithInstruction sets a static instruction.
func WithInstruction(text string) func(*Options) {
	return func(o *Options) { o.Instruction = NewInstructionFromText(text) }
}

// WithSessionStore sets the session store and enables history.
func WithSessionStore(s core.SessionStore) func(*Options) {
	return func(o *Options) {
		o.SessionStore = s
		o.IncludeHistory = true
	}
}

// WithHistoryRuns limits history to the n most recent runs.
func WithHistoryRuns(n int) func(*Options) {
	return func(o *Options) {
		o.IncludeHistory = true
		o.NumHistoryRuns = &n
	}
}

// WithOutputSchema sets the output schema.
func WithOutputSchema(s *schema.Schema) func(*Options) {
	return func(o *Options) { o.OutputSchema = s }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}
