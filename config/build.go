package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/memory"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/model/anthropic"
	"github.com/hupe1980/agentcrew/model/openai"
	"github.com/hupe1980/agentcrew/schema"
	"github.com/hupe1980/agentcrew/session"
	"github.com/hupe1980/agentcrew/workflow"
	"github.com/hupe1980/agentcrew/workflow/filestore"
	"github.com/hupe1980/agentcrew/workflow/redisstore"
)

func parseLevel(s string) (logging.Level, error) {
	l, err := logging.ParseLevel(s)
	if err != nil {
		return l, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

// Stack holds everything built from a Config. Close releases the
// connections it opened.
type Stack struct {
	Model       model.Model
	Sessions    core.SessionStore
	Memories    core.MemoryStore
	Checkpoints workflow.CheckpointStore
	Logger      logging.Logger

	redis   *redis.Client
	closers []func() error
}

// Build creates the model, stores and logger. Logs are written to logOut,
// or stderr when nil.
func (c *Config) Build(ctx context.Context, logOut io.Writer) (*Stack, error) {
	s := &Stack{}

	var err error

	if s.Logger, err = c.BuildLogger(logOut); err != nil {
		return nil, err
	}

	if s.Model, err = c.BuildModel(); err != nil {
		return nil, err
	}

	if s.Sessions, err = c.buildSessionStore(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.Memories, err = c.buildMemoryStore(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.Checkpoints, err = c.buildCheckpointStore(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close releases every resource opened by Build.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// BuildLogger returns the configured structured logger.
func (c *Config) BuildLogger(out io.Writer) (logging.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	if out == nil {
		out = os.Stderr
	}

	return logging.New(logging.Config{
		Level:     level,
		Format:    c.Logging.Format,
		Output:    out,
		Component: "agentcrew",
	}), nil
}

// BuildModel returns the configured model adapter.
func (c *Config) BuildModel() (model.Model, error) {
	mc := c.Model

	switch mc.Provider {
	case ProviderOpenAI:
		client := openaisdk.NewClient(option.WithAPIKey(mc.APIKey))

		return openai.NewModelFromClient(&client, func(o *openai.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
			o.Temperature = mc.Temperature
			o.MaxCompletionTokens = mc.MaxTokens
		}), nil
	case ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Name != "" {
				o.Model = anthropicsdk.Model(mc.Name)
			}
			o.Temperature = mc.Temperature
			o.MaxTokens = mc.MaxTokens
			o.APIKey = mc.APIKey
		}), nil
	case ProviderMock:
		name := mc.Name
		if name == "" {
			name = "mock"
		}
		return model.NewMockModel(name), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", mc.Provider)
	}
}

func (s *Stack) redisClient(ctx context.Context, rc RedisConfig) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}

	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s.redis = client
	s.closers = append(s.closers, client.Close)

	return client, nil
}

func (c *Config) buildSessionStore(ctx context.Context, s *Stack) (core.SessionStore, error) {
	switch c.Session.Backend {
	case BackendMemory:
		return session.NewInMemoryStore(), nil
	case BackendRedis:
		client, err := s.redisClient(ctx, c.Redis)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		return session.NewRedisStoreFromClient(client, c.Session.Prefix, c.Session.TTL.Std()), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
}

func (c *Config) buildMemoryStore(ctx context.Context, s *Stack) (core.MemoryStore, error) {
	switch c.Memory.Backend {
	case BackendMemory:
		return memory.NewInMemoryStore(), nil
	case BackendSQLite:
		store, err := memory.OpenSQLite(ctx, c.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", c.Memory.Backend)
	}
}

func (c *Config) buildCheckpointStore(ctx context.Context, s *Stack) (workflow.CheckpointStore, error) {
	switch c.Checkpoints.Backend {
	case BackendMemory:
		return workflow.NewInMemoryCheckpointStore(), nil
	case BackendFile:
		store, err := filestore.New(c.Checkpoints.Dir)
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		return store, nil
	case BackendRedis:
		client, err := s.redisClient(ctx, c.Redis)
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		return redisstore.NewFromClient(client, c.Checkpoints.Prefix, c.Checkpoints.TTL.Std()), nil
	default:
		return nil, fmt.Errorf("unknown checkpoints backend %q", c.Checkpoints.Backend)
	}
}

// OutputSchema compiles the configured output schema, or returns nil when
// none is set.
func (c *Config) OutputSchema() (*schema.Schema, error) {
	doc := []byte(c.Agent.OutputSchema)

	if c.Agent.OutputSchemaFile != "" {
		var err error
		if doc, err = os.ReadFile(c.Agent.OutputSchemaFile); err != nil {
			return nil, fmt.Errorf("read output schema: %w", err)
		}
	}

	if len(doc) == 0 {
		return nil, nil
	}

	s, err := schema.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}

	return s, nil
}

// NewAgent builds the configured agent on top of the stack. optFns run
// after the configuration is applied.
func (s *Stack) NewAgent(c *Config, optFns ...func(*agent.Options)) (*agent.Agent, error) {
	out, err := c.OutputSchema()
	if err != nil {
		return nil, err
	}

	var manager *memory.Manager
	if c.Agent.EnableMemory {
		if manager, err = memory.NewManager(s.Model, s.Memories); err != nil {
			return nil, fmt.Errorf("memory manager: %w", err)
		}
	}

	ac := c.Agent

	apply := func(o *agent.Options) {
		if ac.Instructions != "" {
			o.Instruction = agent.NewInstructionFromText(ac.Instructions)
		}
		o.Description = ac.Description
		o.Culture = ac.Culture
		o.OutputSchema = out

		o.SessionStore = s.Sessions
		o.MemoryStore = s.Memories
		o.IncludeHistory = ac.IncludeHistory
		o.NumHistoryRuns = ac.NumHistoryRuns
		o.IncludeSummary = ac.IncludeSummary

		if ac.MaxToolIterations > 0 {
			o.MaxToolIterations = ac.MaxToolIterations
		}
		if ac.MaxConcurrentTools > 0 {
			o.MaxConcurrentTools = ac.MaxConcurrentTools
		}
		o.RequireToolConfirmation = ac.RequireToolConfirmation

		o.ModelTimeout = ac.ModelTimeout.Std()
		o.ToolTimeout = ac.ToolTimeout.Std()
		o.ApprovalTimeout = ac.ApprovalTimeout.Std()

		o.EnableMemory = ac.EnableMemory
		o.MemoryManager = manager
		o.SummaryEveryNRuns = ac.SummaryEveryNRuns

		o.ModelParams = c.Model.Params
		if c.Model.RequestsPerSecond > 0 {
			o.RateLimiter = rate.NewLimiter(rate.Limit(c.Model.RequestsPerSecond), c.Model.Burst)
		}

		o.Logger = s.Logger
	}

	return agent.New(ac.Name, s.Model, append([]func(*agent.Options){apply}, optFns...)...)
}
