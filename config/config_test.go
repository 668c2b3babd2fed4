package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/session"
	"github.com/hupe1980/agentcrew/workflow"
	"github.com/hupe1980/agentcrew/workflow/filestore"
	"github.com/hupe1980/agentcrew/workflow/redisstore"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("model:\n  provider: mock\n"))
	require.NoError(t, err)

	assert.Equal(t, ProviderMock, cfg.Model.Provider)
	assert.InDelta(t, 0.7, cfg.Model.Temperature, 1e-9)
	assert.Equal(t, int64(4096), cfg.Model.MaxTokens)
	assert.Equal(t, "assistant", cfg.Agent.Name)
	assert.Equal(t, BackendMemory, cfg.Session.Backend)
	assert.Equal(t, BackendMemory, cfg.Memory.Backend)
	assert.Equal(t, BackendMemory, cfg.Checkpoints.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Nil(t, cfg.Agent.NumHistoryRuns)
}

func TestParseFull(t *testing.T) {
	doc := `
model:
  provider: mock
  name: scripted
  temperature: 0.2
  requests_per_second: 5
agent:
  name: helper
  instructions: "Be brief."
  include_history: true
  num_history_runs: 0
  max_tool_iterations: 3
  model_timeout: 30s
  approval_timeout: 1m
checkpoints:
  backend: file
logging:
  level: debug
  format: json
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "scripted", cfg.Model.Name)
	assert.Equal(t, 1, cfg.Model.Burst)
	assert.Equal(t, "helper", cfg.Agent.Name)
	require.NotNil(t, cfg.Agent.NumHistoryRuns)
	assert.Equal(t, 0, *cfg.Agent.NumHistoryRuns)
	assert.Equal(t, 30*time.Second, cfg.Agent.ModelTimeout.Std())
	assert.Equal(t, time.Minute, cfg.Agent.ApprovalTimeout.Std())
	assert.Equal(t, ".agentcrew/checkpoints", cfg.Checkpoints.Dir)
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")
	t.Setenv("AGENTCREW_REDIS_ADDR", "localhost:6379")

	cfg, err := Parse([]byte("session:\n  backend: redis\n"))
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Model.Provider)
	assert.Equal(t, "sk-openai", cfg.Model.APIKey)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	cfg, err = Parse([]byte("model:\n  provider: anthropic\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-anthropic", cfg.Model.APIKey)

	cfg, err = Parse([]byte("model:\n  provider: anthropic\n  api_key: explicit\n"))
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.Model.APIKey)
}

func TestValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("AGENTCREW_REDIS_ADDR", "")

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing api key", "model:\n  provider: openai\n", "model.api_key is required"},
		{"unknown provider", "model:\n  provider: llama\n", "unknown model.provider"},
		{"temperature", "model:\n  provider: mock\n  temperature: 3\n", "model.temperature"},
		{"negative rps", "model:\n  provider: mock\n  requests_per_second: -1\n", "requests_per_second"},
		{"negative history", "model:\n  provider: mock\nagent:\n  num_history_runs: -1\n", "num_history_runs"},
		{"negative iterations", "model:\n  provider: mock\nagent:\n  max_tool_iterations: -2\n", "max_tool_iterations"},
		{"schema twice", "model:\n  provider: mock\nagent:\n  output_schema: '{}'\n  output_schema_file: s.json\n", "mutually exclusive"},
		{"session backend", "model:\n  provider: mock\nsession:\n  backend: etcd\n", "unknown session.backend"},
		{"sqlite path", "model:\n  provider: mock\nmemory:\n  backend: sqlite\n", "memory.path is required"},
		{"checkpoint backend", "model:\n  provider: mock\ncheckpoints:\n  backend: s3\n", "unknown checkpoints.backend"},
		{"redis addr", "model:\n  provider: mock\ncheckpoints:\n  backend: redis\n", "redis.addr is required"},
		{"log level", "model:\n  provider: mock\nlogging:\n  level: loud\n", "logging.level"},
		{"log format", "model:\n  provider: mock\nlogging:\n  format: xml\n", "unknown logging.format"},
		{"bad duration", "model:\n  provider: mock\nagent:\n  tool_timeout: soon\n", "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = ProviderMock
	cfg.Model.Temperature = 5
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.temperature")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "big.yaml")
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("#"), maxFileSize+1), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config file too large")
	})

	t.Run("save and load", func(t *testing.T) {
		cfg := Default()
		cfg.Model.Provider = ProviderMock
		cfg.Agent.ToolTimeout = Duration(15 * time.Second)

		path := filepath.Join(dir, "agentcrew.yaml")
		require.NoError(t, Save(cfg, path))

		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ProviderMock, loaded.Model.Provider)
		assert.Equal(t, 15*time.Second, loaded.Agent.ToolTimeout.Std())
	})
}

func mockConfig(t *testing.T) *Config {
	t.Helper()

	cfg := Default()
	cfg.Model.Provider = ProviderMock
	require.NoError(t, cfg.Validate())

	return cfg
}

func TestBuildInMemory(t *testing.T) {
	cfg := mockConfig(t)

	stack, err := cfg.Build(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	assert.Equal(t, "mock", stack.Model.Info().Name)
	assert.IsType(t, &session.InMemoryStore{}, stack.Sessions)
	assert.IsType(t, &workflow.InMemoryCheckpointStore{}, stack.Checkpoints)
	assert.NotNil(t, stack.Memories)
}

func TestBuildFileAndSQLite(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Memory.Backend = BackendSQLite
	cfg.Memory.Path = ":memory:"
	cfg.Checkpoints.Backend = BackendFile
	cfg.Checkpoints.Dir = filepath.Join(t.TempDir(), "cp")

	stack, err := cfg.Build(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	store, ok := stack.Checkpoints.(*filestore.Store)
	require.True(t, ok)
	assert.Equal(t, cfg.Checkpoints.Dir, store.Dir())

	require.NoError(t, stack.Close())
}

func TestBuildRedisSharesClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := mockConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Session.Backend = BackendRedis
	cfg.Checkpoints.Backend = BackendRedis
	cfg.Checkpoints.Prefix = "cp:"

	ctx := context.Background()

	stack, err := cfg.Build(ctx, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	assert.IsType(t, &session.RedisStore{}, stack.Sessions)
	assert.IsType(t, &redisstore.Store{}, stack.Checkpoints)
	assert.Len(t, stack.closers, 1)

	require.NoError(t, stack.Sessions.SetState(ctx, "u", "s1", map[string]any{"k": "v"}))
	require.NoError(t, stack.Checkpoints.Save(ctx, &workflow.Checkpoint{RunID: "r1", Workflow: "wf", CreatedAt: time.Now()}))

	assert.True(t, mr.Exists("cp:run:r1"))
}

func TestBuildRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := mockConfig(t)
	cfg.Redis.Addr = addr
	cfg.Session.Backend = BackendRedis

	_, err := cfg.Build(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session store")
}

func TestBuildLoggerWritesJSON(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Logging.Format = "json"

	var buf bytes.Buffer

	logger, err := cfg.BuildLogger(&buf)
	require.NoError(t, err)

	logger.Info("config.loaded", "provider", cfg.Model.Provider)
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), "config.loaded")
}

func TestOutputSchema(t *testing.T) {
	cfg := mockConfig(t)

	s, err := cfg.OutputSchema()
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Agent.OutputSchema = `{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`
	s, err = cfg.OutputSchema()
	require.NoError(t, err)
	assert.NotNil(t, s)

	cfg.Agent.OutputSchema = ""
	cfg.Agent.OutputSchemaFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = cfg.OutputSchema()
	require.Error(t, err)
}

func TestStackNewAgent(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Agent.Name = "helper"
	cfg.Agent.Instructions = "Answer as {{.state.persona}}."
	cfg.Agent.IncludeHistory = true

	ctx := context.Background()

	stack, err := cfg.Build(ctx, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	require.NoError(t, stack.Sessions.SetState(ctx, "u", "s1", map[string]any{"persona": "a pirate"}))

	a, err := stack.NewAgent(cfg)
	require.NoError(t, err)
	assert.Equal(t, "helper", a.Name())

	res, err := a.Run(ctx, core.Input{SessionID: "s1", UserID: "u", Content: core.NewTextContent(core.RoleUser, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hi", res.Text())

	sess, err := stack.Sessions.Load(ctx, "u", "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Runs, 1)
}

func TestStackNewAgentWithMemory(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Agent.EnableMemory = true

	stack, err := cfg.Build(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	a, err := stack.NewAgent(cfg)
	require.NoError(t, err)
	assert.NotNil(t, a)
}
