package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/workflow"
)

var _ workflow.CheckpointStore = (*Store)(nil)

func setup(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewFromClient(client, "test:", ttl)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func checkpoint(runID, name string, created time.Time) *workflow.Checkpoint {
	return &workflow.Checkpoint{
		RunID:     runID,
		Workflow:  name,
		Status:    workflow.CheckpointRunning,
		Input:     core.NewTextContent(core.RoleUser, "go"),
		State:     map[string]any{"a": "x"},
		CreatedAt: created,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := setup(t, 0)

	now := time.Now().UTC()
	require.NoError(t, s.Save(ctx, checkpoint("r2", "wf", now.Add(time.Second))))
	require.NoError(t, s.Save(ctx, checkpoint("r1", "wf", now)))
	require.NoError(t, s.Save(ctx, checkpoint("r3", "other", now)))

	cp, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "x", cp.State["a"])
	assert.Equal(t, "go", cp.Input.Text())

	// saving again replaces the checkpoint and keeps a single index entry
	cp.Status = workflow.CheckpointCompleted
	require.NoError(t, s.Save(ctx, cp))

	list, err := s.List(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].RunID)
	assert.Equal(t, workflow.CheckpointCompleted, list[0].Status)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, "r1"))
	require.NoError(t, s.Delete(ctx, "missing"))

	_, err = s.Load(ctx, "r1")
	require.ErrorIs(t, err, workflow.ErrCheckpointNotFound)

	list, err = s.List(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStoreExpiryPrunesIndex(t *testing.T) {
	ctx := context.Background()
	s, mr := setup(t, time.Minute)

	require.NoError(t, s.Save(ctx, checkpoint("r1", "wf", time.Now())))

	mr.FastForward(2 * time.Minute)

	list, err := s.List(ctx, "wf")
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := s.client.ZCard(ctx, s.indexKey("wf")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreBacksWorkflowCheckpoints(t *testing.T) {
	ctx := context.Background()
	s, _ := setup(t, 0)

	wf, err := workflow.New("wf", []workflow.Step{
		workflow.Set("init", map[string]any{"a": "x"}),
	}, func(o *workflow.Options) { o.Checkpoints = s })
	require.NoError(t, err)

	stream := wf.RunAsync(ctx, core.TextInput("go"))
	_, err = stream.Wait()
	require.NoError(t, err)

	cp, err := s.Load(ctx, stream.RunID())
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointCompleted, cp.Status)
	assert.Equal(t, []string{"init"}, cp.Order)
	assert.Equal(t, "x", cp.State["a"])
}
