package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
	"github.com/hupe1980/agentcrew/model"
)

func TestManagerAppliesOperations(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	stale, err := store.Upsert(ctx, "alice", core.MemoryRecord{Memory: "lives in Bergen"})
	require.NoError(t, err)
	keep, err := store.Upsert(ctx, "alice", core.MemoryRecord{Memory: "likes tea"})
	require.NoError(t, err)

	m := model.NewMockModel("extractor").WithResponder(func(req model.Request) model.MockTurn {
		prompt := model.LastUserText(req)
		assert.Contains(t, prompt, stale.ID)
		assert.Contains(t, prompt, "I moved to Oslo")

		return model.MockTurn{Text: "```json\n" + `{"operations":[
			{"op":"add","memory":"works as a nurse","topics":["work"]},
			{"op":"update","id":"` + stale.ID + `","memory":"lives in Oslo"},
			{"op":"delete","id":"` + keep.ID + `"},
			{"op":"delete","id":"ghost"}
		]}` + "\n```"}
	})

	mgr, err := NewManager(m, store)
	require.NoError(t, err)

	run := testutil.NewRunBuilder("s1", "alice").Input("I moved to Oslo, still nursing").Output("Noted!").Build()

	ops, err := mgr.Extract(ctx, "alice", run)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpAdd, ops[0].Op)
	assert.NotEmpty(t, ops[0].ID)

	recs, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	texts := []string{recs[0].Memory, recs[1].Memory}
	assert.ElementsMatch(t, []string{"lives in Oslo", "works as a nurse"}, texts)
}

func TestManagerRejectsMalformedOutput(t *testing.T) {
	store := NewInMemoryStore()
	m := model.NewMockModel("extractor", model.MockTurn{Text: `{"operations":[{"op":"forget"}]}`})

	mgr, err := NewManager(m, store)
	require.NoError(t, err)

	_, err = mgr.Extract(context.Background(), "alice", testutil.NewRunBuilder("s1", "alice").Input("hi").Build())
	require.Error(t, err)

	recs, err := store.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(nil, NewInMemoryStore())
	assert.Error(t, err)
}
