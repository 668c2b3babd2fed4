package team

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/session"
)

func newMember(t *testing.T, name, description string, m model.Model) *agent.Agent {
	t.Helper()

	a, err := agent.New(name, m, func(o *agent.Options) { o.Description = description })
	require.NoError(t, err)

	return a
}

func turn(text string) model.MockTurn { return model.MockTurn{Text: text} }

const (
	delegateBoth = `{"action":"delegate","delegations":[{"member":"researcher","task":"find facts"},{"member":"writer","task":"draft text"}]}`
	completeDone = `{"action":"complete","result":"final answer"}`
)

func TestTeamDelegatesThenCompletes(t *testing.T) {
	leader := model.NewMockModel("leader", turn(delegateBoth), turn(completeDone))
	researcher := model.NewMockModel("r", turn("facts: water is wet"))
	writer := model.NewMockModel("w", turn("draft: water is wet"))

	tm, err := New("crew", leader, []*agent.Agent{
		newMember(t, "researcher", "Finds facts", researcher),
		newMember(t, "writer", "Writes drafts", writer),
	})
	require.NoError(t, err)

	events := testutil.Collect(tm.Stream(context.Background(), core.TextInput("write about water")))
	last := events[len(events)-1]
	require.Equal(t, core.EventRunCompleted, last.Type, last.ErrorMessage)
	assert.Equal(t, "crew", last.Author)
	assert.Equal(t, "final answer", last.Result.Text())

	var (
		started, finished int
		completions       int
		memberAuthors     = map[string]bool{}
		teamStates        []core.State
	)
	for _, ev := range events {
		switch {
		case ev.Type == core.EventDelegationStarted:
			started++
		case ev.Type == core.EventDelegationFinished:
			finished++
			assert.Equal(t, OutcomeOK, ev.Metadata["outcome"])
		case ev.Type == core.EventRunStarted && ev.Author != "crew":
			memberAuthors[ev.Author] = true
		case ev.Type == core.EventStateChanged && ev.Author == "crew":
			teamStates = append(teamStates, ev.State)
		}
		if ev.Type == core.EventRunCompleted {
			completions++
		}
	}

	assert.Equal(t, 1, completions)

	assert.Equal(t, 2, started)
	assert.Equal(t, 2, finished)
	assert.True(t, memberAuthors["researcher"])
	assert.True(t, memberAuthors["writer"])
	assert.True(t, memberAuthors["crew.leader"])
	assert.Equal(t, []core.State{StateAnalyze, StateDelegate, StateEvaluate, StateSelectMember, StateComplete, core.StateDone}, teamStates)

	// the second leader round sees both results in delegation order
	prompt := model.LastUserText(leader.Requests()[1])
	ri := strings.Index(prompt, "researcher (task: find facts): facts: water is wet")
	wi := strings.Index(prompt, "writer (task: draft text): draft: water is wet")
	require.GreaterOrEqual(t, ri, 0, prompt)
	require.GreaterOrEqual(t, wi, 0, prompt)
	assert.Less(t, ri, wi)

	assert.Equal(t, "find facts", model.LastUserText(researcher.Requests()[0]))
	assert.Contains(t, leader.Requests()[0].Instructions, "- researcher: Finds facts")
}

func TestTeamRoundCapReturnsBestPartial(t *testing.T) {
	leader := model.NewMockModel("leader").WithResponder(func(model.Request) model.MockTurn {
		return turn(`{"action":"delegate","delegations":[{"member":"researcher","task":"dig deeper"}]}`)
	})

	n := 0
	researcher := model.NewMockModel("r").WithResponder(func(model.Request) model.MockTurn {
		n++
		return turn(strings.Repeat("more ", n) + "facts")
	})

	tm, err := New("crew", leader, []*agent.Agent{newMember(t, "researcher", "", researcher)},
		func(o *Options) { o.MaxRounds = 2 })
	require.NoError(t, err)

	res, err := tm.Run(context.Background(), core.TextInput("research"))
	require.NoError(t, err)

	assert.Equal(t, "more more facts", res.Text())
	assert.True(t, res.HasWarning(core.KindDelegationLimitExceeded))
	assert.Equal(t, 2, leader.Calls())
	assert.Equal(t, 2, researcher.Calls())
}

func TestTeamUnknownAndFailedMembersAreNotFatal(t *testing.T) {
	leader := model.NewMockModel("leader",
		turn(`{"action":"delegate","delegations":[{"member":"ghost","task":"haunt"},{"member":"flaky","task":"try"}]}`),
		turn(`{"action":"complete"}`),
	)
	flaky := model.NewMockModel("f", model.MockTurn{Err: errors.New("provider down")})

	tm, err := New("crew", leader, []*agent.Agent{newMember(t, "flaky", "", flaky)})
	require.NoError(t, err)

	s := tm.RunAsync(context.Background(), core.TextInput("do it"))
	events, res, err := s.Collect()
	require.NoError(t, err)

	outcomes := map[string]string{}
	for _, ev := range events {
		if ev.Type == core.EventDelegationFinished {
			outcomes[ev.Metadata["member"]] = ev.Metadata["outcome"]
		}
	}
	assert.Equal(t, OutcomeUnknownMember, outcomes["ghost"])
	assert.Equal(t, OutcomeFailed, outcomes["flaky"])

	assert.True(t, res.HasWarning(core.KindInvalidOutput))
	assert.True(t, res.HasWarning(core.KindModelFailure))

	prompt := model.LastUserText(leader.Requests()[1])
	assert.Contains(t, prompt, `ghost (task: haunt): FAILED InvalidOutput: unknown member "ghost"`)
	assert.Contains(t, prompt, "flaky (task: try): FAILED ModelFailure")

	// complete without a result and no successful member falls back to the leader text
	assert.Equal(t, `{"action":"complete"}`, res.Text())
}

func TestTeamLeaderFailureIsFatal(t *testing.T) {
	leader := model.NewMockModel("leader", model.MockTurn{Err: errors.New("leader down")})
	store := session.NewInMemoryStore()

	tm, err := New("crew", leader, []*agent.Agent{newMember(t, "m", "", model.NewMockModel("m"))},
		func(o *Options) { o.SessionStore = store })
	require.NoError(t, err)

	_, err = tm.Run(context.Background(), core.Input{SessionID: "s1", Content: core.NewTextContent(core.RoleUser, "go")})
	require.ErrorIs(t, err, core.KindModelFailure)

	var re *core.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "crew", re.Author)
	assert.Equal(t, StateAnalyze, re.State)

	sess, err := store.Load(context.Background(), "", "s1")
	require.NoError(t, err)
	require.Len(t, sess.Runs, 1)
	assert.Equal(t, core.RunFailed, sess.Runs[0].Status)
}

func TestTeamPersistsOnlyTeamRun(t *testing.T) {
	store := session.NewInMemoryStore()
	ctx := context.Background()

	prior := testutil.NewRunBuilder("s1", "u1").Author("crew").Input("earlier question").Output("earlier answer").Build()
	require.NoError(t, store.AppendRun(ctx, "u1", "s1", prior))

	for _, share := range []bool{false, true} {
		leader := model.NewMockModel("leader",
			turn(`{"action":"delegate","delegations":[{"member":"helper","task":"help"}]}`),
			turn(completeDone),
		)
		helperModel := model.NewMockModel("h", turn("helped"))

		helper, err := agent.New("helper", helperModel, agent.WithSessionStore(store))
		require.NoError(t, err)

		tm, err := New("crew", leader, []*agent.Agent{helper}, func(o *Options) {
			o.SessionStore = store
			o.ShareSessionWithMembers = share
		})
		require.NoError(t, err)

		_, err = tm.Run(ctx, core.Input{SessionID: "s1", UserID: "u1", Content: core.NewTextContent(core.RoleUser, "new question")})
		require.NoError(t, err)

		// the leader always sees team history
		assert.Equal(t, "earlier question", leader.Requests()[0].Contents[0].Text())

		helperContents := helperModel.Requests()[0].Contents
		if share {
			require.GreaterOrEqual(t, len(helperContents), 3)
			assert.Equal(t, "earlier question", helperContents[0].Text())
		} else {
			assert.Len(t, helperContents, 1)
		}
	}

	sess, err := store.Load(ctx, "u1", "s1")
	require.NoError(t, err)
	require.Len(t, sess.Runs, 3)
	for _, r := range sess.Runs {
		assert.Equal(t, "crew", r.Author)
	}
	assert.Equal(t, "final answer", sess.Runs[2].Output.Text())
}

func TestTeamCancellation(t *testing.T) {
	leader := model.NewMockModel("leader", turn(`{"action":"delegate","delegations":[{"member":"slow","task":"wait"}]}`))
	slow := model.NewMockModel("s", model.MockTurn{Text: "late", Delay: 10 * time.Second})

	tm, err := New("crew", leader, []*agent.Agent{newMember(t, "slow", "", slow)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := tm.RunAsync(ctx, core.TextInput("go"))

	for ev := range s.Events() {
		if ev.Type == core.EventDelegationStarted {
			cancel()
		}
	}

	_, err = s.Wait()
	require.ErrorIs(t, err, core.KindCancelled)
}

func TestNewValidation(t *testing.T) {
	m := model.NewMockModel("m")
	a := newMember(t, "a", "", m)

	_, err := New("", m, []*agent.Agent{a})
	require.Error(t, err)

	_, err = New("crew", m, nil)
	require.Error(t, err)

	_, err = New("crew", m, []*agent.Agent{a, a})
	require.Error(t, err)

	_, err = New("crew", m, []*agent.Agent{a}, func(o *Options) { o.MaxRounds = 0 })
	require.Error(t, err)

	tm, err := New("crew", m, []*agent.Agent{a, newMember(t, "b", "", m)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tm.Members())
}

func TestRoundCapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("a leader that never completes is stopped after MaxRounds", prop.ForAll(
		func(rounds int) bool {
			leader := model.NewMockModel("leader").WithResponder(func(model.Request) model.MockTurn {
				return turn(`{"action":"delegate","delegations":[{"member":"m","task":"again"}]}`)
			})

			member, err := agent.New("m", model.NewMockModel("m"))
			if err != nil {
				return false
			}

			tm, err := New("crew", leader, []*agent.Agent{member}, func(o *Options) { o.MaxRounds = rounds })
			if err != nil {
				return false
			}

			res, err := tm.Run(context.Background(), core.TextInput("loop"))

			return err == nil &&
				res.HasWarning(core.KindDelegationLimitExceeded) &&
				leader.Calls() == rounds
		},
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
