package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hupe1980/agentcrew/core"
)

func TestLoopBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a loop runs at most MaxIterations times", prop.ForAll(
		func(maxIterations, target int) bool {
			runs := 0

			wf, err := New("loop", []Step{
				&LoopStep{
					Name:          "repeat",
					MaxIterations: maxIterations,
					Until:         func(in StepInput) bool { return in.State["n"].(int) >= target },
					Body: []Step{
						Function("inc", func(_ context.Context, in StepInput) (StepOutput, error) {
							runs++
							n, _ := in.State["n"].(int)
							return StepOutput{Delta: map[string]any{"n": n + 1}}, nil
						}, "n"),
					},
				},
			})
			if err != nil {
				return false
			}

			res, err := wf.Run(context.Background(), core.TextInput("go"))
			if err != nil {
				return false
			}

			want := min(maxIterations, target)

			return runs == want && res.StateDelta["n"] == want
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 12),
	))

	properties.Property("parallel branches writing disjoint keys always merge", prop.ForAll(
		func(branches int) bool {
			var fan [][]Step
			for i := range branches {
				key := fmt.Sprintf("k%d", i)
				fan = append(fan, []Step{write("w"+key, key, i)})
			}

			wf, err := New("fan", []Step{&ParallelStep{Name: "fan", Branches: fan}})
			if err != nil {
				return false
			}

			res, err := wf.Run(context.Background(), core.TextInput("go"))
			if err != nil || len(res.StateDelta) != branches {
				return false
			}

			for i := range branches {
				if res.StateDelta[fmt.Sprintf("k%d", i)] != i {
					return false
				}
			}

			return true
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
