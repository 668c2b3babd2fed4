// Package workflow runs validated step graphs over a shared state map.
//
// A workflow is a sequence of steps. Function, agent and team steps do
// work; condition, router, loop and parallel steps contain further steps.
// Every node receives a snapshot of the state and the previous node's
// output, and returns an output plus a state delta that is applied before
// the next node runs.
//
//	wf, err := workflow.New("report", []workflow.Step{
//		&workflow.AgentStep{Name: "research", Agent: researcher, OutputKey: "notes"},
//		&workflow.ParallelStep{Name: "review", Branches: [][]workflow.Step{
//			{&workflow.AgentStep{Name: "style", Agent: styler, OutputKey: "style"}},
//			{&workflow.AgentStep{Name: "facts", Agent: checker, OutputKey: "facts"}},
//		}},
//		&workflow.LoopStep{Name: "polish", MaxIterations: 3, Body: []workflow.Step{
//			&workflow.AgentStep{Name: "edit", Agent: editor, OutputKey: "draft"},
//		}, Until: approved},
//	})
//
// New rejects malformed graphs with InvalidWorkflow and parallel branches
// whose declared writes overlap with StateConflict.
//
// After every node the run is checkpointed. Resume restarts a failed or
// interrupted run from its initial state, skipping nodes that already
// completed and replaying their recorded outputs and deltas.
package workflow
