// Package agent implements the Run Engine: a single agent driven through a
// state machine per run.
//
//	VALIDATING_INPUT -> BUILDING_CONTEXT -> INVOKING_MODEL
//	  -> (EXECUTING_TOOLS -> INVOKING_MODEL)* -> VALIDATING_OUTPUT
//	  -> PERSISTING -> DONE
//
// FAILED is reachable from every non-terminal state. Every transition emits
// a state.changed event and opens a trace span.
//
// An Agent is long-lived and safe for concurrent use; everything that
// belongs to one run lives in a core.RunContext. Run, RunAsync and Stream
// share the same state machine and differ only in how the caller consumes
// the ordered event sequence:
//
//	a, err := agent.New("assistant", m, func(o *agent.Options) {
//	    o.Instruction = agent.NewInstructionFromText("You help {{.state.user_name}}.")
//	    o.Tools = []tool.Tool{weather}
//	    o.SessionStore = session.NewInMemoryStore()
//	})
//
//	res, err := a.Run(ctx, core.Input{SessionID: "s1", UserID: "u1", Content: ...})
package agent
