// Package engine provides the run plumbing shared by agents, teams and
// workflows.
//
// A Stream carries the ordered event sequence of one run. The run body
// executes in its own goroutine and reports progress through an emit
// function; when it returns, the Stream appends exactly one terminal event
// (run.completed or run.failed) and closes the channel. Blocking callers use
// Wait, streaming callers range over Events.
//
// The Engine is an optional registry on top: it invokes named runnables with
// a concurrency bound, tracks active runs so they can be stopped, and runs
// before/after hooks.
package engine
