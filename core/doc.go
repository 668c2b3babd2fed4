// Package core provides the foundational domain types, interfaces and execution
// contexts shared by every agentcrew package:
//
//   - Content and the closed Part sum type exchanged with models and tools
//   - Events emitted by runs, teams and workflows
//   - Runs, Sessions, memory records and knowledge passages
//   - The SessionStore, MemoryStore and KnowledgeRetriever collaborator interfaces
//   - The error taxonomy (ErrorKind, RunError, WorkflowError) and warnings
//   - RunContext / ToolContext scoping a single run and a single tool call
//
// Implementation concerns (persistence, orchestration, provider bindings) live
// in other packages; core only exposes small interfaces so custom backends can
// be plugged in.
package core
