// Package session houses concrete implementations of core.SessionStore and
// the per-session write lock used to serialize run commits.
//
// The interface itself (and the Session struct) live in the core package so
// higher level packages (agents, teams, workflows) never depend on concrete
// storage. Only the wiring layer decides which implementation to use.
package session
