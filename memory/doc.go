// Package memory provides core.MemoryStore implementations and the Manager
// that extracts durable user memories from completed runs.
//
// Memories are keyed by (user, id). Stores never expose one user's records
// to another; the Manager only changes records through add, update and
// delete operations proposed by a model and validated against a schema.
package memory
