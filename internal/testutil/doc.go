// Package testutil contains helper builders and recorders used across tests
// to reduce boilerplate when constructing sessions, runs and run contexts
// and when asserting on emitted events. Not intended for production usage.
package testutil
