package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentcrew/core"
)

// DefaultBufferSize is the event channel capacity of a Stream.
const DefaultBufferSize = 100

// ErrStreamClosed is returned by emit after the run's terminal event was
// delivered.
var ErrStreamClosed = errors.New("event stream closed")

// RunFunc is the body of one run. It reports progress through emit and
// returns either a result or an error, never both. emit must not be called
// with terminal events; the Stream appends exactly one when fn returns.
type RunFunc func(ctx context.Context, emit func(core.Event) error) (*core.RunResult, error)

// StreamOptions tunes a Stream.
type StreamOptions struct {
	// BufferSize sets the event channel capacity. Emitters block once the
	// buffer is full until the consumer catches up or the run is cancelled.
	BufferSize int

	// OnDone is invoked after the terminal event is queued.
	OnDone func(*core.RunResult, error)
}

// Stream is the ordered event sequence of one run together with its final
// outcome. Every run of an agent, team or workflow is driven through a
// Stream: the asynchronous caller consumes Events, the blocking caller
// calls Wait, which drains the sequence.
//
// The channel returned by Events is closed after the terminal event
// (run.completed or run.failed), which is always the last one delivered.
type Stream struct {
	runID  string
	author string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	events chan core.Event
	done   chan struct{}

	result *core.RunResult
	err    error
}

// Start launches fn in its own goroutine and returns the Stream carrying its
// events. Cancelling ctx, or calling Cancel, cancels the context passed to fn.
func Start(ctx context.Context, runID, author string, fn RunFunc, optFns ...func(*StreamOptions)) *Stream {
	opts := StreamOptions{
		BufferSize: DefaultBufferSize,
	}

	for _, f := range optFns {
		f(&opts)
	}

	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}

	runCtx, cancel := context.WithCancel(ctx)

	s := &Stream{
		runID:  runID,
		author: author,
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan core.Event, opts.BufferSize),
		done:   make(chan struct{}),
	}

	go func() {
		defer cancel()

		res, err := s.run(fn)
		s.finish(res, err)

		if opts.OnDone != nil {
			opts.OnDone(res, err)
		}
	}()

	return s
}

func (s *Stream) run(fn RunFunc) (res *core.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			re := core.NewRunError(core.KindModelFailure, core.StateFailed, panicError{value: r})
			re.RunID, re.Author = s.runID, s.author
			res, err = nil, re
		}
	}()

	if cerr := s.ctx.Err(); cerr != nil {
		re := core.NewRunError(core.KindCancelled, core.StateFailed, cerr)
		re.RunID, re.Author = s.runID, s.author
		return nil, re
	}

	res, err = fn(s.ctx, s.emit)
	if err == nil && res == nil {
		res = &core.RunResult{RunID: s.runID, Author: s.author}
	}

	if err != nil {
		res = nil
	}

	return res, err
}

func (s *Stream) emit(ev core.Event) error {
	if ev.IsTerminal() {
		// Terminal events of nested runs are not forwarded; only this
		// stream's own terminal event ends the sequence.
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStreamClosed
	}

	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Stream) finish(res *core.RunResult, err error) {
	var terminal core.Event
	if err != nil {
		terminal = core.NewFailedEvent(s.runID, s.author, err)
	} else {
		terminal = core.NewCompletedEvent(s.runID, s.author, res)
	}

	s.mu.Lock()
	s.result, s.err = res, err
	s.closed = true
	s.mu.Unlock()

	// Consumers are required to drain the channel (Wait does), so the
	// terminal event is delivered without regard to cancellation.
	s.events <- terminal
	close(s.events)
	close(s.done)
}

// RunID returns the identifier of the run driving the stream.
func (s *Stream) RunID() string { return s.runID }

// Author returns the name of the agent, team or workflow running.
func (s *Stream) Author() string { return s.author }

// Events returns the ordered event channel. It is closed after the terminal
// event.
func (s *Stream) Events() <-chan core.Event { return s.events }

// Done is closed once the run finished and its terminal event was queued.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel cancels the run. The stream still ends with a terminal event.
func (s *Stream) Cancel() { s.cancel() }

// Wait discards unread events until the stream ends and returns the run's
// outcome. Callers that want the events read Events first and call Wait
// afterwards.
func (s *Stream) Wait() (*core.RunResult, error) {
	for range s.events {
	}

	<-s.done

	return s.result, s.err
}

// Collect drains the stream and returns every event it delivered, terminal
// event included, together with the outcome.
func (s *Stream) Collect() ([]core.Event, *core.RunResult, error) {
	var events []core.Event
	for ev := range s.events {
		events = append(events, ev)
	}

	<-s.done

	return events, s.result, s.err
}

// Forward relays the non-terminal events of a nested stream through emit
// and returns the nested outcome. It is used by teams and workflows to
// surface member and step runs on their own sequence.
func Forward(nested *Stream, emit func(core.Event) error) (*core.RunResult, error) {
	for ev := range nested.Events() {
		if ev.IsTerminal() {
			continue
		}

		_ = emit(ev)
	}

	<-nested.done

	return nested.result, nested.err
}

type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("run panicked: %v", p.value) }
