package main

import (
	"context"
	"fmt"
	"time"
)

// Event is something the CEC connection observed. Events are produced by the
// native library callbacks and broadcast, in order, to every backend proxy.
type Event interface {
	isEvent()
}

// KeyPressEvent is a remote-control key press forwarded by the TV.
type KeyPressEvent struct {
	Code     KeyCode
	Duration time.Duration
}

// CommandEvent is a raw CEC command received from another device.
type CommandEvent struct {
	Opcode  Opcode
	Payload []byte
}

// LogMessageEvent is a log line emitted by the native library.
type LogMessageEvent struct {
	Level   LogLevel
	Message string
}

func (KeyPressEvent) isEvent()   {}
func (CommandEvent) isEvent()    {}
func (LogMessageEvent) isEvent() {}

// Request is something a backend wants the orchestrator to do.
type Request interface {
	isRequest()
}

// ResetDevice drops the current connection and opens a new one. An empty Port
// lets the native library autodetect the adapter.
type ResetDevice struct {
	Port string
}

// RemoveDevice drops the current connection without reopening it.
type RemoveDevice struct {
	Port string
}

// RunCommand executes a meta-command against the current connection.
type RunCommand struct {
	Command MetaCommand
}

func (ResetDevice) isRequest()  {}
func (RemoveDevice) isRequest() {}
func (RunCommand) isRequest()   {}

func (r ResetDevice) String() string {
	if r.Port == "" {
		return "reset device"
	}
	return "reset device " + r.Port
}

func (r RemoveDevice) String() string { return "remove device " + r.Port }
func (r RunCommand) String() string   { return "run " + r.Command.String() }

// Result is one item of a request stream. A non-nil Err reports a failure for
// that item only; the stream keeps going.
type Result struct {
	Request Request
	Err     error
}

// Proxy consumes events. It has side effects but never produces requests.
type Proxy interface {
	Event(ctx context.Context, ev Event) error
}

// Stream produces an unbounded sequence of requests. The returned channel is
// closed when the source ends or ctx is done.
type Stream interface {
	Requests(ctx context.Context) <-chan Result
}

// Backend is an event source: it owns a long-lived handle (bus connection,
// socket, display connection) and hands out a proxy and a stream bound to it.
// Closing the backend releases the handle.
type Backend interface {
	Split(ctx context.Context) (Proxy, Stream, error)
	Close() error
}

type nopProxy struct{}

func (nopProxy) Event(context.Context, Event) error { return nil }

type emptyStream struct{}

func (emptyStream) Requests(context.Context) <-chan Result {
	ch := make(chan Result)
	close(ch)
	return ch
}

// BackendError tags an error with the backend it came from.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string { return fmt.Sprintf("%s: %v", e.Backend, e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

func tagError(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Err: err}
}

// send delivers r on out unless ctx is done first.
func send(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
