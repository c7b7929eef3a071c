package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// MockSleepManager is a mock implementation of sleepManager for testing
type MockSleepManager struct {
	mu           sync.Mutex
	InhibitErr   error
	SuspendErr   error
	InhibitCalls int
	SuspendCalls int
	locks        []*mockLock
}

type mockLock struct {
	closed bool
}

func (l *mockLock) Close() error {
	l.closed = true
	return nil
}

func (m *MockSleepManager) Inhibit(context.Context) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InhibitCalls++
	if m.InhibitErr != nil {
		return nil, m.InhibitErr
	}
	lock := &mockLock{}
	m.locks = append(m.locks, lock)
	return lock, nil
}

func (m *MockSleepManager) Suspend(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SuspendCalls++
	return m.SuspendErr
}

func newTestLogindBackend(t *testing.T, manager *MockSleepManager) *LogindBackend {
	t.Helper()
	b := &LogindBackend{manager: manager}
	if err := b.acquireLock(context.Background()); err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	return b
}

func collect(t *testing.T, fn func(out chan<- Result) bool) ([]Result, bool) {
	t.Helper()
	out := make(chan Result, 10)
	ok := fn(out)
	close(out)
	var results []Result
	for r := range out {
		results = append(results, r)
	}
	return results, ok
}

func TestHandleSleep_StartWithLock(t *testing.T) {
	b := newTestLogindBackend(t, &MockSleepManager{})

	results, ok := collect(t, func(out chan<- Result) bool {
		return b.handleSleep(context.Background(), true, out)
	})
	if !ok {
		t.Fatal("Expected handleSleep to continue")
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(results))
	}
	run, isRun := results[0].Request.(RunCommand)
	if !isRun || run.Command != (Power{Action: PowerOff, Cooperative: true}) {
		t.Errorf("Expected cooperative power off, got %v", results[0].Request)
	}
}

func TestHandleSleep_StartWithoutLock(t *testing.T) {
	b := newTestLogindBackend(t, &MockSleepManager{})
	b.releaseLock()

	results, _ := collect(t, func(out chan<- Result) bool {
		return b.handleSleep(context.Background(), true, out)
	})
	if len(results) != 0 {
		t.Errorf("Expected no request without the lock, got %v", results)
	}
}

func TestHandleSleep_Resume(t *testing.T) {
	manager := &MockSleepManager{}
	b := newTestLogindBackend(t, manager)
	b.releaseLock()

	results, _ := collect(t, func(out chan<- Result) bool {
		return b.handleSleep(context.Background(), false, out)
	})
	if len(results) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(results))
	}
	if reset, ok := results[0].Request.(ResetDevice); !ok || reset.Port != "" {
		t.Errorf("Expected ResetDevice with no port, got %v", results[0].Request)
	}
	if !b.hasLock() {
		t.Error("Expected the lock to be re-acquired on resume")
	}
	if manager.InhibitCalls != 2 {
		t.Errorf("Expected 2 Inhibit calls, got %d", manager.InhibitCalls)
	}
}

func TestHandleSleep_ResumeInhibitFailure(t *testing.T) {
	manager := &MockSleepManager{}
	b := newTestLogindBackend(t, manager)
	b.releaseLock()
	manager.InhibitErr = errors.New("access denied")

	results, ok := collect(t, func(out chan<- Result) bool {
		return b.handleSleep(context.Background(), false, out)
	})
	if !ok {
		t.Fatal("Expected handleSleep to continue")
	}
	if len(results) != 2 {
		t.Fatalf("Expected reset and error, got %v", results)
	}
	if _, ok := results[0].Request.(ResetDevice); !ok {
		t.Errorf("Expected ResetDevice first, got %v", results[0].Request)
	}
	if results[1].Err == nil {
		t.Error("Expected inhibit error")
	}
}

func TestHandleSleep_Cancelled(t *testing.T) {
	b := newTestLogindBackend(t, &MockSleepManager{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Result)
	if b.handleSleep(ctx, true, out) {
		t.Error("Expected handleSleep to stop on a cancelled context")
	}
}

func TestAcquireLock_ReplacesOldLock(t *testing.T) {
	manager := &MockSleepManager{}
	b := newTestLogindBackend(t, manager)

	if err := b.acquireLock(context.Background()); err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	if len(manager.locks) != 2 {
		t.Fatalf("Expected 2 locks, got %d", len(manager.locks))
	}
	if !manager.locks[0].closed {
		t.Error("Expected the old lock to be closed")
	}
	if manager.locks[1].closed {
		t.Error("Expected the new lock to stay open")
	}

	b.Close()
	if !manager.locks[1].closed {
		t.Error("Expected Close to release the lock")
	}
}

func TestLogindProxy_StandbySuspends(t *testing.T) {
	manager := &MockSleepManager{}
	b := newTestLogindBackend(t, manager)
	proxy := logindProxy{b}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := proxy.Event(ctx, CommandEvent{Opcode: OpcodeStandby}); err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if manager.SuspendCalls != 1 {
		t.Errorf("Expected 1 Suspend call, got %d", manager.SuspendCalls)
	}
	if b.hasLock() {
		t.Error("Expected the lock to be released before suspending")
	}
}

func TestLogindProxy_IgnoresOtherEvents(t *testing.T) {
	manager := &MockSleepManager{}
	proxy := logindProxy{newTestLogindBackend(t, manager)}

	events := []Event{
		CommandEvent{Opcode: OpcodeActiveSource},
		KeyPressEvent{Code: KeySelect},
		LogMessageEvent{Level: LogLevelError, Message: "standby"},
	}
	for _, ev := range events {
		if err := proxy.Event(context.Background(), ev); err != nil {
			t.Errorf("Event %T failed: %v", ev, err)
		}
	}
	if manager.SuspendCalls != 0 {
		t.Errorf("Expected no Suspend call, got %d", manager.SuspendCalls)
	}
}
