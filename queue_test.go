package main

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/beeker1121/goque"
)

func newTestQueue(t *testing.T) *EventQueue {
	t.Helper()
	q, err := NewEventQueue(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newTestQueue(t)

	events := []Event{
		KeyPressEvent{Code: KeyUp},
		CommandEvent{Opcode: OpcodeStandby, Payload: []byte{0x01}},
		LogMessageEvent{Level: LogLevelWarning, Message: "hello"},
		KeyPressEvent{Code: KeySelect, Duration: 250 * time.Millisecond},
	}
	for _, ev := range events {
		q.Push(ev)
	}

	if q.Len() != uint64(len(events)) {
		t.Errorf("Expected %d queued events, got %d", len(events), q.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i, want := range events {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d failed: %v", i, err)
		}
		if cmd, ok := want.(CommandEvent); ok {
			gotCmd, ok := got.(CommandEvent)
			if !ok || gotCmd.Opcode != cmd.Opcode || string(gotCmd.Payload) != string(cmd.Payload) {
				t.Errorf("Event %d: expected %#v, got %#v", i, want, got)
			}
			continue
		}
		if got != want {
			t.Errorf("Event %d: expected %#v, got %#v", i, want, got)
		}
	}
}

func TestEventQueue_PopWaitsForPush(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(KeyPressEvent{Code: KeyDown})
	}()

	ev, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if ev != (KeyPressEvent{Code: KeyDown}) {
		t.Errorf("Expected key down, got %#v", ev)
	}
}

func TestEventQueue_PopCancelled(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestEventQueue_PopAfterClose(t *testing.T) {
	q, err := NewEventQueue(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, goque.ErrDBClosed) {
			t.Errorf("Expected ErrDBClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Pop did not return after Close")
	}
}

func TestEventQueue_TemporaryDirectory(t *testing.T) {
	q, err := NewEventQueue("")
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	dir := q.dir

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Expected queue directory to exist: %v", err)
	}

	q.Close()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Expected temporary queue directory to be removed")
	}
}

func TestEventQueue_ConfiguredDirectoryKept(t *testing.T) {
	dir := t.TempDir()
	q, err := NewEventQueue(dir)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	q.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Expected configured queue directory to be kept: %v", err)
	}
}

func TestEventQueue_StaleEventsDiscarded(t *testing.T) {
	dir := t.TempDir()
	q, err := NewEventQueue(dir)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	q.Push(CommandEvent{Opcode: OpcodeStandby})
	q.Push(KeyPressEvent{Code: KeyUp})
	if q.Len() != 2 {
		t.Fatalf("Expected 2 queued events, got %d", q.Len())
	}
	q.Close()

	q, err = NewEventQueue(dir)
	if err != nil {
		t.Fatalf("Failed to reopen queue: %v", err)
	}
	defer q.Close()
	if q.Len() != 0 {
		t.Errorf("Expected events from the previous run to be dropped, got %d", q.Len())
	}

	q.Push(KeyPressEvent{Code: KeyDown})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Pop(ctx)
	if err != nil || ev != (KeyPressEvent{Code: KeyDown}) {
		t.Errorf("Expected the new event, got %v %v", ev, err)
	}
}

func TestQueueItem_UnknownType(t *testing.T) {
	if _, err := decodeQueueItem([]byte(`{"type":"power","data":{}}`)); err == nil {
		t.Error("Expected error for unknown queue item type")
	}
	if _, err := decodeQueueItem([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed queue item")
	}
}
