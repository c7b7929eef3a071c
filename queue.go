package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/beeker1121/goque"
)

// EventQueue is an unbounded FIFO between the native callbacks and the proxy
// dispatch task. Push never blocks; a slow consumer grows the on-disk queue.
type EventQueue struct {
	fsQueue *goque.Queue
	dir     string
	keepDir bool

	ready     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

type queueItem struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	queueItemKey     = "key"
	queueItemCommand = "command"
	queueItemLog     = "log"
)

// NewEventQueue opens a queue in dir. An empty dir gets a fresh temporary
// directory that is removed on Close; a configured dir is kept.
func NewEventQueue(dir string) (*EventQueue, error) {
	keepDir := dir != ""
	if !keepDir {
		var err error
		if dir, err = os.MkdirTemp("", "cec-sync-queue-*"); err != nil {
			return nil, err
		}
	}

	queue, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("open event queue %s: %w", dir, err)
	}

	// Events left by a previous run describe a bus state that is gone; a
	// replayed Standby would suspend the host.
	if n, err := discardStale(queue); err != nil {
		queue.Close()
		return nil, fmt.Errorf("clear event queue %s: %w", dir, err)
	} else if n > 0 {
		slog.Warn("Discarded events left from a previous run", "dir", dir, "count", n)
	}

	return &EventQueue{
		fsQueue: queue,
		dir:     dir,
		keepDir: keepDir,
		ready:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}, nil
}

// Push appends ev to the queue.
func (q *EventQueue) Push(ev Event) {
	item, err := encodeQueueItem(ev)
	if err != nil {
		slog.Error("Error marshaling event", "error", err)
		return
	}
	if _, err := q.fsQueue.EnqueueObjectAsJSON(item); err != nil {
		slog.Error("Error enqueuing event", "error", err)
		return
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func discardStale(queue *goque.Queue) (int, error) {
	n := 0
	for {
		_, err := queue.Dequeue()
		switch {
		case err == nil:
			n++
		case errors.Is(err, goque.ErrEmpty):
			return n, nil
		default:
			return n, err
		}
	}
}

// Pop removes the oldest event, waiting until one is available, ctx is done,
// or the queue is closed.
func (q *EventQueue) Pop(ctx context.Context) (Event, error) {
	for {
		item, err := q.fsQueue.Dequeue()
		switch {
		case err == nil:
			ev, err := decodeQueueItem(item.Value)
			if err != nil {
				slog.Error("Error parsing dequeued item", "error", err)
				continue
			}
			return ev, nil
		case errors.Is(err, goque.ErrEmpty):
		default:
			return nil, fmt.Errorf("dequeue event: %w", err)
		}

		select {
		case <-q.ready:
		case <-q.closed:
			return nil, goque.ErrDBClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of queued events.
func (q *EventQueue) Len() uint64 {
	return q.fsQueue.Length()
}

func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.fsQueue.Close()

		if q.keepDir {
			return
		}
		if err := os.RemoveAll(q.dir); err != nil {
			slog.Error("Failed to remove queue directory", "dir", q.dir, "error", err)
		}
	})
}

func encodeQueueItem(ev Event) (queueItem, error) {
	var typ string
	switch ev.(type) {
	case KeyPressEvent:
		typ = queueItemKey
	case CommandEvent:
		typ = queueItemCommand
	case LogMessageEvent:
		typ = queueItemLog
	default:
		return queueItem{}, fmt.Errorf("unknown event type %T", ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return queueItem{}, err
	}
	return queueItem{Type: typ, Data: data}, nil
}

func decodeQueueItem(value []byte) (Event, error) {
	var item queueItem
	if err := json.Unmarshal(value, &item); err != nil {
		return nil, err
	}

	switch item.Type {
	case queueItemKey:
		var ev KeyPressEvent
		err := json.Unmarshal(item.Data, &ev)
		return ev, err
	case queueItemCommand:
		var ev CommandEvent
		err := json.Unmarshal(item.Data, &ev)
		return ev, err
	case queueItemLog:
		var ev LogMessageEvent
		err := json.Unmarshal(item.Data, &ev)
		return ev, err
	default:
		return nil, fmt.Errorf("unknown queue item type %q", item.Type)
	}
}
