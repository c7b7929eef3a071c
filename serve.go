package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beeker1121/goque"
	"golang.org/x/sync/errgroup"
)

// Daemon owns the CEC connection. It dispatches connection events to the
// backends and applies their requests to the connection.
type Daemon struct {
	open     Opener
	options  OpenOptions
	executor *Executor
	queue    *EventQueue

	mu   sync.Mutex
	conn *sharedConn

	// inflight counts native calls still holding a connection handle.
	inflight sync.WaitGroup
}

func NewDaemon(open Opener, options OpenOptions, executor *Executor, queue *EventQueue) *Daemon {
	return &Daemon{open: open, options: options, executor: executor, queue: queue}
}

// Run opens the initial connection and serves backend until ctx is done or a
// fatal error occurs.
func (d *Daemon) Run(ctx context.Context, backend Backend) error {
	proxy, stream, err := backend.Split(ctx)
	if err != nil {
		return err
	}
	defer d.disconnect()

	if err := d.connect(""); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.dispatchEvents(ctx, proxy)
	})
	g.Go(func() error {
		return d.applyRequests(ctx, stream)
	})
	err = g.Wait()
	d.inflight.Wait()
	return err
}

func (d *Daemon) dispatchEvents(ctx context.Context, proxy Proxy) error {
	for {
		ev, err := d.queue.Pop(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, goque.ErrDBClosed):
			return nil
		default:
			return err
		}

		if msg, ok := ev.(LogMessageEvent); ok {
			slog.Log(ctx, msg.Level.slogLevel(), msg.Message, "source", "libcec")
		}
		if err := proxy.Event(ctx, ev); err != nil {
			slog.Error("Failed to dispatch CEC event", "event", fmt.Sprintf("%T", ev), "error", err)
		}
	}
}

func (d *Daemon) applyRequests(ctx context.Context, stream Stream) error {
	for res := range stream.Requests(ctx) {
		if res.Err != nil {
			slog.Error("Backend error", "error", res.Err)
			continue
		}
		if err := d.apply(ctx, res.Request); err != nil {
			if IsFatalOpenError(err) {
				return err
			}
			slog.Error("Failed to apply request", "request", res.Request, "error", err)
		}
	}
	return nil
}

func (d *Daemon) apply(ctx context.Context, req Request) error {
	slog.Debug("Applying request", "request", req)
	switch r := req.(type) {
	case ResetDevice:
		// The old connection holds the adapter's lock, so it goes first.
		d.disconnect()
		return d.connect(r.Port)
	case RemoveDevice:
		d.disconnect()
		return nil
	case RunCommand:
		conn := d.current()
		if conn == nil {
			slog.Debug("No CEC connection, dropping command", "command", r.Command)
			return nil
		}
		d.inflight.Add(1)
		return d.executor.RunWithRelease(ctx, conn, r.Command, func() {
			conn.release()
			d.inflight.Done()
		})
	default:
		return fmt.Errorf("unknown request %T", req)
	}
}

// connect opens a new connection, on port when set and on the configured
// adapter otherwise. Only fatal open errors are returned.
func (d *Daemon) connect(port string) error {
	opts := d.options
	if port != "" {
		opts.Port = port
	}

	conn, err := d.open(opts, d.queue.Push)
	if err != nil {
		if IsFatalOpenError(err) {
			return err
		}
		slog.Warn("Failed to open CEC adapter, waiting for adapter...", "port", opts.Port, "error", err)
		return nil
	}

	d.mu.Lock()
	old := d.conn
	d.conn = newSharedConn(conn)
	d.mu.Unlock()

	if old != nil {
		old.release()
	}
	return nil
}

func (d *Daemon) disconnect() {
	d.mu.Lock()
	old := d.conn
	d.conn = nil
	d.mu.Unlock()

	if old != nil {
		old.release()
		slog.Info("CEC connection closed")
	}
}

// current returns an acquired handle on the open connection, or nil.
func (d *Daemon) current() *sharedConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.acquire()
}

// serve runs the daemon with every backend.
func serve(ctx context.Context, cfg *Config) error {
	queue, err := NewEventQueue(cfg.QueueDir)
	if err != nil {
		return err
	}
	defer queue.Close()

	backend, err := NewAllBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("Failed to close backends", "error", err)
		}
	}()

	daemon := NewDaemon(OpenLibCEC, OpenOptions{
		Port:           cfg.CECAdapter,
		DeviceName:     cfg.DeviceName,
		LogicalAddress: LogicalAddress(cfg.LogicalAddress),
	}, &Executor{PowerDevices: cfg.powerDevices()}, queue)

	slog.Info("Listening for CEC events... (Ctrl+C to exit)")
	err = daemon.Run(ctx, backend)
	if ctx.Err() != nil {
		slog.Info("Shutting down...")
	}
	return err
}
