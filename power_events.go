package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	logindDest      = "org.freedesktop.login1"
	logindPath      = dbus.ObjectPath("/org/freedesktop/login1")
	logindInterface = "org.freedesktop.login1.Manager"
	prepareForSleep = logindInterface + ".PrepareForSleep"
)

// sleepManager is the part of the logind manager the daemon uses.
type sleepManager interface {
	// Inhibit takes a delay lock on sleep; closing it lets sleep proceed.
	Inhibit(ctx context.Context) (io.Closer, error)
	Suspend(ctx context.Context) error
}

// LogindBackend turns system sleep into CEC power changes and remote standby
// into system suspend.
type LogindBackend struct {
	conn    *dbus.Conn
	manager sleepManager

	mu   sync.Mutex
	lock io.Closer
}

func NewLogindBackend(ctx context.Context, conn *dbus.Conn) (*LogindBackend, error) {
	b := &LogindBackend{conn: conn, manager: logindManager{obj: conn.Object(logindDest, logindPath)}}
	if err := b.acquireLock(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *LogindBackend) Split(context.Context) (Proxy, Stream, error) {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchSender(logindDest),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		return nil, nil, fmt.Errorf("failed to add match for sleep signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	b.conn.Signal(signals)
	return logindProxy{b}, logindStream{backend: b, signals: signals}, nil
}

func (b *LogindBackend) Close() error {
	b.releaseLock()
	return nil
}

// acquireLock replaces any held lock, so at most one is ever held.
func (b *LogindBackend) acquireLock(ctx context.Context) error {
	lock, err := b.manager.Inhibit(ctx)
	if err != nil {
		return fmt.Errorf("inhibit sleep: %w", err)
	}

	b.mu.Lock()
	old := b.lock
	b.lock = lock
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	slog.Debug("Sleep inhibitor lock acquired")
	return nil
}

func (b *LogindBackend) releaseLock() {
	b.mu.Lock()
	lock := b.lock
	b.lock = nil
	b.mu.Unlock()

	if lock != nil {
		lock.Close()
		slog.Debug("Sleep inhibitor lock released")
	}
}

func (b *LogindBackend) hasLock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lock != nil
}

// handleSleep maps one PrepareForSleep signal to the requests it yields.
func (b *LogindBackend) handleSleep(ctx context.Context, start bool, out chan<- Result) bool {
	if start {
		// Without the lock the TV already went to standby and took us with it.
		if !b.hasLock() {
			slog.Debug("Sleeping without inhibitor lock, not powering off")
			return true
		}
		return send(ctx, out, Result{Request: RunCommand{Command: Power{Action: PowerOff, Cooperative: true}}})
	}

	// libcec retries forever when asked to go active right after resume, so
	// reconnect instead.
	if !send(ctx, out, Result{Request: ResetDevice{}}) {
		return false
	}
	if err := b.acquireLock(ctx); err != nil {
		return send(ctx, out, Result{Err: err})
	}
	return true
}

type logindProxy struct {
	backend *LogindBackend
}

func (p logindProxy) Event(ctx context.Context, ev Event) error {
	cmd, ok := ev.(CommandEvent)
	if !ok || cmd.Opcode != OpcodeStandby {
		return nil
	}

	slog.Info("Standby requested over CEC, suspending")
	p.backend.releaseLock()
	return p.backend.manager.Suspend(ctx)
}

type logindStream struct {
	backend *LogindBackend
	signals chan *dbus.Signal
}

func (s logindStream) Requests(ctx context.Context) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		defer s.backend.conn.RemoveSignal(s.signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-s.signals:
				if !ok {
					return
				}
				if sig == nil || sig.Name != prepareForSleep || len(sig.Body) == 0 {
					continue
				}
				start, ok := sig.Body[0].(bool)
				if !ok {
					continue
				}
				slog.Debug("Power event", "sleep", start)
				if !s.backend.handleSleep(ctx, start, out) {
					return
				}
			}
		}
	}()
	return out
}

type logindManager struct {
	obj dbus.BusObject
}

func (m logindManager) Inhibit(ctx context.Context) (io.Closer, error) {
	var fd dbus.UnixFD
	err := m.obj.CallWithContext(ctx, logindInterface+".Inhibit", 0,
		"sleep", serviceName, "Signal sleep event to CEC devices before sleeping", "delay",
	).Store(&fd)
	if err != nil {
		return nil, err
	}
	return inhibitLock(fd), nil
}

func (m logindManager) Suspend(ctx context.Context) error {
	return m.obj.CallWithContext(ctx, logindInterface+".Suspend", 0, false).Err
}

// inhibitLock is the file descriptor logind hands out for an inhibitor.
type inhibitLock int

func (l inhibitLock) Close() error {
	return unix.Close(int(l))
}
