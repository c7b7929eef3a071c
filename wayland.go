package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rajveermalviya/go-wayland/wayland/client"
)

const (
	wlSeatInterface = "wl_seat"
	maxSeatVersion  = 5
)

// waylandSocket resolves WAYLAND_DISPLAY against XDG_RUNTIME_DIR.
func waylandSocket() (string, error) {
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", errors.New("failed to connect to server: XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, name), nil
}

// GamescopeBackend drives on-screen navigation through Gamescope's input
// method protocol. It emits no requests.
type GamescopeBackend struct {
	display  *client.Display
	registry *client.Registry
	seat     *client.Seat
	manager  *gamescopeInputMethodManager

	// err is the first protocol or bind failure seen while dispatching.
	err error

	mu          sync.Mutex
	inputMethod *gamescopeInputMethod
	serial      uint32

	closeOnce sync.Once
	closed    chan struct{}
}

func NewGamescopeBackend() (*GamescopeBackend, error) {
	path, err := waylandSocket()
	if err != nil {
		return nil, err
	}
	display, err := client.Connect(path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return newGamescopeBackend(display), nil
}

func newGamescopeBackend(display *client.Display) *GamescopeBackend {
	return &GamescopeBackend{display: display, closed: make(chan struct{})}
}

func (b *GamescopeBackend) Name() string { return "wayland" }

// Split binds the first seat and the input method manager, creates the input
// method, then keeps dispatching compositor events in the background.
func (b *GamescopeBackend) Split(ctx context.Context) (Proxy, Stream, error) {
	// Dispatch blocks on the socket, so cancellation closes it.
	stop := context.AfterFunc(ctx, func() { b.Close() })
	defer stop()

	b.display.SetErrorHandler(func(e client.DisplayErrorEvent) {
		b.fail(fmt.Errorf("protocol error: code %d: %s", e.Code, e.Message))
	})
	registry, err := b.display.GetRegistry()
	if err != nil {
		return nil, nil, err
	}
	b.registry = registry
	registry.SetGlobalHandler(b.handleGlobal)

	// The first roundtrip collects globals, the second the objects created
	// in response to them.
	for range 2 {
		if err := b.roundtrip(); err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, err
		}
	}

	if b.currentInputMethod() == nil {
		slog.Warn("Gamescope input method is not available, remote navigation disabled")
	}
	go b.dispatchLoop()
	return gamescopeProxy{b}, emptyStream{}, nil
}

func (b *GamescopeBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.display.Context().Close()
	})
	return err
}

func (b *GamescopeBackend) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// dispatch reads and handles one event. Only one goroutine dispatches at a
// time: Split first, then dispatchLoop.
func (b *GamescopeBackend) dispatch() error {
	if err := b.display.Context().Dispatch(); err != nil {
		return err
	}
	return b.err
}

func (b *GamescopeBackend) roundtrip() error {
	callback, err := b.display.Sync()
	if err != nil {
		return err
	}
	defer callback.Destroy()

	done := false
	callback.SetDoneHandler(func(client.CallbackDoneEvent) { done = true })
	for !done {
		if err := b.dispatch(); err != nil {
			return err
		}
	}
	return nil
}

func (b *GamescopeBackend) dispatchLoop() {
	for {
		err := b.dispatch()
		if err == nil {
			continue
		}
		select {
		case <-b.closed:
		default:
			slog.Warn("Wayland connection lost, remote navigation disabled", "error", err)
		}
		b.mu.Lock()
		b.inputMethod = nil
		b.mu.Unlock()
		return
	}
}

func (b *GamescopeBackend) handleGlobal(e client.RegistryGlobalEvent) {
	ctx := b.display.Context()
	switch e.Interface {
	case wlSeatInterface:
		if b.seat != nil {
			return
		}
		seat := client.NewSeat(ctx)
		if err := b.registry.Bind(e.Name, e.Interface, min(e.Version, maxSeatVersion), seat); err != nil {
			b.fail(fmt.Errorf("bind %s: %w", e.Interface, err))
			return
		}
		b.seat = seat
	case gamescopeInputMethodManagerInterface:
		if b.manager != nil {
			return
		}
		manager := newGamescopeInputMethodManager(ctx)
		if err := b.registry.Bind(e.Name, e.Interface, min(e.Version, gamescopeInputMethodManagerVersion), manager); err != nil {
			b.fail(fmt.Errorf("bind %s: %w", e.Interface, err))
			return
		}
		b.manager = manager
	default:
		return
	}

	if b.seat == nil || b.manager == nil || b.currentInputMethod() != nil {
		return
	}
	im, err := b.manager.CreateInputMethod(b.seat)
	if err != nil {
		b.fail(fmt.Errorf("create input method: %w", err))
		return
	}
	im.SetDoneHandler(func(e gamescopeInputMethodDoneEvent) {
		b.mu.Lock()
		b.serial = e.Serial
		b.mu.Unlock()
	})
	im.SetUnavailableHandler(func(gamescopeInputMethodUnavailableEvent) {
		slog.Warn("Gamescope input method became unavailable")
		b.mu.Lock()
		b.inputMethod = nil
		b.mu.Unlock()
	})
	b.mu.Lock()
	b.inputMethod = im
	b.mu.Unlock()
	slog.Debug("Gamescope input method created", "seat", b.seat.ID(), "input_method", im.ID())
}

func (b *GamescopeBackend) currentInputMethod() *gamescopeInputMethod {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputMethod
}

type gamescopeProxy struct {
	backend *GamescopeBackend
}

func (p gamescopeProxy) Event(ctx context.Context, ev Event) error {
	kp, ok := ev.(KeyPressEvent)
	if !ok || kp.Duration != 0 {
		return nil
	}

	var request func(*gamescopeInputMethod) error
	action := func(a gamescopeInputMethodAction) func(*gamescopeInputMethod) error {
		return func(im *gamescopeInputMethod) error { return im.SetAction(a) }
	}
	switch kp.Code {
	case KeyUp:
		request = action(gamescopeInputMethodActionMoveUp)
	case KeyDown:
		request = action(gamescopeInputMethodActionMoveDown)
	case KeyLeft:
		request = action(gamescopeInputMethodActionMoveLeft)
	case KeyRight:
		request = action(gamescopeInputMethodActionMoveRight)
	case KeySelect:
		request = action(gamescopeInputMethodActionSubmit)
	case KeyExit:
		request = func(im *gamescopeInputMethod) error { return im.SetString("\x1b") }
	default:
		return nil
	}

	b := p.backend
	b.mu.Lock()
	im, serial := b.inputMethod, b.serial
	b.mu.Unlock()
	if im == nil {
		return nil
	}

	// Commits carrying a serial other than the last one the compositor sent
	// in a done event are rejected.
	if err := request(im); err != nil {
		return err
	}
	return im.Commit(serial)
}
