package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Executor translates meta-commands into native CEC calls.
type Executor struct {
	// PowerDevices are the logical addresses powered on and put in standby.
	PowerDevices []LogicalAddress
}

// Run executes cmd against conn. Native calls block, so they run on their own
// goroutine; if ctx is done first Run returns without waiting for them.
func (e *Executor) Run(ctx context.Context, conn Conn, cmd MetaCommand) error {
	return e.RunWithRelease(ctx, conn, cmd, nil)
}

// RunWithRelease is Run, calling release once the native calls have returned
// even when ctx ended first. conn must stay open until then.
func (e *Executor) RunWithRelease(ctx context.Context, conn Conn, cmd MetaCommand, release func()) error {
	done := make(chan error, 1)
	go func() {
		err := e.run(conn, cmd)
		if release != nil {
			release()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) run(conn Conn, cmd MetaCommand) error {
	slog.Debug("Running meta command", "command", cmd)

	switch c := cmd.(type) {
	case Active:
		switch {
		case c.Action == ActiveUnset:
			return conn.SetInactiveView()
		case c.Cooperative:
			return activeSetCooperative(conn)
		default:
			return conn.SetActiveSource()
		}
	case Power:
		switch {
		case c.Action == PowerOn:
			return e.powerOn(conn)
		case c.Cooperative:
			return e.powerOffCooperative(conn)
		default:
			return e.powerOff(conn)
		}
	case Volume:
		switch c.Action {
		case VolumeUp:
			return volumeSteps(conn.VolumeUp, int(c.Value))
		case VolumeDown:
			return volumeSteps(conn.VolumeDown, int(c.Value))
		default:
			return volumeSet(conn, c.Value)
		}
	case Mute:
		switch c.Action {
		case MuteOn:
			return muteWithFallback(conn, conn.Mute, KeyMuteFunction)
		case MuteOff:
			return muteWithFallback(conn, conn.Unmute, KeyRestoreVolumeFunction)
		default:
			return muteWithFallback(conn, conn.ToggleMute, KeyMute)
		}
	case DeckInfo:
		return conn.SetDeckInfo(c)
	default:
		return fmt.Errorf("unsupported meta command %T", cmd)
	}
}

func activeSetCooperative(conn Conn) error {
	active := conn.ActiveSource()
	switch status := conn.PowerStatus(active); status {
	case PowerStatusOn, PowerStatusTransitionToOn:
		slog.Debug("Active source is powered, not taking over", "source", active, "status", status)
		return nil
	default:
		return conn.SetActiveSource()
	}
}

func (e *Executor) powerOn(conn Conn) error {
	var errs []error
	for _, addr := range e.PowerDevices {
		if err := conn.PowerOn(addr); err != nil {
			errs = append(errs, fmt.Errorf("power on %d: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) powerOff(conn Conn) error {
	var errs []error
	for _, addr := range e.PowerDevices {
		if err := conn.Standby(addr); err != nil {
			errs = append(errs, fmt.Errorf("standby %d: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// powerOffCooperative refuses to put the TV in standby while it shows another
// source.
func (e *Executor) powerOffCooperative(conn Conn) error {
	active := conn.ActiveSource()
	if !active.Registered() {
		return nil
	}
	if !slices.Contains(conn.LogicalAddresses(), active) {
		slog.Debug("Not the active source, skipping standby", "source", active)
		return nil
	}
	return e.powerOff(conn)
}

func volumeSteps(step func() error, steps int) error {
	for range steps {
		if err := step(); err != nil && !errors.Is(err, ErrUnknownAudioStatus) {
			return err
		}
	}
	return nil
}

func volumeSet(conn Conn, level uint8) error {
	status, err := conn.AudioStatus()
	if err != nil {
		return err
	}
	delta := int(level) - int(status.Volume)
	if delta >= 0 {
		return volumeSteps(conn.VolumeUp, delta)
	}
	return volumeSteps(conn.VolumeDown, -delta)
}

// muteWithFallback tries the native audio primitive and, when no device has
// reported an audio status, sends the equivalent remote key to the TV.
func muteWithFallback(conn Conn, primitive func() error, key KeyCode) error {
	err := primitive()
	if !errors.Is(err, ErrUnknownAudioStatus) {
		return err
	}
	if err := conn.SendKeypress(LogicalAddressTV, key); err != nil {
		return err
	}
	return conn.SendKeyRelease(LogicalAddressTV)
}
