package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"
)

const (
	mprisNamespace       = "org.mpris.MediaPlayer2"
	mprisPath            = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisPlayerInterface = mprisNamespace + ".Player"

	dbusDest              = "org.freedesktop.DBus"
	dbusPath              = dbus.ObjectPath("/org/freedesktop/DBus")
	nameOwnerChanged      = dbusDest + ".NameOwnerChanged"
	propertiesInterface   = dbusDest + ".Properties"
	propertiesChangedName = propertiesInterface + ".PropertiesChanged"

	seekStep = 10 * time.Second
)

// playerControl is one media player's MPRIS Player interface.
type playerControl interface {
	Call(ctx context.Context, method string, args ...any) error
	PlaybackStatus(ctx context.Context) (string, error)
}

type playerState int

const (
	playerPending playerState = iota
	playerReady
)

type player struct {
	owner   string
	state   playerState
	control playerControl
	// status is the cached PlaybackStatus, empty until known.
	status string
	// generation ties a resolution result to the entry that started it.
	generation uint64
}

// playerTable tracks media players by bus name and the deck status they
// aggregate to.
type playerTable struct {
	mu      sync.Mutex
	players map[string]*player
	deck    DeckInfo
	nextGen uint64
}

func newPlayerTable() *playerTable {
	return &playerTable{players: make(map[string]*player), deck: DeckStop}
}

// add registers a pending player, replacing any previous owner of name.
func (t *playerTable) add(name, owner string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextGen++
	t.players[name] = &player{owner: owner, state: playerPending, generation: t.nextGen}
	return t.nextGen
}

func (t *playerTable) remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.players[name]
	delete(t.players, name)
	return ok
}

// failed drops a player whose resolution failed, unless name was taken
// over by a newer owner meanwhile.
func (t *playerTable) failed(name string, generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.players[name]
	if !ok || p.generation != generation {
		return false
	}
	delete(t.players, name)
	return true
}

// pending lists players whose resolution has not started or finished.
func (t *playerTable) pending() map[string]*player {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*player)
	for name, p := range t.players {
		if p.state == playerPending {
			cp := *p
			out[name] = &cp
		}
	}
	return out
}

// resolved marks a player ready. A status seen through a signal while the
// player was pending is newer than the one read during resolution.
func (t *playerTable) resolved(name string, generation uint64, owner string, control playerControl, status string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.players[name]
	if !ok || p.generation != generation {
		return false
	}
	p.state = playerReady
	p.control = control
	if owner != "" {
		p.owner = owner
	}
	if p.status == "" {
		p.status = status
	}
	return true
}

// setStatus records a PlaybackStatus change from the player owning owner.
func (t *playerTable) setStatus(owner, status string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.players {
		if p.owner == owner {
			p.status = status
			return true
		}
	}
	return false
}

func (t *playerTable) controls() []playerControl {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []playerControl
	for _, p := range t.players {
		if p.state == playerReady {
			out = append(out, p.control)
		}
	}
	return out
}

// update recomputes the aggregate deck status and reports whether it changed.
func (t *playerTable) update() (DeckInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var statuses []string
	for _, p := range t.players {
		if p.state == playerReady {
			statuses = append(statuses, p.status)
		}
	}
	deck := aggregateDeckInfo(statuses)
	if deck == t.deck {
		return deck, false
	}
	t.deck = deck
	return deck, true
}

// aggregateDeckInfo returns the most active state among players. Unknown
// statuses count as stopped.
func aggregateDeckInfo(statuses []string) DeckInfo {
	deck := DeckStop
	for _, s := range statuses {
		deck = min(deck, deckInfoFromStatus(s))
	}
	return deck
}

func deckInfoFromStatus(status string) DeckInfo {
	switch status {
	case "Playing":
		return DeckPlay
	case "Paused":
		return DeckStill
	default:
		return DeckStop
	}
}

type resolution struct {
	name       string
	generation uint64
	owner      string
	control    playerControl
	status     string
	err        error
}

// resolveFunc connects to the player named name. owner may be empty when the
// unique name is not known yet.
type resolveFunc func(ctx context.Context, name, owner string) (ownerOut string, control playerControl, status string, err error)

// MPRISBackend aggregates media player playback into the CEC deck status and
// forwards transport keys to every player.
type MPRISBackend struct {
	conn    *dbus.Conn
	players *playerTable
	resolve resolveFunc
	signals chan *dbus.Signal
}

func NewMPRISBackend(ctx context.Context, conn *dbus.Conn) (*MPRISBackend, error) {
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchObjectPath(dbusPath),
		dbus.WithMatchInterface(dbusDest),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg0Namespace(mprisNamespace),
	); err != nil {
		return nil, fmt.Errorf("failed to add match for media player owners: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(mprisPath),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, mprisPlayerInterface),
	); err != nil {
		return nil, fmt.Errorf("failed to add match for media player properties: %w", err)
	}

	b := &MPRISBackend{
		conn:    conn,
		players: newPlayerTable(),
		signals: make(chan *dbus.Signal, 32),
	}
	b.resolve = b.resolveDBus
	conn.Signal(b.signals)

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, dbusDest+".ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, name := range names {
		if strings.HasPrefix(name, mprisNamespace+".") {
			b.players.add(name, "")
		}
	}
	return b, nil
}

func (b *MPRISBackend) Split(context.Context) (Proxy, Stream, error) {
	return mprisProxy{players: b.players}, mprisStream{backend: b}, nil
}

func (b *MPRISBackend) Close() error {
	if b.conn != nil {
		b.conn.RemoveSignal(b.signals)
	}
	return nil
}

func (b *MPRISBackend) resolveDBus(ctx context.Context, name, owner string) (string, playerControl, string, error) {
	if owner == "" {
		if err := b.conn.BusObject().CallWithContext(ctx, dbusDest+".GetNameOwner", 0, name).Store(&owner); err != nil {
			return "", nil, "", fmt.Errorf("get owner of %s: %w", name, err)
		}
	}
	control := dbusPlayer{obj: b.conn.Object(owner, mprisPath)}
	status, err := control.PlaybackStatus(ctx)
	if err != nil {
		slog.Debug("Media player has no playback status", "player", name, "error", err)
		status = ""
	}
	return owner, control, status, nil
}

func (b *MPRISBackend) startResolve(ctx context.Context, name, owner string, generation uint64, results chan<- resolution) {
	go func() {
		owner, control, status, err := b.resolve(ctx, name, owner)
		select {
		case results <- resolution{name: name, generation: generation, owner: owner, control: control, status: status, err: err}:
		case <-ctx.Done():
		}
	}()
}

// handleSignal applies one bus signal to the player table and reports whether
// playback state may have changed.
func (b *MPRISBackend) handleSignal(ctx context.Context, sig *dbus.Signal, results chan<- resolution) bool {
	switch sig.Name {
	case nameOwnerChanged:
		if len(sig.Body) < 3 {
			return false
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, mprisNamespace+".") {
			return false
		}
		if newOwner == "" {
			// Property changes stop without notice when a player exits, so
			// removal follows the owner signal.
			slog.Debug("Media player removed", "player", name)
			return b.players.remove(name)
		}
		slog.Debug("Media player added", "player", name, "owner", newOwner)
		gen := b.players.add(name, newOwner)
		b.startResolve(ctx, name, newOwner, gen, results)
		return false
	case propertiesChangedName:
		if len(sig.Body) < 2 {
			return false
		}
		if iface, _ := sig.Body[0].(string); iface != mprisPlayerInterface {
			return false
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		v, ok := changed["PlaybackStatus"]
		if !ok {
			return false
		}
		status, _ := v.Value().(string)
		return b.players.setStatus(sig.Sender, status)
	default:
		return false
	}
}

func (b *MPRISBackend) handleResolution(res resolution) (bool, error) {
	if res.err != nil {
		if !b.players.failed(res.name, res.generation) {
			slog.Debug("Ignoring stale media player resolution", "name", res.name, "error", res.err)
			return false, nil
		}
		return true, fmt.Errorf("media player %s: %w", res.name, res.err)
	}
	return b.players.resolved(res.name, res.generation, res.owner, res.control, res.status), nil
}

type mprisStream struct {
	backend *MPRISBackend
}

func (s mprisStream) Requests(ctx context.Context) <-chan Result {
	b := s.backend
	out := make(chan Result)
	results := make(chan resolution)

	go func() {
		defer close(out)
		for name, p := range b.players.pending() {
			b.startResolve(ctx, name, p.owner, p.generation, results)
		}

		for {
			var changed bool
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-b.signals:
				if !ok {
					return
				}
				if sig != nil {
					changed = b.handleSignal(ctx, sig, results)
				}
			case res := <-results:
				var err error
				changed, err = b.handleResolution(res)
				if err != nil && !send(ctx, out, Result{Err: err}) {
					return
				}
			}

			if !changed {
				continue
			}
			if deck, ok := b.players.update(); ok {
				slog.Debug("Deck status changed", "deck", deck)
				if !send(ctx, out, Result{Request: RunCommand{Command: deck}}) {
					return
				}
			}
		}
	}()
	return out
}

type mprisProxy struct {
	players *playerTable
}

// Event forwards transport keys to every ready player at once. All calls run
// to completion; the first failure is returned.
func (p mprisProxy) Event(ctx context.Context, ev Event) error {
	kp, ok := ev.(KeyPressEvent)
	if !ok || kp.Duration != 0 {
		return nil
	}

	var action func(ctx context.Context, c playerControl) error
	switch kp.Code {
	case KeyPlay:
		action = callMethod("Play")
	case KeyPause:
		action = callMethod("PlayPause")
	case KeyStop:
		action = callMethod("Stop")
	case KeyFastForward:
		action = pauseAndSeek(seekStep)
	case KeyRewind:
		action = pauseAndSeek(-seekStep)
	case KeyForward:
		action = callMethod("Next")
	case KeyBackward:
		action = callMethod("Previous")
	default:
		return nil
	}

	var g errgroup.Group
	for _, c := range p.players.controls() {
		g.Go(func() error {
			return action(ctx, c)
		})
	}
	return g.Wait()
}

func callMethod(method string) func(context.Context, playerControl) error {
	return func(ctx context.Context, c playerControl) error {
		return c.Call(ctx, method)
	}
}

func pauseAndSeek(offset time.Duration) func(context.Context, playerControl) error {
	return func(ctx context.Context, c playerControl) error {
		if err := c.Call(ctx, "Pause"); err != nil {
			return err
		}
		return c.Call(ctx, "Seek", offset.Microseconds())
	}
}

type dbusPlayer struct {
	obj dbus.BusObject
}

func (p dbusPlayer) Call(ctx context.Context, method string, args ...any) error {
	return p.obj.CallWithContext(ctx, mprisPlayerInterface+"."+method, 0, args...).Err
}

func (p dbusPlayer) PlaybackStatus(ctx context.Context) (string, error) {
	var v dbus.Variant
	if err := p.obj.CallWithContext(ctx, propertiesInterface+".Get", 0, mprisPlayerInterface, "PlaybackStatus").Store(&v); err != nil {
		return "", err
	}
	status, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected PlaybackStatus type %s", v.Signature())
	}
	return status, nil
}
