package main

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// MockPlayer is a mock implementation of playerControl for testing
type MockPlayer struct {
	mu       sync.Mutex
	Status   string
	CallFunc func(method string) error
	Calls    []string
	Args     [][]any
}

func (m *MockPlayer) Call(_ context.Context, method string, args ...any) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, method)
	m.Args = append(m.Args, args)
	m.mu.Unlock()
	if m.CallFunc != nil {
		return m.CallFunc(method)
	}
	return nil
}

func (m *MockPlayer) PlaybackStatus(context.Context) (string, error) {
	return m.Status, nil
}

func (m *MockPlayer) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

func TestAggregateDeckInfo(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		expected DeckInfo
	}{
		{"Playing and paused", []string{"Playing", "Paused"}, DeckPlay},
		{"Paused and stopped", []string{"Paused", "Stopped"}, DeckStill},
		{"Stopped", []string{"Stopped"}, DeckStop},
		{"No players", nil, DeckStop},
		{"Unknown status", []string{"", "Buffering"}, DeckStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregateDeckInfo(tt.statuses); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestPlayerTable_UpdateOnlyOnChange(t *testing.T) {
	table := newPlayerTable()

	if _, changed := table.update(); changed {
		t.Error("Expected no change for an empty table")
	}

	gen := table.add("org.mpris.MediaPlayer2.vlc", ":1.10")
	table.resolved("org.mpris.MediaPlayer2.vlc", gen, ":1.10", &MockPlayer{}, "Playing")

	deck, changed := table.update()
	if !changed || deck != DeckPlay {
		t.Errorf("Expected change to play, got %v changed=%v", deck, changed)
	}
	if _, changed := table.update(); changed {
		t.Error("Expected no change on a second update")
	}

	table.setStatus(":1.10", "Paused")
	if deck, changed := table.update(); !changed || deck != DeckStill {
		t.Errorf("Expected change to still, got %v changed=%v", deck, changed)
	}

	table.remove("org.mpris.MediaPlayer2.vlc")
	if deck, changed := table.update(); !changed || deck != DeckStop {
		t.Errorf("Expected change to stop, got %v changed=%v", deck, changed)
	}
}

func TestPlayerTable_PendingPlayersIgnored(t *testing.T) {
	table := newPlayerTable()
	table.add("org.mpris.MediaPlayer2.mpv", ":1.3")
	table.setStatus(":1.3", "Playing")

	if _, changed := table.update(); changed {
		t.Error("Expected pending player not to count towards the aggregate")
	}
	if len(table.controls()) != 0 {
		t.Error("Expected no controls for pending players")
	}
}

func TestPlayerTable_StaleResolution(t *testing.T) {
	table := newPlayerTable()
	name := "org.mpris.MediaPlayer2.spotify"
	oldGen := table.add(name, ":1.1")
	newGen := table.add(name, ":1.2")

	if table.resolved(name, oldGen, ":1.1", &MockPlayer{}, "Playing") {
		t.Error("Expected stale resolution to be dropped")
	}
	if !table.resolved(name, newGen, ":1.2", &MockPlayer{}, "Paused") {
		t.Error("Expected current resolution to be applied")
	}
	if deck, _ := table.update(); deck != DeckStill {
		t.Errorf("Expected still from the new owner, got %v", deck)
	}
}

func TestMPRISBackend_StaleFailedResolution(t *testing.T) {
	b := newTestMPRISBackend(nil)
	name := "org.mpris.MediaPlayer2.vlc"
	oldGen := b.players.add(name, ":1.1")
	newGen := b.players.add(name, ":1.2")

	changed, err := b.handleResolution(resolution{name: name, generation: oldGen, err: errors.New("no such object")})
	if changed || err != nil {
		t.Errorf("Expected stale failure to be ignored, got %v %v", changed, err)
	}
	if !b.players.resolved(name, newGen, ":1.2", &MockPlayer{}, "Playing") {
		t.Fatal("Expected the newer entry to survive")
	}
	if deck, _ := b.players.update(); deck != DeckPlay {
		t.Errorf("Expected play from the newer owner, got %v", deck)
	}

	changed, err = b.handleResolution(resolution{name: name, generation: newGen, err: errors.New("gone")})
	if !changed || err == nil {
		t.Errorf("Expected current failure to remove the player, got %v %v", changed, err)
	}
}

func TestPlayerTable_SignalStatusWinsOverResolution(t *testing.T) {
	table := newPlayerTable()
	name := "org.mpris.MediaPlayer2.vlc"
	gen := table.add(name, ":1.5")
	table.setStatus(":1.5", "Playing")
	table.resolved(name, gen, ":1.5", &MockPlayer{}, "Stopped")

	if deck, _ := table.update(); deck != DeckPlay {
		t.Errorf("Expected status from signal to be kept, got %v", deck)
	}
}

func newTestMPRISBackend(resolve resolveFunc) *MPRISBackend {
	return &MPRISBackend{
		players: newPlayerTable(),
		resolve: resolve,
		signals: make(chan *dbus.Signal, 10),
	}
}

func ownerChanged(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{Name: nameOwnerChanged, Body: []any{name, oldOwner, newOwner}}
}

func statusChanged(sender, status string) *dbus.Signal {
	return &dbus.Signal{
		Sender: sender,
		Name:   propertiesChangedName,
		Body: []any{
			mprisPlayerInterface,
			map[string]dbus.Variant{"PlaybackStatus": dbus.MakeVariant(status)},
			[]string{},
		},
	}
}

func expectDeck(t *testing.T, results <-chan Result, want DeckInfo) {
	t.Helper()
	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("Unexpected error: %v", res.Err)
		}
		run, ok := res.Request.(RunCommand)
		if !ok || run.Command != want {
			t.Fatalf("Expected RunCommand(%v), got %v", want, res.Request)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %v", want)
	}
}

func expectNoRequest(t *testing.T, results <-chan Result) {
	t.Helper()
	select {
	case res := <-results:
		t.Fatalf("Expected no request, got %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMPRISStream_PlayerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newTestMPRISBackend(func(_ context.Context, name, owner string) (string, playerControl, string, error) {
		return owner, &MockPlayer{}, "Paused", nil
	})
	results := mprisStream{backend: b}.Requests(ctx)

	name := "org.mpris.MediaPlayer2.vlc"
	b.signals <- ownerChanged(name, "", ":1.42")
	expectDeck(t, results, DeckStill)

	b.signals <- statusChanged(":1.42", "Playing")
	expectDeck(t, results, DeckPlay)

	// Same aggregate, no request.
	b.signals <- statusChanged(":1.42", "Playing")
	expectNoRequest(t, results)

	b.signals <- ownerChanged(name, ":1.42", "")
	expectDeck(t, results, DeckStop)
}

func TestMPRISStream_IgnoresOtherNames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resolved := make(chan string, 1)
	b := newTestMPRISBackend(func(_ context.Context, name, owner string) (string, playerControl, string, error) {
		resolved <- name
		return owner, &MockPlayer{}, "Playing", nil
	})
	results := mprisStream{backend: b}.Requests(ctx)

	b.signals <- ownerChanged("org.freedesktop.Notifications", "", ":1.7")
	expectNoRequest(t, results)
	if len(resolved) != 0 {
		t.Error("Expected non-player names to be ignored")
	}
}

func TestMPRISStream_SeededPlayersResolved(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newTestMPRISBackend(func(_ context.Context, name, owner string) (string, playerControl, string, error) {
		if owner != "" {
			t.Errorf("Expected seeded player to resolve its owner, got %q", owner)
		}
		return ":1.9", &MockPlayer{}, "Playing", nil
	})
	b.players.add("org.mpris.MediaPlayer2.mpv", "")

	results := mprisStream{backend: b}.Requests(ctx)
	expectDeck(t, results, DeckPlay)
}

func TestMPRISStream_ResolutionFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newTestMPRISBackend(func(context.Context, string, string) (string, playerControl, string, error) {
		return "", nil, "", errors.New("no such object")
	})
	results := mprisStream{backend: b}.Requests(ctx)

	b.signals <- ownerChanged("org.mpris.MediaPlayer2.broken", "", ":1.8")
	select {
	case res := <-results:
		if res.Err == nil {
			t.Fatalf("Expected resolution error, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for resolution error")
	}
	if len(b.players.controls()) != 0 || len(b.players.pending()) != 0 {
		t.Error("Expected failed player to be removed")
	}
}

func readyTable(players ...*MockPlayer) *playerTable {
	table := newPlayerTable()
	for i, p := range players {
		name := "org.mpris.MediaPlayer2.p" + string(rune('a'+i))
		gen := table.add(name, name)
		table.resolved(name, gen, name, p, "")
	}
	return table
}

func TestMPRISProxy_KeyMapping(t *testing.T) {
	tests := []struct {
		name     string
		key      KeyCode
		expected []string
	}{
		{"Play", KeyPlay, []string{"Play"}},
		{"Pause", KeyPause, []string{"PlayPause"}},
		{"Stop", KeyStop, []string{"Stop"}},
		{"Fast forward", KeyFastForward, []string{"Pause", "Seek"}},
		{"Rewind", KeyRewind, []string{"Pause", "Seek"}},
		{"Forward", KeyForward, []string{"Next"}},
		{"Backward", KeyBackward, []string{"Previous"}},
		{"Navigation key", KeyUp, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := &MockPlayer{}
			proxy := mprisProxy{players: readyTable(player)}

			if err := proxy.Event(context.Background(), KeyPressEvent{Code: tt.key}); err != nil {
				t.Fatalf("Event failed: %v", err)
			}
			if !slices.Equal(player.calls(), tt.expected) {
				t.Errorf("Expected calls %v, got %v", tt.expected, player.calls())
			}
		})
	}
}

func TestMPRISProxy_SeekOffsets(t *testing.T) {
	player := &MockPlayer{}
	proxy := mprisProxy{players: readyTable(player)}

	proxy.Event(context.Background(), KeyPressEvent{Code: KeyFastForward})
	proxy.Event(context.Background(), KeyPressEvent{Code: KeyRewind})

	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.Args) != 4 {
		t.Fatalf("Expected 4 calls, got %d", len(player.Args))
	}
	if got := player.Args[1][0]; got != int64(10_000_000) {
		t.Errorf("Expected forward seek of 10s, got %v", got)
	}
	if got := player.Args[3][0]; got != int64(-10_000_000) {
		t.Errorf("Expected backward seek of 10s, got %v", got)
	}
}

func TestMPRISProxy_IgnoresReleases(t *testing.T) {
	player := &MockPlayer{}
	proxy := mprisProxy{players: readyTable(player)}

	if err := proxy.Event(context.Background(), KeyPressEvent{Code: KeyPlay, Duration: 300 * time.Millisecond}); err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if len(player.calls()) != 0 {
		t.Errorf("Expected no calls for a key release, got %v", player.calls())
	}
}

func TestMPRISProxy_AllOrError(t *testing.T) {
	boom := errors.New("boom")
	failing := &MockPlayer{CallFunc: func(string) error { return boom }}
	ok1 := &MockPlayer{}
	ok2 := &MockPlayer{}
	proxy := mprisProxy{players: readyTable(failing, ok1, ok2)}

	err := proxy.Event(context.Background(), KeyPressEvent{Code: KeyStop})
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
	for i, p := range []*MockPlayer{ok1, ok2} {
		if !slices.Equal(p.calls(), []string{"Stop"}) {
			t.Errorf("Player %d: expected Stop despite another failure, got %v", i, p.calls())
		}
	}
}
