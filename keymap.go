package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/claes/cec"
	keybd "github.com/micmonay/keybd_event"
)

const (
	inputGamescope = "gamescope"
	inputKeyboard  = "keyboard"
	inputNone      = "none"
)

// InputBackend turns remote-control navigation keys into local input.
type InputBackend interface {
	Backend
	Name() string
}

// NewInputBackend opens the input backend selected by cfg.Input. Errors are
// tagged with the backend name.
func NewInputBackend(_ context.Context, cfg *Config) (InputBackend, error) {
	switch cfg.Input {
	case inputGamescope, "":
		b, err := NewGamescopeBackend()
		if err != nil {
			return nil, tagError("wayland", err)
		}
		return b, nil
	case inputKeyboard:
		b, err := NewKeyboardBackend(cfg.KeyMapOverrides, newKeyBonding)
		if err != nil {
			return nil, tagError(inputKeyboard, err)
		}
		return b, nil
	case inputNone:
		return noInput{}, nil
	default:
		return nil, fmt.Errorf("unknown input backend %q", cfg.Input)
	}
}

type noInput struct{}

func (noInput) Name() string { return inputNone }

func (noInput) Split(context.Context) (Proxy, Stream, error) {
	return nopProxy{}, emptyStream{}, nil
}

func (noInput) Close() error { return nil }

// keySender emits a virtual key combination.
type keySender interface {
	SetKeys(keys ...int)
	Launching() error
}

func newKeyBonding() (keySender, error) {
	kb, err := keybd.NewKeyBonding()
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

// Media and volume keys are left out: MPRIS and the TV handle those.
var base = map[KeyCode]int{
	// Navigation
	KeyCode(cec.GetKeyCodeByName("Select")): keybd.VK_ENTER,
	KeyCode(cec.GetKeyCodeByName("Enter")):  keybd.VK_ENTER,
	KeyCode(cec.GetKeyCodeByName("Up")):     keybd.VK_UP,
	KeyCode(cec.GetKeyCodeByName("Down")):   keybd.VK_DOWN,
	KeyCode(cec.GetKeyCodeByName("Left")):   keybd.VK_LEFT,
	KeyCode(cec.GetKeyCodeByName("Right")):  keybd.VK_RIGHT,
	KeyCode(cec.GetKeyCodeByName("Exit")):   keybd.VK_ESC,

	// Numbers
	KeyCode(cec.GetKeyCodeByName("0")): keybd.VK_0,
	KeyCode(cec.GetKeyCodeByName("1")): keybd.VK_1,
	KeyCode(cec.GetKeyCodeByName("2")): keybd.VK_2,
	KeyCode(cec.GetKeyCodeByName("3")): keybd.VK_3,
	KeyCode(cec.GetKeyCodeByName("4")): keybd.VK_4,
	KeyCode(cec.GetKeyCodeByName("5")): keybd.VK_5,
	KeyCode(cec.GetKeyCodeByName("6")): keybd.VK_6,
	KeyCode(cec.GetKeyCodeByName("7")): keybd.VK_7,
	KeyCode(cec.GetKeyCodeByName("8")): keybd.VK_8,
	KeyCode(cec.GetKeyCodeByName("9")): keybd.VK_9,
}

// KeyMap maps CEC key codes to Linux key code combinations.
type KeyMap map[KeyCode][]int

// NewKeyMap builds the default mapping with overrides applied. Override keys
// are CEC key names, matched without regard to case.
func NewKeyMap(overrides map[string][]int) KeyMap {
	km := make(KeyMap, len(base)+len(overrides))
	for k, v := range base {
		km[k] = []int{v}
	}

	for name, codes := range overrides {
		code := cec.GetKeyCodeByName(name)
		if code == -1 {
			slog.Warn("Invalid CEC key name in overrides", "key", name)
			continue
		}
		km[KeyCode(code)] = codes
	}

	slog.Debug("Key map initialized", "entries", len(km))
	return km
}

// KeyboardBackend types remote-control keys on a virtual keyboard.
type KeyboardBackend struct {
	keys KeyMap

	mu sync.Mutex
	kb keySender
}

func NewKeyboardBackend(overrides map[string][]int, newSender func() (keySender, error)) (*KeyboardBackend, error) {
	kb, err := newSender()
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual keyboard: %w", err)
	}
	return &KeyboardBackend{keys: NewKeyMap(overrides), kb: kb}, nil
}

func (b *KeyboardBackend) Name() string { return inputKeyboard }

func (b *KeyboardBackend) Split(context.Context) (Proxy, Stream, error) {
	return keyboardProxy{b}, emptyStream{}, nil
}

func (b *KeyboardBackend) Close() error { return nil }

type keyboardProxy struct {
	backend *KeyboardBackend
}

// Event sends the mapped combination on key press. Releases are ignored.
func (p keyboardProxy) Event(_ context.Context, ev Event) error {
	kp, ok := ev.(KeyPressEvent)
	if !ok || kp.Duration != 0 {
		return nil
	}

	b := p.backend
	codes, ok := b.keys[kp.Code]
	if !ok {
		slog.Debug("Unmapped CEC key code", "cec-key-code", int(kp.Code))
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	slog.Debug("Sending virtual key event", "cec-key-code", int(kp.Code), "linux-key-code", codes)
	b.kb.SetKeys(codes...)
	if err := b.kb.Launching(); err != nil {
		return fmt.Errorf("failed to send key event: %w", err)
	}
	return nil
}
