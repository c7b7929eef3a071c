package main

import (
	"errors"
	"testing"
)

func allMetaCommands() []MetaCommand {
	cmds := []MetaCommand{
		Active{Action: ActiveSet},
		Active{Action: ActiveSet, Cooperative: true},
		Active{Action: ActiveUnset},
		Power{Action: PowerOn},
		Power{Action: PowerOff},
		Power{Action: PowerOff, Cooperative: true},
		Mute{Action: MuteToggle},
		Mute{Action: MuteOn},
		Mute{Action: MuteOff},
		DeckPlay,
		DeckStill,
		DeckStop,
	}
	for _, action := range []VolumeAction{VolumeUp, VolumeDown, VolumeSet} {
		for _, v := range []uint8{0, 1, 2, 7, 100, 255} {
			cmds = append(cmds, Volume{Action: action, Value: v})
		}
	}
	return cmds
}

func TestMetaCommand_RoundTrip(t *testing.T) {
	for _, cmd := range allMetaCommands() {
		t.Run(cmd.String(), func(t *testing.T) {
			encoded := EncodeMetaCommand(cmd)
			decoded, err := DecodeMetaCommand(encoded[:])
			if err != nil {
				t.Fatalf("DecodeMetaCommand failed: %v", err)
			}
			if decoded != cmd {
				t.Errorf("Expected %#v, got %#v", cmd, decoded)
			}
		})
	}
}

func TestAppendMetaCommand(t *testing.T) {
	buf := AppendMetaCommand([]byte{0xFF}, Volume{Action: VolumeSet, Value: 42})
	if len(buf) != 1+MaxEncodedSize {
		t.Fatalf("Expected %d bytes, got %d", 1+MaxEncodedSize, len(buf))
	}
	decoded, err := DecodeMetaCommand(buf[1:])
	if err != nil {
		t.Fatalf("DecodeMetaCommand failed: %v", err)
	}
	if decoded != (Volume{Action: VolumeSet, Value: 42}) {
		t.Errorf("Expected volume set 42, got %v", decoded)
	}
}

func TestDecodeMetaCommand_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", []byte{tagPower, 0}},
		{"long", []byte{tagPower, 0, 0, 0}},
		{"unknown tag", []byte{0, 0, 0}},
		{"unknown tag high", []byte{42, 0, 0}},
		{"bad active action", []byte{tagActive, 2, 0}},
		{"bad cooperative flag", []byte{tagActive, 0, 2}},
		{"bad power action", []byte{tagPower, 9, 0}},
		{"bad volume action", []byte{tagVolume, 3, 0}},
		{"bad mute action", []byte{tagMute, 3, 0}},
		{"mute with value", []byte{tagMute, 0, 1}},
		{"bad deck info", []byte{tagDeckInfo, 3, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeMetaCommand(tt.input)
			if !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("Expected ErrInvalidCommand, got %v (%v)", err, cmd)
			}
		})
	}
}

func TestDeckInfo_Order(t *testing.T) {
	if !(DeckPlay < DeckStill && DeckStill < DeckStop) {
		t.Errorf("Expected play < still < stop, got %d %d %d", DeckPlay, DeckStill, DeckStop)
	}
}
