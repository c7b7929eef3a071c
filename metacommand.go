package main

import (
	"errors"
	"fmt"
)

// MetaCommand is a high-level intent, as opposed to a raw CEC command.
// Implementations are Active, Power, Volume, Mute and DeckInfo.
type MetaCommand interface {
	fmt.Stringer
	tag() byte
	encode() (action, value byte)
}

type ActiveAction uint8

const (
	ActiveSet ActiveAction = iota
	ActiveUnset
)

// Active changes which device is the active source.
type Active struct {
	Action ActiveAction
	// Cooperative only takes over when the current source is not powered on.
	Cooperative bool
}

type PowerAction uint8

const (
	PowerOn PowerAction = iota
	PowerOff
)

// Power changes the power status of the configured devices.
type Power struct {
	Action PowerAction
	// Cooperative only powers off when this device is the active source.
	Cooperative bool
}

type VolumeAction uint8

const (
	VolumeUp VolumeAction = iota
	VolumeDown
	VolumeSet
)

// Volume changes the TV / AVR volume. Value is a step count for VolumeUp and
// VolumeDown and the target level for VolumeSet.
type Volume struct {
	Action VolumeAction
	Value  uint8
}

type MuteAction uint8

const (
	MuteToggle MuteAction = iota
	MuteOn
	MuteOff
)

// Mute changes the TV / AVR mute status.
type Mute struct {
	Action MuteAction
}

// DeckInfo is the transport state reported to the TV. The order matters:
// DeckPlay < DeckStill < DeckStop, and the lowest value wins on aggregation.
type DeckInfo uint8

const (
	DeckPlay DeckInfo = iota
	DeckStill
	DeckStop
)

const (
	tagActive byte = iota + 1
	tagPower
	tagVolume
	tagMute
	tagDeckInfo
)

// MaxEncodedSize is the size of every encoded MetaCommand.
const MaxEncodedSize = 3

var ErrInvalidCommand = errors.New("invalid command")

func (Active) tag() byte   { return tagActive }
func (Power) tag() byte    { return tagPower }
func (Volume) tag() byte   { return tagVolume }
func (Mute) tag() byte     { return tagMute }
func (DeckInfo) tag() byte { return tagDeckInfo }

func (c Active) encode() (byte, byte) { return byte(c.Action), boolByte(c.Cooperative) }
func (c Power) encode() (byte, byte)  { return byte(c.Action), boolByte(c.Cooperative) }
func (c Volume) encode() (byte, byte) { return byte(c.Action), c.Value }
func (c Mute) encode() (byte, byte)   { return byte(c.Action), 0 }
func (d DeckInfo) encode() (byte, byte) {
	return byte(d), 0
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// AppendMetaCommand appends the fixed-size encoding of c to dst.
func AppendMetaCommand(dst []byte, c MetaCommand) []byte {
	action, value := c.encode()
	return append(dst, c.tag(), action, value)
}

// EncodeMetaCommand encodes c into a fixed-size array.
func EncodeMetaCommand(c MetaCommand) [MaxEncodedSize]byte {
	var buf [MaxEncodedSize]byte
	AppendMetaCommand(buf[:0], c)
	return buf
}

// DecodeMetaCommand decodes exactly one encoded MetaCommand.
func DecodeMetaCommand(b []byte) (MetaCommand, error) {
	if len(b) != MaxEncodedSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidCommand, len(b), MaxEncodedSize)
	}
	tag, action, value := b[0], b[1], b[2]

	var flag bool
	switch value {
	case 0:
	case 1:
		flag = true
	default:
		if tag != tagVolume {
			return nil, fmt.Errorf("%w: bad flag %d", ErrInvalidCommand, value)
		}
	}

	switch tag {
	case tagActive:
		if ActiveAction(action) > ActiveUnset {
			break
		}
		return Active{Action: ActiveAction(action), Cooperative: flag}, nil
	case tagPower:
		if PowerAction(action) > PowerOff {
			break
		}
		return Power{Action: PowerAction(action), Cooperative: flag}, nil
	case tagVolume:
		if VolumeAction(action) > VolumeSet {
			break
		}
		return Volume{Action: VolumeAction(action), Value: value}, nil
	case tagMute:
		if MuteAction(action) > MuteOff || value != 0 {
			break
		}
		return Mute{Action: MuteAction(action)}, nil
	case tagDeckInfo:
		if DeckInfo(action) > DeckStop || value != 0 {
			break
		}
		return DeckInfo(action), nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrInvalidCommand, tag)
	}
	return nil, fmt.Errorf("%w: tag %d action %d", ErrInvalidCommand, tag, action)
}

func (c Active) String() string {
	switch {
	case c.Action == ActiveUnset:
		return "active unset"
	case c.Cooperative:
		return "active set --cooperative"
	default:
		return "active set"
	}
}

func (c Power) String() string {
	switch {
	case c.Action == PowerOn:
		return "power on"
	case c.Cooperative:
		return "power off --cooperative"
	default:
		return "power off"
	}
}

func (c Volume) String() string {
	switch c.Action {
	case VolumeUp:
		return fmt.Sprintf("volume up %d", c.Value)
	case VolumeDown:
		return fmt.Sprintf("volume down %d", c.Value)
	default:
		return fmt.Sprintf("volume set %d", c.Value)
	}
}

func (c Mute) String() string {
	switch c.Action {
	case MuteOn:
		return "mute on"
	case MuteOff:
		return "mute off"
	default:
		return "mute toggle"
	}
}

func (d DeckInfo) String() string {
	switch d {
	case DeckPlay:
		return "deck play"
	case DeckStill:
		return "deck still"
	default:
		return "deck stop"
	}
}
