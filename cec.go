package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// KeyCode is a CEC user control code.
type KeyCode int

const (
	KeySelect                KeyCode = 0x00
	KeyUp                    KeyCode = 0x01
	KeyDown                  KeyCode = 0x02
	KeyLeft                  KeyCode = 0x03
	KeyRight                 KeyCode = 0x04
	KeyExit                  KeyCode = 0x0D
	KeyVolumeUp              KeyCode = 0x41
	KeyVolumeDown            KeyCode = 0x42
	KeyMute                  KeyCode = 0x43
	KeyPlay                  KeyCode = 0x44
	KeyStop                  KeyCode = 0x45
	KeyPause                 KeyCode = 0x46
	KeyRewind                KeyCode = 0x48
	KeyFastForward           KeyCode = 0x49
	KeyForward               KeyCode = 0x4B
	KeyBackward              KeyCode = 0x4C
	KeyMuteFunction          KeyCode = 0x65
	KeyRestoreVolumeFunction KeyCode = 0x66
)

// Opcode is a CEC command opcode.
type Opcode int

const (
	OpcodeStandby           Opcode = 0x36
	OpcodeDeckStatus        Opcode = 0x1B
	OpcodeGiveAudioStatus   Opcode = 0x71
	OpcodeReportAudioStatus Opcode = 0x7A
	OpcodeActiveSource      Opcode = 0x82
	OpcodeInactiveSource    Opcode = 0x9D
)

// LogLevel is the severity of a native library log message.
type LogLevel int

const (
	LogLevelError LogLevel = 1 << iota
	LogLevelWarning
	LogLevelNotice
	LogLevelTraffic
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarning:
		return "warning"
	case LogLevelNotice:
		return "notice"
	case LogLevelTraffic:
		return "traffic"
	default:
		return "debug"
	}
}

// slogLevel maps a native severity onto the process logger.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelError:
		return slog.LevelError
	case LogLevelWarning:
		return slog.LevelWarn
	case LogLevelNotice:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// LogicalAddress is a CEC logical address.
type LogicalAddress int

const (
	LogicalAddressTV           LogicalAddress = 0
	LogicalAddressPlayback1    LogicalAddress = 4
	LogicalAddressAudioSystem  LogicalAddress = 5
	LogicalAddressUnregistered LogicalAddress = 15
	LogicalAddressBroadcast    LogicalAddress = 15
	LogicalAddressUnknown      LogicalAddress = -1
)

// Registered reports whether a is a concrete device address.
func (a LogicalAddress) Registered() bool {
	return a >= LogicalAddressTV && a < LogicalAddressUnregistered
}

// PowerStatus is the power state a device reports.
type PowerStatus int

const (
	PowerStatusUnknown PowerStatus = iota
	PowerStatusOn
	PowerStatusStandby
	PowerStatusTransitionToOn
	PowerStatusTransitionToStandby
)

func (s PowerStatus) String() string {
	switch s {
	case PowerStatusOn:
		return "on"
	case PowerStatusStandby:
		return "standby"
	case PowerStatusTransitionToOn:
		return "in transition from standby to on"
	case PowerStatusTransitionToStandby:
		return "in transition from on to standby"
	default:
		return "unknown"
	}
}

// AudioStatus is the volume state reported by the TV or audio system.
type AudioStatus struct {
	Volume uint8
	Muted  bool
}

var (
	// ErrUnknownAudioStatus is returned when no device reported its audio status.
	ErrUnknownAudioStatus = errors.New("unknown audio status")
	// ErrLibInit means the native library itself could not be initialised.
	ErrLibInit = errors.New("init failed")
	// ErrCallbackRegistration means the native callbacks could not be installed.
	ErrCallbackRegistration = errors.New("callback registration failed")
	// ErrNoAdapter means no CEC adapter was found.
	ErrNoAdapter = errors.New("no adapter found")
	// ErrAdapterOpen means an adapter was found but could not be opened.
	ErrAdapterOpen = errors.New("failed to open adapter")
	// ErrTransmit means a frame was not acknowledged.
	ErrTransmit = errors.New("transmit failed")
)

// IsFatalOpenError reports whether an open failure should terminate the
// process rather than wait for the next device reset.
func IsFatalOpenError(err error) bool {
	return errors.Is(err, ErrLibInit) || errors.Is(err, ErrCallbackRegistration)
}

// Conn is the part of the native CEC session the daemon drives. Calls block
// until the adapter answers.
type Conn interface {
	SetActiveSource() error
	SetInactiveView() error
	ActiveSource() LogicalAddress
	PowerStatus(addr LogicalAddress) PowerStatus
	LogicalAddresses() []LogicalAddress

	PowerOn(addr LogicalAddress) error
	Standby(addr LogicalAddress) error

	VolumeUp() error
	VolumeDown() error
	AudioStatus() (AudioStatus, error)
	ToggleMute() error
	Mute() error
	Unmute() error

	SendKeypress(dest LogicalAddress, key KeyCode) error
	SendKeyRelease(dest LogicalAddress) error

	SetDeckInfo(info DeckInfo) error

	Close()
}

// OpenOptions configures a new CEC session.
type OpenOptions struct {
	Port           string
	DeviceName     string
	LogicalAddress LogicalAddress
}

// Opener opens a CEC session and publishes every native callback to sink.
// sink must not block.
type Opener func(opts OpenOptions, sink func(Event)) (Conn, error)

// sharedConn is a reference-counted handle on an open session. The session is
// closed when the last holder releases it.
type sharedConn struct {
	Conn
	refs atomic.Int32
}

func newSharedConn(c Conn) *sharedConn {
	s := &sharedConn{Conn: c}
	s.refs.Store(1)
	return s
}

func (s *sharedConn) acquire() *sharedConn {
	s.refs.Add(1)
	return s
}

func (s *sharedConn) release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		s.Conn.Close()
	case n < 0:
		panic(fmt.Sprintf("cec connection released %d times too many", -n))
	}
}
