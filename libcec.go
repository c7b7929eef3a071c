package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/claes/cec"
)

// cecConnection is the part of *cec.Connection the adapter drives.
type cecConnection interface {
	Transmit(command string)
	GetDevicePhysicalAddress(address int) string
	IsActiveSource(address int) bool
	GetDevicePowerStatus(address int) string
	PowerOn(address int) error
	Standby(address int) error
	VolumeUp() error
	VolumeDown() error
	Mute() error
	GetActiveDevices() [16]bool
	KeyPress(address int, key int) error
	KeyRelease(address int) error
	Close()
	Destroy()
}

// How long AudioStatus waits for a REPORT_AUDIO_STATUS after asking for one.
const audioStatusTimeout = time.Second

// libcecConn drives a libcec session through github.com/claes/cec.
type libcecConn struct {
	conn    cecConnection
	address LogicalAddress

	audio        *audioStatusCache
	audioTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// OpenLibCEC opens the adapter at opts.Port (autodetected when empty) and
// forwards every callback to sink.
func OpenLibCEC(opts OpenOptions, sink func(Event)) (Conn, error) {
	c, err := cec.Open(opts.Port, opts.DeviceName)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	keyPresses := make(chan *cec.KeyPress, 10)
	commands := make(chan *cec.Command, 10)
	messages := make(chan string, 10)
	c.KeyPresses = keyPresses
	c.Commands = commands
	c.Messages = messages

	l := newLibcecConn(c, opts.LogicalAddress)
	go l.pump(keyPresses, commands, messages, sink)

	slog.Info("CEC connection opened", "port", opts.Port, "device_name", opts.DeviceName)
	return l, nil
}

func newLibcecConn(conn cecConnection, address LogicalAddress) *libcecConn {
	return &libcecConn{
		conn:         conn,
		address:      address,
		audio:        newAudioStatusCache(),
		audioTimeout: audioStatusTimeout,
		done:         make(chan struct{}),
	}
}

// classifyOpenError maps the binding's error strings onto the open error
// classes.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "callback"):
		return fmt.Errorf("%w: %v", ErrCallbackRegistration, err)
	case strings.Contains(msg, "initiali"):
		return fmt.Errorf("%w: %v", ErrLibInit, err)
	case strings.Contains(msg, "no ") && strings.Contains(msg, "adapter"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrNoAdapter, err)
	case strings.Contains(msg, "transmit"):
		return fmt.Errorf("%w: %v", ErrTransmit, err)
	default:
		return fmt.Errorf("%w: %v", ErrAdapterOpen, err)
	}
}

// pump moves callbacks off the binding's channels so the native callback
// thread never waits on the daemon. It runs until Close has destroyed the
// libcec instance.
func (l *libcecConn) pump(keyPresses <-chan *cec.KeyPress, commands <-chan *cec.Command, messages <-chan string, sink func(Event)) {
	for {
		select {
		case <-l.done:
			return
		case kp := <-keyPresses:
			if kp == nil {
				continue
			}
			sink(KeyPressEvent{
				Code:     KeyCode(kp.KeyCode),
				Duration: time.Duration(kp.Duration) * time.Millisecond,
			})
		case cmd := <-commands:
			if cmd == nil {
				continue
			}
			ev := commandEvent(cmd)
			l.observe(ev)
			sink(ev)
		case msg := <-messages:
			sink(parseLogMessage(msg))
		}
	}
}

// commandEvent recovers the operands from the frame the binding renders, as
// its parameter block wraps a C array. The rendered frame can run past the
// operands, so it is cut to the reported size.
func commandEvent(cmd *cec.Command) CommandEvent {
	ev := CommandEvent{Opcode: Opcode(cmd.Opcode)}
	frame, err := hex.DecodeString(strings.ReplaceAll(cmd.CommandString, ":", ""))
	if err != nil || len(frame) <= 2 {
		return ev
	}
	params := frame[2:]
	if n := cmd.Parameters.Size; n >= 0 && n < len(params) {
		params = params[:n]
	}
	if len(params) > 0 {
		ev.Payload = params
	}
	return ev
}

// observe keeps the audio status cache in step with the bus.
func (l *libcecConn) observe(ev CommandEvent) {
	if ev.Opcode != OpcodeReportAudioStatus || len(ev.Payload) == 0 {
		return
	}
	if status, ok := decodeAudioStatus(ev.Payload[0]); ok {
		l.audio.store(status)
	}
}

// parseLogMessage recovers the severity libcec prefixes its messages with.
func parseLogMessage(msg string) LogMessageEvent {
	levels := []struct {
		prefix string
		level  LogLevel
	}{
		{"ERROR", LogLevelError},
		{"WARNING", LogLevelWarning},
		{"NOTICE", LogLevelNotice},
		{"TRAFFIC", LogLevelTraffic},
		{"DEBUG", LogLevelDebug},
	}
	trimmed := strings.TrimSpace(msg)
	for _, l := range levels {
		if rest, ok := strings.CutPrefix(trimmed, l.prefix); ok {
			rest = strings.TrimLeft(rest, ":] \t")
			return LogMessageEvent{Level: l.level, Message: rest}
		}
	}
	return LogMessageEvent{Level: LogLevelNotice, Message: trimmed}
}

func (l *libcecConn) transmit(dest LogicalAddress, opcode Opcode, params ...byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "%X%X:%02X", int(l.address)&0xF, int(dest)&0xF, int(opcode))
	for _, p := range params {
		fmt.Fprintf(&b, ":%02X", p)
	}
	slog.Debug("CEC transmit", "frame", b.String())
	l.conn.Transmit(b.String())
}

// physicalAddress parses the dotted form ("1.0.0.0") libcec reports.
func (l *libcecConn) physicalAddress() (byte, byte, error) {
	return parsePhysicalAddress(l.conn.GetDevicePhysicalAddress(int(l.address)))
}

func parsePhysicalAddress(s string) (byte, byte, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return 0, 0, fmt.Errorf("invalid physical address %q", s)
	}
	var nibbles [4]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 4)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid physical address %q: %w", s, err)
		}
		nibbles[i] = byte(n)
	}
	return nibbles[0]<<4 | nibbles[1], nibbles[2]<<4 | nibbles[3], nil
}

func (l *libcecConn) SetActiveSource() error {
	hi, lo, err := l.physicalAddress()
	if err != nil {
		return err
	}
	l.transmit(LogicalAddressBroadcast, OpcodeActiveSource, hi, lo)
	return nil
}

func (l *libcecConn) SetInactiveView() error {
	hi, lo, err := l.physicalAddress()
	if err != nil {
		return err
	}
	l.transmit(LogicalAddressTV, OpcodeInactiveSource, hi, lo)
	return nil
}

func (l *libcecConn) ActiveSource() LogicalAddress {
	for addr := LogicalAddressTV; addr < LogicalAddressUnregistered; addr++ {
		if l.conn.IsActiveSource(int(addr)) {
			return addr
		}
	}
	return LogicalAddressUnknown
}

func (l *libcecConn) PowerStatus(addr LogicalAddress) PowerStatus {
	if !addr.Registered() {
		return PowerStatusUnknown
	}
	return parsePowerStatus(l.conn.GetDevicePowerStatus(int(addr)))
}

// parsePowerStatus reads the strings the binding maps libcec power states to.
func parsePowerStatus(s string) PowerStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return PowerStatusOn
	case "standby":
		return PowerStatusStandby
	case "starting":
		return PowerStatusTransitionToOn
	case "shutting down":
		return PowerStatusTransitionToStandby
	default:
		return PowerStatusUnknown
	}
}

func (l *libcecConn) LogicalAddresses() []LogicalAddress {
	return []LogicalAddress{l.address}
}

// The binding reports success of PowerOn and Standby with a non-nil error.
func (l *libcecConn) PowerOn(addr LogicalAddress) error {
	if l.conn.PowerOn(int(addr)) == nil {
		return fmt.Errorf("%w: power on %d", ErrTransmit, addr)
	}
	return nil
}

func (l *libcecConn) Standby(addr LogicalAddress) error {
	if l.conn.Standby(int(addr)) == nil {
		return fmt.Errorf("%w: standby %d", ErrTransmit, addr)
	}
	return nil
}

func (l *libcecConn) VolumeUp() error   { return l.audioCall(l.conn.VolumeUp) }
func (l *libcecConn) VolumeDown() error { return l.audioCall(l.conn.VolumeDown) }
func (l *libcecConn) ToggleMute() error { return l.audioCall(l.conn.Mute) }

// audioCall runs a volume primitive. libcec only forwards them to an audio
// system, so without one on the bus the status is unknown. The binding turns
// the status byte libcec answers with into an error that omits the byte, so
// that error only means the call went out.
func (l *libcecConn) audioCall(call func() error) error {
	if !l.conn.GetActiveDevices()[LogicalAddressAudioSystem] {
		return fmt.Errorf("%w: no audio system on the bus", ErrUnknownAudioStatus)
	}
	if err := call(); err != nil {
		slog.Debug("Audio system answered", "status", err)
	}
	l.audio.invalidate()
	return nil
}

// decodeAudioStatus splits a REPORT_AUDIO_STATUS operand into mute flag and
// volume. 0x7F is the unknown volume.
func decodeAudioStatus(b byte) (AudioStatus, bool) {
	volume := b & 0x7F
	if volume == 0x7F {
		return AudioStatus{}, false
	}
	return AudioStatus{Volume: volume, Muted: b&0x80 != 0}, true
}

// AudioStatus returns the last status reported on the bus, asking the audio
// system for one when none is cached.
func (l *libcecConn) AudioStatus() (AudioStatus, error) {
	status, known, ready := l.audio.load()
	if known {
		return status, nil
	}

	l.transmit(LogicalAddressAudioSystem, OpcodeGiveAudioStatus)
	timer := time.NewTimer(l.audioTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		if status, known, _ := l.audio.load(); known {
			return status, nil
		}
	case <-timer.C:
	case <-l.done:
	}
	return AudioStatus{}, ErrUnknownAudioStatus
}

func (l *libcecConn) Mute() error   { return l.setMuted(true) }
func (l *libcecConn) Unmute() error { return l.setMuted(false) }

// setMuted toggles only when the reported mute state differs from muted.
func (l *libcecConn) setMuted(muted bool) error {
	status, err := l.AudioStatus()
	if err != nil {
		return err
	}
	if status.Muted == muted {
		return nil
	}
	return l.ToggleMute()
}

func (l *libcecConn) SendKeypress(dest LogicalAddress, key KeyCode) error {
	return l.conn.KeyPress(int(dest), int(key))
}

func (l *libcecConn) SendKeyRelease(dest LogicalAddress) error {
	return l.conn.KeyRelease(int(dest))
}

var deckStatusCodes = map[DeckInfo]byte{
	DeckPlay:  0x11,
	DeckStill: 0x12,
	DeckStop:  0x1A,
}

func (l *libcecConn) SetDeckInfo(info DeckInfo) error {
	code, ok := deckStatusCodes[info]
	if !ok {
		return fmt.Errorf("invalid deck info %d", info)
	}
	l.transmit(LogicalAddressTV, OpcodeDeckStatus, code)
	return nil
}

// Close stops libcec and frees it. The pump keeps draining the callback
// channels until the instance is destroyed.
func (l *libcecConn) Close() {
	l.closeOnce.Do(func() {
		l.conn.Close()
		l.conn.Destroy()
		close(l.done)
		slog.Info("CEC connection closed")
	})
}

// audioStatusCache holds the last audio status seen on the bus.
type audioStatusCache struct {
	mu     sync.Mutex
	status AudioStatus
	known  bool
	ready  chan struct{}
}

func newAudioStatusCache() *audioStatusCache {
	return &audioStatusCache{ready: make(chan struct{})}
}

func (c *audioStatusCache) store(status AudioStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status, c.known = status, true
	close(c.ready)
	c.ready = make(chan struct{})
}

// invalidate forgets the status after a change whose result is unknown.
func (c *audioStatusCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = false
}

// load returns the cached status and a channel closed on the next store.
func (c *audioStatusCache) load() (AudioStatus, bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.known, c.ready
}
