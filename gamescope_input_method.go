package main

import (
	"github.com/rajveermalviya/go-wayland/wayland/client"
)

// Bindings for Gamescope's gamescope_input_method protocol, laid out like the
// proxies go-wayland-scanner emits.

const (
	gamescopeInputMethodManagerInterface = "gamescope_input_method_manager"
	gamescopeInputMethodManagerVersion   = 3
)

// gamescopeInputMethodManager creates input methods bound to a seat.
type gamescopeInputMethodManager struct {
	client.BaseProxy
}

func newGamescopeInputMethodManager(ctx *client.Context) *gamescopeInputMethodManager {
	m := &gamescopeInputMethodManager{}
	ctx.Register(m)
	return m
}

func (i *gamescopeInputMethodManager) Destroy() error {
	defer i.Context().Unregister(i)
	const opcode = 0
	const reqBufLen = 8
	var reqBuf [reqBufLen]byte
	client.PutUint32(reqBuf[0:4], i.ID())
	client.PutUint32(reqBuf[4:8], uint32(reqBufLen<<16|opcode&0x0000ffff))
	return i.Context().WriteMsg(reqBuf[:], nil)
}

// CreateInputMethod creates the input method for seat.
func (i *gamescopeInputMethodManager) CreateInputMethod(seat *client.Seat) (*gamescopeInputMethod, error) {
	id := newGamescopeInputMethod(i.Context())
	const opcode = 1
	const reqBufLen = 8 + 4 + 4
	var reqBuf [reqBufLen]byte
	l := 0
	client.PutUint32(reqBuf[l:4], i.ID())
	l += 4
	client.PutUint32(reqBuf[l:l+4], uint32(reqBufLen<<16|opcode&0x0000ffff))
	l += 4
	client.PutUint32(reqBuf[l:l+4], seat.ID())
	l += 4
	client.PutUint32(reqBuf[l:l+4], id.ID())
	err := i.Context().WriteMsg(reqBuf[:], nil)
	return id, err
}

// gamescopeInputMethodAction is the gamescope_input_method.action enum.
type gamescopeInputMethodAction uint32

const (
	gamescopeInputMethodActionNone        gamescopeInputMethodAction = 0
	gamescopeInputMethodActionSubmit      gamescopeInputMethodAction = 1
	gamescopeInputMethodActionDeleteLeft  gamescopeInputMethodAction = 2
	gamescopeInputMethodActionDeleteRight gamescopeInputMethodAction = 3
	gamescopeInputMethodActionMoveLeft    gamescopeInputMethodAction = 4
	gamescopeInputMethodActionMoveRight   gamescopeInputMethodAction = 5
	gamescopeInputMethodActionMoveUp      gamescopeInputMethodAction = 6
	gamescopeInputMethodActionMoveDown    gamescopeInputMethodAction = 7
)

// gamescopeInputMethod sends text and actions to the focused client. Changes
// are applied by Commit with the serial of the last done event.
type gamescopeInputMethod struct {
	client.BaseProxy
	doneHandler        gamescopeInputMethodDoneHandlerFunc
	unavailableHandler gamescopeInputMethodUnavailableHandlerFunc
}

func newGamescopeInputMethod(ctx *client.Context) *gamescopeInputMethod {
	im := &gamescopeInputMethod{}
	ctx.Register(im)
	return im
}

func (i *gamescopeInputMethod) Destroy() error {
	defer i.Context().Unregister(i)
	const opcode = 0
	const reqBufLen = 8
	var reqBuf [reqBufLen]byte
	client.PutUint32(reqBuf[0:4], i.ID())
	client.PutUint32(reqBuf[4:8], uint32(reqBufLen<<16|opcode&0x0000ffff))
	return i.Context().WriteMsg(reqBuf[:], nil)
}

func (i *gamescopeInputMethod) Commit(serial uint32) error {
	const opcode = 1
	const reqBufLen = 8 + 4
	var reqBuf [reqBufLen]byte
	client.PutUint32(reqBuf[0:4], i.ID())
	client.PutUint32(reqBuf[4:8], uint32(reqBufLen<<16|opcode&0x0000ffff))
	client.PutUint32(reqBuf[8:12], serial)
	return i.Context().WriteMsg(reqBuf[:], nil)
}

func (i *gamescopeInputMethod) SetString(text string) error {
	const opcode = 2
	textLen := client.PaddedLen(len(text) + 1)
	reqBufLen := 8 + 4 + textLen
	reqBuf := make([]byte, reqBufLen)
	client.PutUint32(reqBuf[0:4], i.ID())
	client.PutUint32(reqBuf[4:8], uint32(reqBufLen<<16|opcode&0x0000ffff))
	client.PutUint32(reqBuf[8:12], uint32(len(text)+1))
	copy(reqBuf[12:], text)
	return i.Context().WriteMsg(reqBuf, nil)
}

func (i *gamescopeInputMethod) SetAction(action gamescopeInputMethodAction) error {
	const opcode = 3
	const reqBufLen = 8 + 4
	var reqBuf [reqBufLen]byte
	client.PutUint32(reqBuf[0:4], i.ID())
	client.PutUint32(reqBuf[4:8], uint32(reqBufLen<<16|opcode&0x0000ffff))
	client.PutUint32(reqBuf[8:12], uint32(action))
	return i.Context().WriteMsg(reqBuf[:], nil)
}

type gamescopeInputMethodDoneEvent struct {
	Serial uint32
}

type gamescopeInputMethodDoneHandlerFunc func(gamescopeInputMethodDoneEvent)

func (i *gamescopeInputMethod) SetDoneHandler(f gamescopeInputMethodDoneHandlerFunc) {
	i.doneHandler = f
}

// The input method is taken by another client.
type gamescopeInputMethodUnavailableEvent struct{}

type gamescopeInputMethodUnavailableHandlerFunc func(gamescopeInputMethodUnavailableEvent)

func (i *gamescopeInputMethod) SetUnavailableHandler(f gamescopeInputMethodUnavailableHandlerFunc) {
	i.unavailableHandler = f
}

func (i *gamescopeInputMethod) Dispatch(opcode uint32, fd int, data []byte) {
	switch opcode {
	case 0:
		if i.doneHandler == nil || len(data) < 4 {
			return
		}
		var e gamescopeInputMethodDoneEvent
		e.Serial = client.Uint32(data[0:4])
		i.doneHandler(e)
	case 1:
		if i.unavailableHandler == nil {
			return
		}
		i.unavailableHandler(gamescopeInputMethodUnavailableEvent{})
	}
}
