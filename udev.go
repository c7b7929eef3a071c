package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"
)

// USB identity of the Pulse-Eight CEC adapter, which enumerates under either
// product id.
const (
	cecVendorID   = 0x2548
	cecProductID  = 0x1001
	cecProductID2 = 0x1002
)

const sysfsRoot = "/sys"

// UdevBackend watches tty hot-plug events for the CEC adapter. It has no
// proxy.
type UdevBackend struct {
	conn *netlink.UEventConn

	closeOnce sync.Once
	closed    chan struct{}
}

func NewUdevBackend() (*UdevBackend, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect to udev netlink: %w", err)
	}
	return &UdevBackend{conn: conn, closed: make(chan struct{})}, nil
}

func (b *UdevBackend) Split(context.Context) (Proxy, Stream, error) {
	return nopProxy{}, udevStream{conn: b.conn, closed: b.closed}, nil
}

// Close unblocks any pending read.
func (b *UdevBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}

type ueventReader interface {
	ReadUEvent() (*netlink.UEvent, error)
}

type udevStream struct {
	conn   ueventReader
	closed <-chan struct{}
}

// Requests reads uevents itself rather than through Monitor, whose goroutine
// cannot be stopped while it waits to deliver an event.
func (s udevStream) Requests(ctx context.Context) <-chan Result {
	out := make(chan Result)
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{{Env: map[string]string{"SUBSYSTEM": "^tty$"}}},
	}

	go func() {
		defer close(out)
		if err := matcher.Compile(); err != nil {
			send(ctx, out, Result{Err: fmt.Errorf("compile uevent matcher: %w", err)})
			return
		}
		for {
			ev, err := s.conn.ReadUEvent()
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			default:
			}
			if err != nil {
				if !send(ctx, out, Result{Err: err}) {
					return
				}
				continue
			}
			if ev == nil || !matcher.Evaluate(*ev) {
				continue
			}

			req, ok := mapHotplugEvent(hotplugEventFromUEvent(*ev, sysfsRoot))
			if !ok {
				continue
			}
			slog.Debug("CEC adapter hot-plug", "request", req)
			if !send(ctx, out, Result{Request: req}) {
				return
			}
		}
	}()
	return out
}

// hotplugEvent is the part of a tty uevent the adapter filter looks at.
type hotplugEvent struct {
	Action  string
	DevNode string
	// Vendor and Product are the hexadecimal ids of the parent USB device,
	// empty when the tty has no USB parent.
	Vendor  string
	Product string
}

func mapHotplugEvent(ev hotplugEvent) (Request, bool) {
	if !isCECAdapter(ev.Vendor, ev.Product) || ev.DevNode == "" {
		return nil, false
	}
	switch ev.Action {
	case string(netlink.ADD):
		return ResetDevice{Port: ev.DevNode}, true
	case string(netlink.REMOVE):
		return RemoveDevice{Port: ev.DevNode}, true
	default:
		return nil, false
	}
}

func isCECAdapter(vendor, product string) bool {
	vid, ok := parseUSBID(vendor)
	if !ok || vid != cecVendorID {
		return false
	}
	pid, ok := parseUSBID(product)
	return ok && (pid == cecProductID || pid == cecProductID2)
}

func parseUSBID(s string) (uint16, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 16, 16)
	return uint16(id), err == nil
}

// hotplugEventFromUEvent resolves the parent USB ids of a tty uevent. udev
// attaches them as properties; when it did not, the ids are read from the
// parent usb_device in sysfs.
func hotplugEventFromUEvent(ev netlink.UEvent, sysfs string) hotplugEvent {
	he := hotplugEvent{
		Action:  string(ev.Action),
		DevNode: devNode(ev.Env["DEVNAME"]),
		Vendor:  ev.Env["ID_VENDOR_ID"],
		Product: ev.Env["ID_MODEL_ID"],
	}
	if he.Vendor == "" || he.Product == "" {
		devpath := ev.Env["DEVPATH"]
		if devpath == "" {
			devpath = ev.KObj
		}
		he.Vendor, he.Product = usbParentIDs(filepath.Join(sysfs, devpath))
	}
	return he
}

func devNode(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join("/dev", name)
}

// usbParentIDs walks up from a sysfs device directory to the first ancestor
// exposing idVendor and idProduct, which is the usb_device node.
func usbParentIDs(dir string) (vendor, product string) {
	for dir != "" && dir != "/" && dir != "." {
		v, errV := os.ReadFile(filepath.Join(dir, "idVendor"))
		p, errP := os.ReadFile(filepath.Join(dir, "idProduct"))
		if errV == nil && errP == nil {
			return strings.TrimSpace(string(v)), strings.TrimSpace(string(p))
		}
		dir = filepath.Dir(dir)
	}
	return "", ""
}
