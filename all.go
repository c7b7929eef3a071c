package main

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AllBackend combines every event source the daemon runs with.
type AllBackend struct {
	unixSocket *UnixSocketBackend
	dbus       *DBusBackend
	udev       *UdevBackend
	input      InputBackend
}

// NewAllBackend opens every backend concurrently and fails if any fails.
func NewAllBackend(ctx context.Context, cfg *Config) (*AllBackend, error) {
	var b AllBackend
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		b.unixSocket, err = NewUnixSocketBackend(cfg.SocketPath)
		return tagError("unix socket", err)
	})
	g.Go(func() (err error) {
		b.dbus, err = NewDBusBackend(ctx)
		return tagError("dbus", err)
	})
	g.Go(func() (err error) {
		b.udev, err = NewUdevBackend()
		return tagError("udev", err)
	})
	g.Go(func() (err error) {
		b.input, err = NewInputBackend(ctx, cfg)
		return err
	})
	if err := g.Wait(); err != nil {
		b.Close()
		return nil, err
	}
	return &b, nil
}

func (b *AllBackend) Split(ctx context.Context) (Proxy, Stream, error) {
	var (
		socketStream, dbusStream, udevStream Stream
		dbusProxy, inputProxy                Proxy
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		_, socketStream, err = b.unixSocket.Split(ctx)
		return tagError("unix socket", err)
	})
	g.Go(func() (err error) {
		dbusProxy, dbusStream, err = b.dbus.Split(ctx)
		return tagError("dbus", err)
	})
	g.Go(func() (err error) {
		_, udevStream, err = b.udev.Split(ctx)
		return tagError("udev", err)
	})
	g.Go(func() (err error) {
		inputProxy, _, err = b.input.Split(ctx)
		return tagError(b.input.Name(), err)
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	proxy := fanOutProxy{
		tagProxy("dbus", dbusProxy),
		tagProxy(b.input.Name(), inputProxy),
	}
	stream := mergedStream{
		tagStream("unix socket", socketStream),
		tagStream("udev", udevStream),
		tagStream("dbus", dbusStream),
	}
	return proxy, stream, nil
}

func (b *AllBackend) Close() error {
	var errs []error
	if b.unixSocket != nil {
		errs = append(errs, tagError("unix socket", b.unixSocket.Close()))
	}
	if b.dbus != nil {
		errs = append(errs, tagError("dbus", b.dbus.Close()))
	}
	if b.udev != nil {
		errs = append(errs, tagError("udev", b.udev.Close()))
	}
	if b.input != nil {
		errs = append(errs, tagError(b.input.Name(), b.input.Close()))
	}
	return errors.Join(errs...)
}

// fanOutProxy dispatches each event to every proxy concurrently. All proxies
// run to completion and the first error is reported.
type fanOutProxy []Proxy

func (f fanOutProxy) Event(ctx context.Context, ev Event) error {
	var g errgroup.Group
	for _, p := range f {
		g.Go(func() error {
			return p.Event(ctx, ev)
		})
	}
	return g.Wait()
}

// mergedStream interleaves its streams' requests in arrival order, with no
// priority among sources.
type mergedStream []Stream

func (m mergedStream) Requests(ctx context.Context) <-chan Result {
	out := make(chan Result)
	var wg sync.WaitGroup
	for _, s := range m {
		wg.Add(1)
		go func(in <-chan Result) {
			defer wg.Done()
			for r := range in {
				if !send(ctx, out, r) {
					return
				}
			}
		}(s.Requests(ctx))
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

type taggedProxy struct {
	backend string
	Proxy
}

func tagProxy(backend string, p Proxy) Proxy {
	return taggedProxy{backend: backend, Proxy: p}
}

func (t taggedProxy) Event(ctx context.Context, ev Event) error {
	return tagError(t.backend, t.Proxy.Event(ctx, ev))
}

type taggedStream struct {
	backend string
	Stream
}

func tagStream(backend string, s Stream) Stream {
	return taggedStream{backend: backend, Stream: s}
}

func (t taggedStream) Requests(ctx context.Context) <-chan Result {
	in := t.Stream.Requests(ctx)
	out := make(chan Result)
	go func() {
		defer close(out)
		for r := range in {
			r.Err = tagError(t.backend, r.Err)
			if !send(ctx, out, r) {
				return
			}
		}
	}()
	return out
}
