package main

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"
)

// DBusBackend runs logind on the system bus and MPRIS on the session bus.
type DBusBackend struct {
	system  *dbus.Conn
	session *dbus.Conn

	logind *LogindBackend
	mpris  *MPRISBackend
}

func NewDBusBackend(ctx context.Context) (*DBusBackend, error) {
	b := &DBusBackend{}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if b.system, err = dbus.ConnectSystemBus(); err != nil {
			return err
		}
		b.logind, err = NewLogindBackend(ctx, b.system)
		return err
	})
	g.Go(func() (err error) {
		if b.session, err = dbus.ConnectSessionBus(); err != nil {
			return err
		}
		b.mpris, err = NewMPRISBackend(ctx, b.session)
		return err
	})
	if err := g.Wait(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *DBusBackend) Split(ctx context.Context) (Proxy, Stream, error) {
	logindProxy, logindStream, err := b.logind.Split(ctx)
	if err != nil {
		return nil, nil, err
	}
	mprisProxy, mprisStream, err := b.mpris.Split(ctx)
	if err != nil {
		return nil, nil, err
	}
	return fanOutProxy{mprisProxy, logindProxy}, mergedStream{mprisStream, logindStream}, nil
}

func (b *DBusBackend) Close() error {
	var errs []error
	if b.logind != nil {
		errs = append(errs, b.logind.Close())
	}
	if b.mpris != nil {
		errs = append(errs, b.mpris.Close())
	}
	if b.system != nil {
		errs = append(errs, b.system.Close())
	}
	if b.session != nil {
		errs = append(errs, b.session.Close())
	}
	return errors.Join(errs...)
}
