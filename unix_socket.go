package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

const serviceName = "cec-sync"

// DefaultSocketPath is where the daemon listens for meta-commands.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, serviceName)
}

// UnixSocketBackend receives meta-commands as datagrams, one encoded command
// per datagram. It has no proxy.
type UnixSocketBackend struct {
	conn *net.UnixConn
	path string
}

// NewUnixSocketBackend binds path, removing any stale socket left behind.
func NewUnixSocketBackend(path string) (*UnixSocketBackend, error) {
	if path == "" {
		path = DefaultSocketPath()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	slog.Info("IPC listening", "socket", path)

	return &UnixSocketBackend{conn: conn, path: path}, nil
}

func (b *UnixSocketBackend) Split(context.Context) (Proxy, Stream, error) {
	return nopProxy{}, unixSocketStream{conn: b.conn}, nil
}

func (b *UnixSocketBackend) Close() error {
	err := b.conn.Close()
	if rmErr := os.Remove(b.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

type unixSocketStream struct {
	conn *net.UnixConn
}

func (s unixSocketStream) Requests(ctx context.Context) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		// Larger than any command so oversized datagrams are rejected rather
		// than silently truncated.
		var buf [MaxEncodedSize + 1]byte
		for {
			n, _, err := s.conn.ReadFromUnix(buf[:])
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				if !send(ctx, out, Result{Err: err}) {
					return
				}
				continue
			}

			cmd, err := DecodeMetaCommand(buf[:n])
			r := Result{Request: RunCommand{Command: cmd}}
			if err != nil {
				r = Result{Err: err}
			}
			if !send(ctx, out, r) {
				return
			}
		}
	}()
	return out
}

// SendMetaCommand delivers cmd to a running daemon listening on path.
func SendMetaCommand(path string, cmd MetaCommand) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := EncodeMetaCommand(cmd)
	_, err = conn.Write(buf[:])
	return err
}
