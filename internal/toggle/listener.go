// Package toggle exposes a unix socket that lets an OS hotkey helper flip recording in the
// running instance.
package toggle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Payload is the only message the socket accepts.
const Payload = "toggle"

const maxPayload = 64

// Listener accepts one connection at a time and forwards each toggle to handler.
type Listener struct {
	path        string
	readTimeout time.Duration
	handler     func()
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewListener prepares a listener on path. handler must not block; it is expected to enqueue
// onto the controller's sequencer.
func NewListener(path string, readTimeout time.Duration, handler func(), logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	return &Listener{
		path:        path,
		readTimeout: readTimeout,
		handler:     handler,
		logger:      logger.With(slog.String("component", "toggle"), slog.String("socket", path)),
	}
}

// Start removes a stale socket file, binds and begins accepting.
func (l *Listener) Start() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln)
	l.logger.Info("toggle socket listening")
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", slogError(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		l.serve(conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("toggle handler panic", slog.Any("panic", r))
		}
	}()
	_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	data, err := readMessage(conn)
	if !isToggle(data) {
		if err != nil {
			l.logger.Warn("read toggle message", slogError(err))
			return
		}
		l.logger.Warn("ignoring unknown message", slog.Int("bytes", len(data)))
		return
	}
	l.logger.Debug("toggle received")
	l.handler()
}

// readMessage returns as soon as the payload has arrived, so a client that keeps its end open
// is not held to the read deadline. EOF ends the message early.
func readMessage(conn net.Conn) ([]byte, error) {
	data := make([]byte, 0, maxPayload)
	chunk := make([]byte, maxPayload)
	for len(data) < maxPayload {
		n, err := conn.Read(chunk[:maxPayload-len(data)])
		data = append(data, chunk[:n]...)
		if isToggle(data) {
			return data, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return data, nil
			}
			return data, err
		}
	}
	return data, nil
}

func isToggle(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte(Payload))
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, waits for the accept loop and unlinks the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.listener
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		l.wg.Wait()
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Send delivers a toggle to the instance listening on path.
func Send(ctx context.Context, path string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("no running instance at %s: %w", path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write([]byte(Payload)); err != nil {
		return fmt.Errorf("send toggle: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
