// Package transfer runs OBEX pushes and receptions over BlueZ RFCOMM links,
// owning every resource a transfer acquires until it finishes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"bluetooth-obex/internal/connmgr"
	"bluetooth-obex/internal/obex"
)

// session groups the connection manager and the RFCOMM stream of one
// transfer. Close releases them once, in reverse order of acquisition, and is
// safe for concurrent and redundant calls.
type session struct {
	mu      sync.Mutex
	closed  bool
	cleanup []func() error
}

func (s *session) push(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Raced with Close: release immediately.
		_ = fn()
		return
	}
	s.cleanup = append(s.cleanup, fn)
}

// adoptMgr ties m's lifetime to the session.
func (s *session) adoptMgr(m connmgr.Mgr) {
	s.push(m.Close)
}

// open wraps fd and ties the stream's lifetime to the session.
func (s *session) open(fd int) (*os.File, error) {
	f, err := connmgr.OpenConn(fd)
	if err != nil {
		return nil, transportFailure("open link", err)
	}
	s.push(closeConn(f))
	return f, nil
}

// closeOnDone closes the session when ctx is cancelled. The returned stop
// function detaches it.
func (s *session) closeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = s.Close() })
}

// interruptOnDone fails pending and later reads on f once ctx is done. Writes
// stay open so a final response can still reach the peer.
func interruptOnDone(ctx context.Context, f *os.File) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = f.SetReadDeadline(time.Now()) })
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	var errs []error
	for i := len(cleanup) - 1; i >= 0; i-- {
		if err := cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeConn(f *os.File) func() error {
	return func() error {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("transfer: close link: %w", err)
		}
		return nil
	}
}

func transportFailure(op string, err error) error {
	return &obex.Error{Kind: obex.KindTransportFailure, Op: op, Err: err}
}

// failed wraps err into the outward-facing transfer error. A cancelled ctx is
// attached so callers can match it with errors.Is.
func failed(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("transfer failed: %w (%w)", err, cerr)
	}
	return fmt.Errorf("transfer failed: %w", err)
}
