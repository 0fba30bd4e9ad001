package omni

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Accept backoff bounds for temporary errors (such as EMFILE).
const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Start binds the configured address and begins accepting lock
// connections. It returns once the socket is bound; accepting continues in
// the background until Stop is called.
//
// Parameters:
//   - ctx: Cancelling ctx stops the server as if Stop had been called
//
// Returns:
//   - error: ErrTransport wrapping the bind failure, or nil
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.stopped {
		return ErrServerStopped
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", ErrTransport, addr, err)
	}

	s.listener = ln
	s.running = true
	s.startedAt = time.Now()
	s.notifier.start()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			go s.Stop()
		case <-s.done.Done():
		}
	}()

	s.logger.Info("lock server listening", "address", ln.Addr().String())
	return nil
}

// acceptLoop accepts connections until the listener is closed.
// A failure on one connection never reaches this loop.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-s.done.Done():
					return
				}
			}
			s.logger.Error("accept failed, listener stopped", "error", err)
			return
		}
		backoff = 0

		id := conn.RemoteAddr().String()
		s.registry.Register(id, conn)
		if !s.isRunning() {
			// Raced with Stop after CloseAll; the session cleans up.
			_ = conn.Close() //nolint:errcheck // shutting down
		}

		sess := newSession(id, conn, s)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
		}()
	}
}

// nextBackoff doubles the delay between accept retries within bounds.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return acceptBackoffMin
	}
	d *= 2
	if d > acceptBackoffMax {
		d = acceptBackoffMax
	}
	return d
}

// Stop closes the listening socket and every lock connection, waits for
// all sessions to finish, then drains the event queue into the sinks.
// Commands still waiting resolve with ErrConnectionLost.
//
// Safe to call more than once and from several goroutines: every call
// returns only after the teardown has completed.
func (s *Server) Stop() {
	s.stopOnce.Do(s.teardown)
	<-s.torndown
}

func (s *Server) teardown() {
	defer close(s.torndown)

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if !wasRunning {
		return
	}

	s.done.Close()
	if ln != nil {
		_ = ln.Close() //nolint:errcheck // shutting down
	}
	s.registry.CloseAll()
	s.wg.Wait()
	s.notifier.stop()

	s.logger.Info("lock server stopped")
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
