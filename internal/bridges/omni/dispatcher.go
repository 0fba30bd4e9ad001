package omni

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Result is the outcome of a command the lock answered.
type Result struct {
	ConnectionID string   `json:"connection_id"`
	IMEI         string   `json:"imei"`
	Code         Code     `json:"code"`
	Success      bool     `json:"success"`
	Reason       string   `json:"reason"`
	Parameters   []string `json:"parameters,omitempty"`
	ElapsedMS    int64    `json:"elapsed_ms"`
}

// resultFromResponse derives a Result from an acknowledgement.
// The first parameter is the lock's result code: "0" is success.
func resultFromResponse(id string, resp Response, elapsed time.Duration) Result {
	r := Result{
		ConnectionID: id,
		IMEI:         resp.IMEI,
		Code:         resp.Code,
		Success:      resp.Param(0) == "0",
		Parameters:   resp.Parameters,
		ElapsedMS:    elapsed.Milliseconds(),
	}
	if r.Success {
		r.Reason = "ok"
	} else {
		r.Reason = fmt.Sprintf("lock reported failure for %s (result %q)", resp.Code, resp.Param(0))
	}
	return r
}

// outcome is what completes a pending command.
type outcome struct {
	resp Response
	err  error
}

// pendingCommand is the one command awaiting an answer on a connection.
type pendingCommand struct {
	command Command
	done    chan outcome // buffered(1), written exactly once
}

// waiter is a command queued behind the one in flight.
// ready receives nil when the slot is handed over, or an error.
type waiter struct {
	ready chan error
}

// commandSlot serialises commands on one connection.
type commandSlot struct {
	pending *pendingCommand
	waiters []*waiter
}

func (s *commandSlot) removeWaiter(w *waiter) bool {
	for i, x := range s.waiters {
		if x == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatcher issues commands to locks and resolves them against the
// acknowledgements their sessions observe.
//
// The protocol has no sequence numbers, so a connection carries at most one
// outstanding command. A slot exists for a connection while a command holds
// it; queued commands take it over in arrival order.
//
// All methods are thread-safe.
type Dispatcher struct {
	registry *Registry
	cfg      Config

	mu    sync.Mutex
	slots map[string]*commandSlot

	counters *counters
	emit     func(Event)
	logger   Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cfg:      cfg.withDefaults(),
		slots:    make(map[string]*commandSlot),
		counters: &counters{},
		emit:     func(Event) {},
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Unlock opens the lock on the given connection.
// resetTime asks the lock to reset its ride timer.
func (d *Dispatcher) Unlock(ctx context.Context, id string, resetTime bool) (Result, error) {
	return d.UnlockAs(ctx, id, resetTime, defaultUserID)
}

// UnlockAs opens the lock on behalf of a named operator or rider.
//
// The frame carries L0,<reset>,<user id>,<unix time> where reset is "0"
// when resetTime is set and "1" otherwise.
func (d *Dispatcher) UnlockAs(ctx context.Context, id string, resetTime bool, userID string) (Result, error) {
	if userID == "" {
		userID = defaultUserID
	}
	flag := "1"
	if resetTime {
		flag = "0"
	}
	return d.execute(ctx, id, CodeUnlock, func(now time.Time) []string {
		return []string{flag, userID, strconv.FormatInt(now.Unix(), 10)}
	})
}

// Lock closes the lock on the given connection.
func (d *Dispatcher) Lock(ctx context.Context, id string) (Result, error) {
	return d.execute(ctx, id, CodeLock, nil)
}

// GetStatus asks the lock on the given connection to report its status.
func (d *Dispatcher) GetStatus(ctx context.Context, id string) (Result, error) {
	return d.execute(ctx, id, CodeStatus, nil)
}

// Pending reports the code of the command outstanding on a connection.
func (d *Dispatcher) Pending(id string) (Code, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.slots[id]
	if !ok || slot.pending == nil {
		return "", false
	}
	return slot.pending.command.Code, true
}

// execute runs one command through the connection's slot.
func (d *Dispatcher) execute(ctx context.Context, id string, code Code, params func(time.Time) []string) (Result, error) {
	origin := OriginFrom(ctx)
	conn, rec, err := d.registry.Lookup(id)
	if err != nil {
		d.counters.command(code, outcomeRejected, 0)
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownLock, id)
	}
	if !rec.Identified() {
		d.counters.command(code, outcomeRejected, 0)
		return Result{}, fmt.Errorf("%w: %s has not identified", ErrUnknownLock, id)
	}

	slot, err := d.acquire(ctx, id)
	if err != nil {
		d.counters.command(code, outcomeRejected, 0)
		return Result{}, err
	}
	defer d.release(id, slot)

	now := d.now()
	var p []string
	if params != nil {
		p = params(now)
	}
	cmd := NewCommand(rec.IMEI, code, now, p...)
	pending := &pendingCommand{command: cmd, done: make(chan outcome, 1)}

	d.mu.Lock()
	if d.slots[id] != slot {
		// The connection dropped while we waited for the slot.
		d.mu.Unlock()
		d.counters.command(code, outcomeConnectionLost, 0)
		return Result{}, fmt.Errorf("%w: %s", ErrConnectionLost, id)
	}
	slot.pending = pending
	d.mu.Unlock()

	start := time.Now()
	if err := d.send(conn, cmd); err != nil {
		d.clearPending(id, slot, pending)
		d.logger.Warn("command send failed, closing connection",
			"connection_id", id, "imei", rec.IMEI, "code", code, "error", err)
		_ = conn.Close() //nolint:errcheck // the session observes the close and cleans up
		d.counters.command(code, outcomeConnectionLost, time.Since(start))
		return d.fail(id, rec.IMEI, code, origin, fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}

	d.logger.Debug("command sent", "connection_id", id, "imei", rec.IMEI, "code", code)

	timer := time.NewTimer(d.cfg.CommandTimeout)
	defer timer.Stop()

	var out outcome
	select {
	case out = <-pending.done:
	case <-timer.C:
		if d.clearPending(id, slot, pending) {
			d.counters.command(code, outcomeTimeout, time.Since(start))
			return d.fail(id, rec.IMEI, code, origin, fmt.Errorf("%w: no %s response from %s within %v", ErrTimeout, code, id, d.cfg.CommandTimeout))
		}
		out = <-pending.done
	case <-ctx.Done():
		// Still ErrTimeout to callers, but counted apart from locks that
		// never answered.
		if d.clearPending(id, slot, pending) {
			d.counters.command(code, outcomeCanceled, time.Since(start))
			return d.fail(id, rec.IMEI, code, origin, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))
		}
		out = <-pending.done
	}

	elapsed := time.Since(start)
	if out.err != nil {
		d.counters.command(code, outcomeConnectionLost, elapsed)
		return d.fail(id, rec.IMEI, code, origin, out.err)
	}

	result := resultFromResponse(id, out.resp, elapsed)
	if result.Success {
		d.counters.command(code, outcomeSuccess, elapsed)
	} else {
		d.counters.command(code, outcomeFailure, elapsed)
	}
	d.emit(Event{
		Type:         EventCommand,
		ConnectionID: id,
		IMEI:         rec.IMEI,
		Code:         code,
		Result:       &result,
		Source:       origin.Source,
		UserID:       origin.UserID,
	})
	return result, nil
}

// fail reports a command that did not produce an answer.
func (d *Dispatcher) fail(id, imei string, code Code, origin Origin, err error) (Result, error) {
	d.emit(Event{
		Type:         EventCommand,
		ConnectionID: id,
		IMEI:         imei,
		Code:         code,
		Error:        err.Error(),
		Source:       origin.Source,
		UserID:       origin.UserID,
	})
	return Result{}, err
}

// send writes one frame under the write deadline.
func (d *Dispatcher) send(conn net.Conn, cmd Command) error {
	if err := conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}
	if _, err := conn.Write(cmd.Encode()); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

// acquire takes the connection's slot, queueing behind the current holder
// when queueing is enabled.
func (d *Dispatcher) acquire(ctx context.Context, id string) (*commandSlot, error) {
	d.mu.Lock()
	slot, busy := d.slots[id]
	if !busy {
		slot = &commandSlot{}
		d.slots[id] = slot
		d.mu.Unlock()
		return slot, nil
	}
	if !d.cfg.QueueCommands {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCommandInFlight, id)
	}
	if len(slot.waiters) >= d.cfg.MaxQueueDepth {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d commands queued", ErrCommandInFlight, id, len(slot.waiters))
	}
	w := &waiter{ready: make(chan error, 1)}
	slot.waiters = append(slot.waiters, w)
	d.mu.Unlock()

	timer := time.NewTimer(d.cfg.QueueTimeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-w.ready:
		if err != nil {
			return nil, err
		}
		return slot, nil
	case <-timer.C:
		cause = fmt.Errorf("%w: waited %v for %s", ErrTimeout, d.cfg.QueueTimeout, id)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	d.mu.Lock()
	removed := slot.removeWaiter(w)
	d.mu.Unlock()
	if !removed {
		// Handed over (or failed) while we were giving up.
		if err := <-w.ready; err == nil {
			d.release(id, slot)
		}
	}
	return nil, cause
}

// release hands the slot to the next waiter, or frees it.
func (d *Dispatcher) release(id string, slot *commandSlot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.slots[id] != slot {
		return
	}
	slot.pending = nil
	if len(slot.waiters) > 0 {
		next := slot.waiters[0]
		slot.waiters = slot.waiters[1:]
		next.ready <- nil
		return
	}
	delete(d.slots, id)
}

// clearPending abandons a pending command. It returns false if the command
// was already completed, in which case its outcome is waiting on done.
func (d *Dispatcher) clearPending(id string, slot *commandSlot, p *pendingCommand) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.slots[id] != slot || slot.pending != p {
		return false
	}
	slot.pending = nil
	return true
}

// resolve completes the pending command on a connection with resp.
// It returns false when nothing matching is pending; the caller must then
// discard resp.
func (d *Dispatcher) resolve(id string, resp Response) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.slots[id]
	if !ok || slot.pending == nil {
		return false
	}
	p := slot.pending
	if p.command.Code != resp.Code || p.command.IMEI != resp.IMEI {
		return false
	}
	slot.pending = nil
	p.done <- outcome{resp: resp}
	return true
}

// connectionLost fails the pending command and every queued command on a
// connection that has disconnected.
func (d *Dispatcher) connectionLost(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.slots[id]
	if !ok {
		return
	}
	delete(d.slots, id)

	lost := fmt.Errorf("%w: %s", ErrConnectionLost, id)
	if p := slot.pending; p != nil {
		slot.pending = nil
		p.done <- outcome{err: lost}
	}
	for _, w := range slot.waiters {
		w.ready <- lost
	}
	slot.waiters = nil
}
