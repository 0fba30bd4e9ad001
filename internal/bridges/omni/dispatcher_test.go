package omni

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// pipeLock is the device end of a net.Pipe registered with a dispatcher.
type pipeLock struct {
	id   string
	imei string
	conn net.Conn
	r    *bufio.Reader
}

func newPipeLock(t *testing.T, reg *Registry, id, imei string) *pipeLock {
	t.Helper()
	server, device := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = device.Close()
	})
	reg.Register(id, server)
	if imei != "" {
		if _, err := reg.UpdateIMEI(id, imei); err != nil {
			t.Fatal(err)
		}
	}
	return &pipeLock{id: id, imei: imei, conn: device, r: bufio.NewReader(device)}
}

// next reads one outbound frame and decodes it.
func (l *pipeLock) next(t *testing.T) Response {
	t.Helper()
	_ = l.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := l.r.ReadBytes(frameEnd)
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	return decodeOutbound(t, frame)
}

func decodeOutbound(t *testing.T, frame []byte) Response {
	t.Helper()
	i := bytes.Index(frame, []byte(outboundHeader))
	if i < 0 {
		t.Fatalf("not an outbound frame: %q", frame)
	}
	if !bytes.Equal(frame[:i], framePrefix) && !bytes.Equal(bytes.TrimSpace(frame[:i]), framePrefix) {
		t.Errorf("frame prefix = %q", frame[:i])
	}
	inbound := append([]byte(inboundHeader), frame[i+len(outboundHeader):]...)
	resp, err := Decode(inbound)
	if err != nil {
		t.Fatalf("decode command %q: %v", frame, err)
	}
	return resp
}

type callResult struct {
	res Result
	err error
}

func async(fn func() (Result, error)) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := fn()
		ch <- callResult{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("command did not complete")
		return callResult{}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func queueLen(d *Dispatcher, id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slot, ok := d.slots[id]; ok {
		return len(slot.waiters)
	}
	return 0
}

func ack(imei string, code Code, params ...string) Response {
	return Response{IMEI: imei, Code: code, Timestamp: "240101000000", Parameters: params}
}

func newTestDispatcher(cfg Config) (*Dispatcher, *Registry) {
	reg := NewRegistry()
	d := NewDispatcher(reg, cfg)
	d.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return d, reg
}

func TestDispatcherUnlock(t *testing.T) {
	tests := []struct {
		name       string
		resetTime  bool
		userID     string
		ackParam   string
		wantFlag   string
		wantUser   string
		wantResult bool
	}{
		{"reset success", true, "", "0", "0", "0", true},
		{"keep timer success", false, "", "0", "1", "0", true},
		{"named user", true, "rider-42", "0", "0", "rider-42", true},
		{"lock reports failure", true, "", "1", "0", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, reg := newTestDispatcher(Config{})
			lock := newPipeLock(t, reg, "10.0.0.1:5000", testIMEI)

			done := async(func() (Result, error) {
				return d.UnlockAs(context.Background(), lock.id, tt.resetTime, tt.userID)
			})

			cmd := lock.next(t)
			if cmd.Code != CodeUnlock || cmd.IMEI != testIMEI {
				t.Fatalf("command = %+v", cmd)
			}
			wantParams := []string{tt.wantFlag, tt.wantUser, "1700000000"}
			for i, p := range wantParams {
				if cmd.Param(i) != p {
					t.Errorf("param %d = %q, want %q", i, cmd.Param(i), p)
				}
			}

			if !d.resolve(lock.id, ack(testIMEI, CodeUnlock, tt.ackParam, "0", "1700000000")) {
				t.Fatal("resolve() = false")
			}

			r := await(t, done)
			if r.err != nil {
				t.Fatalf("Unlock() error = %v", r.err)
			}
			if r.res.Success != tt.wantResult || r.res.Code != CodeUnlock || r.res.IMEI != testIMEI {
				t.Errorf("result = %+v", r.res)
			}
			if _, pending := d.Pending(lock.id); pending {
				t.Error("slot still pending after completion")
			}
		})
	}
}

func TestDispatcherLockAndStatusHaveNoParameters(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	lock := newPipeLock(t, reg, "a", testIMEI)

	for _, tc := range []struct {
		code Code
		call func() (Result, error)
	}{
		{CodeLock, func() (Result, error) { return d.Lock(context.Background(), "a") }},
		{CodeStatus, func() (Result, error) { return d.GetStatus(context.Background(), "a") }},
	} {
		done := async(tc.call)
		cmd := lock.next(t)
		if cmd.Code != tc.code || len(cmd.Parameters) != 0 {
			t.Errorf("command = %+v", cmd)
		}
		d.resolve("a", ack(testIMEI, tc.code, "0"))
		if r := await(t, done); r.err != nil || !r.res.Success {
			t.Errorf("%s = %+v, %v", tc.code, r.res, r.err)
		}
	}
}

func TestDispatcherUnknownLock(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	newPipeLock(t, reg, "anonymous", "")

	for _, id := range []string{"missing", "anonymous"} {
		_, err := d.Unlock(context.Background(), id, true)
		if !errors.Is(err, ErrUnknownLock) {
			t.Errorf("Unlock(%s) error = %v, want ErrUnknownLock", id, err)
		}
	}
}

func TestDispatcherCommandInFlight(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	lock := newPipeLock(t, reg, "a", testIMEI)

	first := async(func() (Result, error) { return d.Lock(context.Background(), "a") })
	lock.next(t)

	if _, err := d.GetStatus(context.Background(), "a"); !errors.Is(err, ErrCommandInFlight) {
		t.Fatalf("second command error = %v, want ErrCommandInFlight", err)
	}

	d.resolve("a", ack(testIMEI, CodeLock, "0"))
	if r := await(t, first); r.err != nil {
		t.Fatalf("first command error = %v", r.err)
	}

	// The slot is reusable immediately.
	next := async(func() (Result, error) { return d.GetStatus(context.Background(), "a") })
	lock.next(t)
	d.resolve("a", ack(testIMEI, CodeStatus, "0"))
	if r := await(t, next); r.err != nil {
		t.Fatalf("follow-up command error = %v", r.err)
	}
}

func TestDispatcherQueueFIFO(t *testing.T) {
	d, reg := newTestDispatcher(Config{QueueCommands: true})
	lock := newPipeLock(t, reg, "a", testIMEI)
	ctx := context.Background()

	first := async(func() (Result, error) { return d.Lock(ctx, "a") })
	if got := lock.next(t); got.Code != CodeLock {
		t.Fatalf("first frame = %s", got.Code)
	}

	second := async(func() (Result, error) { return d.GetStatus(ctx, "a") })
	waitUntil(t, "second queued", func() bool { return queueLen(d, "a") == 1 })
	third := async(func() (Result, error) { return d.Unlock(ctx, "a", true) })
	waitUntil(t, "third queued", func() bool { return queueLen(d, "a") == 2 })

	d.resolve("a", ack(testIMEI, CodeLock, "0"))
	if r := await(t, first); r.err != nil || r.res.Code != CodeLock {
		t.Fatalf("first = %+v, %v", r.res, r.err)
	}

	if got := lock.next(t); got.Code != CodeStatus {
		t.Fatalf("second frame = %s, want S5", got.Code)
	}
	d.resolve("a", ack(testIMEI, CodeStatus, "0"))
	if r := await(t, second); r.err != nil || r.res.Code != CodeStatus {
		t.Fatalf("second = %+v, %v", r.res, r.err)
	}

	if got := lock.next(t); got.Code != CodeUnlock {
		t.Fatalf("third frame = %s, want L0", got.Code)
	}
	d.resolve("a", ack(testIMEI, CodeUnlock, "0"))
	if r := await(t, third); r.err != nil || r.res.Code != CodeUnlock {
		t.Fatalf("third = %+v, %v", r.res, r.err)
	}
}

func TestDispatcherQueueLimits(t *testing.T) {
	d, reg := newTestDispatcher(Config{
		QueueCommands: true,
		MaxQueueDepth: 1,
		QueueTimeout:  300 * time.Millisecond,
	})
	lock := newPipeLock(t, reg, "a", testIMEI)
	ctx := context.Background()

	first := async(func() (Result, error) { return d.Lock(ctx, "a") })
	lock.next(t)

	queued := async(func() (Result, error) { return d.GetStatus(ctx, "a") })
	waitUntil(t, "queued", func() bool { return queueLen(d, "a") == 1 })

	if _, err := d.GetStatus(ctx, "a"); !errors.Is(err, ErrCommandInFlight) {
		t.Errorf("over-depth command error = %v, want ErrCommandInFlight", err)
	}

	if r := await(t, queued); !errors.Is(r.err, ErrTimeout) {
		t.Errorf("queued command error = %v, want ErrTimeout", r.err)
	}
	if n := queueLen(d, "a"); n != 0 {
		t.Errorf("queue length after timeout = %d", n)
	}

	d.resolve("a", ack(testIMEI, CodeLock, "0"))
	if r := await(t, first); r.err != nil {
		t.Errorf("first command error = %v", r.err)
	}
}

func TestDispatcherCommandTimeout(t *testing.T) {
	d, reg := newTestDispatcher(Config{CommandTimeout: 50 * time.Millisecond})
	lock := newPipeLock(t, reg, "a", testIMEI)

	done := async(func() (Result, error) { return d.Lock(context.Background(), "a") })
	lock.next(t)

	if r := await(t, done); !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", r.err)
	}
	if _, ok := d.Pending("a"); ok {
		t.Error("slot still pending after timeout")
	}
}

func TestDispatcherTimeoutDiscardsLateResponse(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	lock := newPipeLock(t, reg, "a", testIMEI)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := async(func() (Result, error) { return d.Lock(ctx, "a") })
	lock.next(t)

	if r := await(t, done); !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", r.err)
	}

	if d.resolve("a", ack(testIMEI, CodeLock, "0")) {
		t.Error("late response was applied")
	}

	// A late acknowledgement never completes the next command.
	next := async(func() (Result, error) { return d.GetStatus(context.Background(), "a") })
	lock.next(t)
	if d.resolve("a", ack(testIMEI, CodeLock, "0")) {
		t.Error("L1 response resolved a pending S5")
	}
	d.resolve("a", ack(testIMEI, CodeStatus, "0"))
	if r := await(t, next); r.err != nil || r.res.Code != CodeStatus {
		t.Errorf("next = %+v, %v", r.res, r.err)
	}
}

func TestDispatcherCancelVersusTimeout(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		ctx          func() (context.Context, context.CancelFunc)
		cancelAfter  bool
		wantCause    error
		wantTimeouts uint64
		wantCanceled uint64
	}{
		{
			name:         "lock never answers",
			cfg:          Config{CommandTimeout: 50 * time.Millisecond},
			ctx:          func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			wantTimeouts: 1,
		},
		{
			name:         "caller cancels",
			ctx:          func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			cancelAfter:  true,
			wantCause:    context.Canceled,
			wantCanceled: 1,
		},
		{
			name:         "caller deadline",
			ctx:          func() (context.Context, context.CancelFunc) { return context.WithTimeout(context.Background(), 50*time.Millisecond) },
			wantCause:    context.DeadlineExceeded,
			wantCanceled: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, reg := newTestDispatcher(tt.cfg)
			lock := newPipeLock(t, reg, "a", testIMEI)

			ctx, cancel := tt.ctx()
			defer cancel()
			done := async(func() (Result, error) { return d.Lock(ctx, "a") })
			lock.next(t)
			if tt.cancelAfter {
				cancel()
			}

			r := await(t, done)
			if !errors.Is(r.err, ErrTimeout) {
				t.Errorf("error = %v, want ErrTimeout", r.err)
			}
			if tt.wantCause != nil && !errors.Is(r.err, tt.wantCause) {
				t.Errorf("error = %v, want wrapping %v", r.err, tt.wantCause)
			}
			if got := d.counters.timeouts.Load(); got != tt.wantTimeouts {
				t.Errorf("timeouts = %d, want %d", got, tt.wantTimeouts)
			}
			if got := d.counters.canceled.Load(); got != tt.wantCanceled {
				t.Errorf("canceled = %d, want %d", got, tt.wantCanceled)
			}
		})
	}
}

func TestDispatcherResolveMismatch(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	lock := newPipeLock(t, reg, "a", testIMEI)

	if d.resolve("a", ack(testIMEI, CodeLock, "0")) {
		t.Error("resolve() with nothing pending = true")
	}

	done := async(func() (Result, error) { return d.Lock(context.Background(), "a") })
	lock.next(t)

	if d.resolve("a", ack(testIMEI, CodeUnlock, "0")) {
		t.Error("resolve() with wrong code = true")
	}
	if d.resolve("a", ack("other-imei", CodeLock, "0")) {
		t.Error("resolve() with wrong imei = true")
	}
	if code, ok := d.Pending("a"); !ok || code != CodeLock {
		t.Errorf("Pending() = %s, %v", code, ok)
	}

	d.resolve("a", ack(testIMEI, CodeLock, "0"))
	await(t, done)
}

func TestDispatcherConnectionLost(t *testing.T) {
	d, reg := newTestDispatcher(Config{QueueCommands: true})
	lock := newPipeLock(t, reg, "a", testIMEI)

	first := async(func() (Result, error) { return d.Lock(context.Background(), "a") })
	lock.next(t)
	queued := async(func() (Result, error) { return d.GetStatus(context.Background(), "a") })
	waitUntil(t, "queued", func() bool { return queueLen(d, "a") == 1 })

	d.connectionLost("a")

	for name, ch := range map[string]<-chan callResult{"pending": first, "queued": queued} {
		if r := await(t, ch); !errors.Is(r.err, ErrConnectionLost) {
			t.Errorf("%s command error = %v, want ErrConnectionLost", name, r.err)
		}
	}
	if _, ok := d.Pending("a"); ok {
		t.Error("slot survived connectionLost")
	}
}

func TestDispatcherWriteFailureClosesConnection(t *testing.T) {
	d, reg := newTestDispatcher(Config{WriteTimeout: 100 * time.Millisecond})
	lock := newPipeLock(t, reg, "a", testIMEI)
	_ = lock.conn.Close()

	_, err := d.Lock(context.Background(), "a")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("error = %v, want ErrConnectionLost", err)
	}

	conn, _, lookupErr := reg.Lookup("a")
	if lookupErr != nil {
		t.Fatal(lookupErr)
	}
	if _, err := conn.Write([]byte("x")); err == nil {
		t.Error("server side still writable after failed send")
	}
}

func TestDispatcherEmitsCommandEvents(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	lock := newPipeLock(t, reg, "a", testIMEI)

	events := make(chan Event, 4)
	d.emit = func(e Event) { events <- e }

	done := async(func() (Result, error) { return d.Lock(context.Background(), "a") })
	lock.next(t)
	d.resolve("a", ack(testIMEI, CodeLock, "0"))
	await(t, done)

	e := <-events
	if e.Type != EventCommand || e.Result == nil || !e.Result.Success || e.Error != "" {
		t.Errorf("success event = %+v", e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done = async(func() (Result, error) { return d.Lock(ctx, "a") })
	lock.next(t)
	await(t, done)

	e = <-events
	if e.Type != EventCommand || e.Result != nil || e.Error == "" {
		t.Errorf("timeout event = %+v", e)
	}
}

func TestDispatcherRecordsOrigin(t *testing.T) {
	d, reg := newTestDispatcher(Config{})
	lock := newPipeLock(t, reg, "a", testIMEI)

	events := make(chan Event, 1)
	d.emit = func(e Event) { events <- e }

	ctx := WithOrigin(context.Background(), Origin{Source: SourceConsole, UserID: "ops-4"})
	done := async(func() (Result, error) { return d.UnlockAs(ctx, "a", true, "ops-4") })
	lock.next(t)
	d.resolve("a", ack(testIMEI, CodeUnlock, "0"))
	await(t, done)

	e := <-events
	if e.Source != SourceConsole || e.UserID != "ops-4" {
		t.Errorf("event origin = %q/%q, want console/ops-4", e.Source, e.UserID)
	}
}

func TestOriginFromEmptyContext(t *testing.T) {
	if o := OriginFrom(context.Background()); o != (Origin{}) {
		t.Errorf("OriginFrom(empty) = %+v", o)
	}
}
