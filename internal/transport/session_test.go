package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeBroker records calls and lets tests fire broker events.
type fakeBroker struct {
	mu           sync.Mutex
	events       Events
	connects     int
	published    []string
	subscribed   []string
	unsubscribed []string
	disconnects  int
	publishErr   error
	holdDisc     bool
	discDone     func()
}

func (f *fakeBroker) Connect(events Events) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	f.connects++
	return nil
}

func (f *fakeBroker) Publish(topic string, qos byte, retain bool, payload []byte, done func(error)) {
	f.mu.Lock()
	f.published = append(f.published, topic+" "+string(payload))
	err := f.publishErr
	f.mu.Unlock()
	go done(err)
}

func (f *fakeBroker) Subscribe(topic string, qos byte, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeBroker) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeBroker) Disconnect(force bool, done func()) {
	f.mu.Lock()
	f.disconnects++
	hold := f.holdDisc
	f.discDone = done
	f.mu.Unlock()
	if !hold {
		done()
	}
}

func (f *fakeBroker) fire() Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeBroker) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func connected(t *testing.T) (*Session, *fakeBroker) {
	t.Helper()
	b := &fakeBroker{}
	s := NewSession(b, "test")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.fire().OnConnect()
	if st := s.Status().State; st != Connected {
		t.Fatalf("expected connected, got %s", st)
	}
	return s, b
}

func TestSessionStateMachine(t *testing.T) {
	b := &fakeBroker{}
	s := NewSession(b, "test")

	var mu sync.Mutex
	var seen []State
	s.OnStatus(func(st Status) {
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	if st := s.Status().State; st != Disconnected {
		t.Fatalf("expected initial state disconnected, got %s", st)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := b.fire()
	ev.OnConnectFailed(errors.New("dial tcp: connection refused"))
	ev.OnReconnecting()
	ev.OnConnect()
	ev.OnConnectionLost(errors.New("read: connection reset"))
	ev.OnReconnecting()
	ev.OnConnect()
	ev.OnConnectionLost(io.EOF)
	ev.OnReconnecting()
	ev.OnConnect()

	if err := s.Disconnect(context.Background(), false); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	want := []State{
		Connecting, Errored, Reconnecting, Connected,
		Errored, Reconnecting, Connected,
		Offline, Reconnecting, Connected,
		Disconnected,
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("transitions:\n got  %v\n want %v", seen, want)
	}
}

func TestSessionErroredCarriesReason(t *testing.T) {
	s, b := connected(t)
	b.fire().OnConnectionLost(errors.New("i/o timeout"))

	st := s.Status()
	if st.State != Errored {
		t.Fatalf("expected errored, got %s", st.State)
	}
	if !errors.Is(st.Reason, ErrConnectionLost) {
		t.Errorf("expected reason to wrap ErrConnectionLost, got %v", st.Reason)
	}

	b.fire().OnReconnecting()
	if st := s.Status(); st.State != Reconnecting || st.Reason == nil {
		t.Errorf("expected reconnecting with reason, got %v", st)
	}
}

func TestPublishFailsFastWhenNotConnected(t *testing.T) {
	b := &fakeBroker{}
	s := NewSession(b, "test")

	for _, setup := range []func(){
		func() {},
		func() { _ = s.Connect() },
		func() { b.fire().OnConnectionLost(errors.New("boom")) },
	} {
		setup()
		var got error
		called := false
		s.Publish("a/b", []byte("x"), 0, false, func(err error) {
			called = true
			got = err
		})
		if !called {
			t.Fatalf("done not called synchronously in state %s", s.Status().State)
		}
		if !errors.Is(got, ErrTransportUnavailable) {
			t.Errorf("expected ErrTransportUnavailable in state %s, got %v", s.Status().State, got)
		}
	}
	if len(b.published) != 0 {
		t.Errorf("broker should not see publishes, got %v", b.published)
	}
}

func TestPublishWhenConnected(t *testing.T) {
	s, b := connected(t)

	done := make(chan error, 1)
	s.Publish("a/b", []byte("x"), 0, false, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish completion")
	}
	if len(b.published) != 1 || b.published[0] != "a/b x" {
		t.Errorf("unexpected broker publishes %v", b.published)
	}
}

func TestSubscribeReissuedAfterReconnect(t *testing.T) {
	s, b := connected(t)

	if err := s.Subscribe("user/gps/realtime_track", 0, func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.fire().OnConnectionLost(errors.New("network unreachable"))
	if err := s.Subscribe("other", 0, func(string, []byte) {}); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable while errored, got %v", err)
	}

	b.fire().OnReconnecting()
	b.fire().OnConnect()

	subs := b.subscriptions()
	if len(subs) != 2 || subs[0] != "user/gps/realtime_track" || subs[1] != "user/gps/realtime_track" {
		t.Errorf("expected subscription re-issued once, got %v", subs)
	}

	if err := s.Unsubscribe("user/gps/realtime_track"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	b.fire().OnConnect()
	if len(b.subscriptions()) != 2 {
		t.Errorf("unsubscribed topic should not be re-issued, got %v", b.subscriptions())
	}
}

func TestDisconnectIdempotentAndIgnoresLateEvents(t *testing.T) {
	s, b := connected(t)

	if err := s.Disconnect(context.Background(), true); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := s.Disconnect(context.Background(), true); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	if b.disconnects != 1 {
		t.Errorf("expected one broker disconnect, got %d", b.disconnects)
	}

	b.fire().OnReconnecting()
	b.fire().OnConnect()
	if st := s.Status().State; st != Disconnected {
		t.Errorf("late events must not revive a closed session, got %s", st)
	}
	if err := s.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on reconnect, got %v", err)
	}
}

func TestDisconnectNeverConnected(t *testing.T) {
	b := &fakeBroker{}
	s := NewSession(b, "test")
	if err := s.Disconnect(context.Background(), false); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if b.disconnects != 0 {
		t.Errorf("broker should not be touched, got %d disconnects", b.disconnects)
	}
}

func TestDisconnectBoundedByContext(t *testing.T) {
	s, b := connected(t)
	b.holdDisc = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Disconnect(ctx, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Disconnect did not respect the context deadline")
	}
	if st := s.Status().State; st != Disconnected {
		t.Errorf("expected disconnected after timeout, got %s", st)
	}
}

func TestWaitConnected(t *testing.T) {
	b := &fakeBroker{}
	s := NewSession(b, "test")
	_ = s.Connect()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.fire().OnConnect()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	_ = s.Disconnect(context.Background(), true)
	if err := s.WaitConnected(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second}
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		5:  16 * time.Second,
		6:  30 * time.Second,
		60: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := b.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, want)
		}
	}
}
