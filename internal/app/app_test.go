package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/route"
	"github.com/relabs-tech/gps_remote/internal/transport"
)

// loopbackBroker is an in-memory broker: publishes are delivered to the
// handlers subscribed to the same topic.
type loopbackBroker struct {
	mu       sync.Mutex
	events   transport.Events
	handlers map[string]transport.Handler
	payloads []string
}

func newLoopbackBroker() *loopbackBroker {
	return &loopbackBroker{handlers: make(map[string]transport.Handler)}
}

func (b *loopbackBroker) Connect(events transport.Events) error {
	b.mu.Lock()
	b.events = events
	b.mu.Unlock()
	return nil
}

func (b *loopbackBroker) Publish(topic string, qos byte, retain bool, payload []byte, done func(error)) {
	b.mu.Lock()
	b.payloads = append(b.payloads, topic+" "+string(payload))
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
	done(nil)
}

func (b *loopbackBroker) Subscribe(topic string, qos byte, handler transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *loopbackBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *loopbackBroker) Disconnect(force bool, done func()) {
	done()
}

func (b *loopbackBroker) connect() {
	b.mu.Lock()
	ev := b.events
	b.mu.Unlock()
	ev.OnConnect()
}

func (b *loopbackBroker) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.payloads...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.QueuePause = 0
	cfg.DisconnectTimeout = 1000
	return cfg
}

func connectedSession(t *testing.T, b *loopbackBroker) *transport.Session {
	t.Helper()
	s := transport.NewSession(b, "test")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.connect()
	return s
}

// stepScheduler never ticks on its own; emission comes only from Update.
type stepScheduler struct{}

func (stepScheduler) Every(time.Duration, func()) func() { return func() {} }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestRemoteHandlePublishesCommands(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	remote, err := NewRemote(cfg, connectedSession(t, b), stepScheduler{})
	if err != nil {
		t.Fatalf("NewRemote failed: %v", err)
	}
	defer remote.Close(cfg)

	if err := remote.Handle(ControlMessage{Action: "press", Direction: "forward"}); err != nil {
		t.Fatalf("press failed: %v", err)
	}
	if err := remote.Handle(ControlMessage{Action: "release", Direction: "forward"}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	waitFor(t, "one publish", func() bool { return len(b.published()) == 1 })
	msg := b.published()[0]
	if !strings.HasPrefix(msg, "user/gps/realtime_track ") || !strings.Contains(msg, `"latitude":30.6583`) {
		t.Errorf("unexpected publish %q", msg)
	}

	st := remote.Status()
	if st.Position.Latitude != 30.6583 || st.Pad.Active {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Last == nil || st.Last.Error != "" {
		t.Errorf("expected a successful last command, got %+v", st.Last)
	}
}

func TestRemoteStickContinuesFromPadPosition(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	remote, _ := NewRemote(cfg, connectedSession(t, b), stepScheduler{})
	defer remote.Close(cfg)

	_ = remote.Handle(ControlMessage{Action: "press", Direction: "right"})
	_ = remote.Handle(ControlMessage{Action: "move", X: 0, Y: -50, Max: 50}) // drag down = north
	_ = remote.Handle(ControlMessage{Action: "move"})

	waitFor(t, "two publishes", func() bool { return len(b.published()) == 2 })
	p := remote.Status().Position
	if p.Latitude != 30.6588 || p.Longitude != 104.0663 {
		t.Errorf("expected (30.6588, 104.0663), got %v", p)
	}
	if remote.Status().Pad.Active {
		t.Error("switching to the stick should release the pad")
	}
}

func TestRemoteRejectsBadInput(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	remote, _ := NewRemote(cfg, connectedSession(t, b), stepScheduler{})
	defer remote.Close(cfg)

	for _, msg := range []ControlMessage{
		{Action: "press", Direction: "sideways"},
		{Action: "topic", Topic: "  "},
		{Action: "jump"},
	} {
		if err := remote.Handle(msg); err == nil {
			t.Errorf("%+v: expected error", msg)
		}
	}
	if remote.Status().Topic != "user/gps/realtime_track" {
		t.Error("invalid topic changed the active topic")
	}
}

func TestRemoteIgnoresInputWhileDisconnected(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	session := transport.NewSession(b, "test")
	remote, _ := NewRemote(cfg, session, stepScheduler{})
	defer remote.Close(cfg)

	_ = remote.Handle(ControlMessage{Action: "press", Direction: "up"})
	if n := len(b.published()); n != 0 {
		t.Errorf("expected no publish while disconnected, got %d", n)
	}
	if remote.Status().Pad.Active {
		t.Error("pad should not start while disconnected")
	}
}

func TestRemoteControlWebsocket(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	remote, _ := NewRemote(cfg, connectedSession(t, b), stepScheduler{})
	defer remote.Close(cfg)

	mux := http.NewServeMux()
	remote.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/control", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	send := func(msg ControlMessage) ControlResponse {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		var resp ControlResponse
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		return resp
	}

	if resp := send(ControlMessage{Action: "topic", Topic: "fleet/7"}); resp.Type != "status" || resp.Status.Topic != "fleet/7" {
		t.Errorf("unexpected topic response %+v", resp)
	}
	if resp := send(ControlMessage{Action: "topic", Topic: "fleet/#"}); resp.Type != "error" {
		t.Errorf("expected error for wildcard topic, got %+v", resp)
	}
	if resp := send(ControlMessage{Action: "press", Direction: "down"}); resp.Status == nil || !resp.Status.Pad.Active {
		t.Errorf("expected active pad, got %+v", resp)
	}
	if resp := send(ControlMessage{Action: "stop"}); resp.Status.Pad.Active {
		t.Error("stop should release the pad")
	}

	waitFor(t, "publish on fleet/7", func() bool {
		pubs := b.published()
		return len(pubs) == 1 && strings.HasPrefix(pubs[0], "fleet/7 ")
	})

	res, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer res.Body.Close()
	var st struct {
		Connection struct {
			State string `json:"state"`
		} `json:"connection"`
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Connection.State != "connected" || st.Topic != "fleet/7" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestTrackerEndpoints(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	session := connectedSession(t, b)
	tracker, err := NewTracker(cfg, session)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	if err := tracker.router.Resubscribe(); err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}

	mux := http.NewServeMux()
	tracker.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if res, _ := http.Get(srv.URL + "/api/position"); res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before data, got %d", res.StatusCode)
	}

	publish := func(topic, payload string) {
		session.Publish(topic, []byte(payload), 0, false, func(error) {})
	}
	publish("user/gps/realtime_track", `{"latitude":30.6578,"longitude":104.0658,"timestampMillis":1}`)
	publish("user/gps/realtime_track", `{"latitude":"bad"}`)
	publish("user/gps/realtime_track", `{"lat":30.6583,"lng":104.0658,"timestamp":2}`)

	res, err := http.Get(srv.URL + "/api/track")
	if err != nil {
		t.Fatalf("GET /api/track failed: %v", err)
	}
	var points []gps.Position
	_ = json.NewDecoder(res.Body).Decode(&points)
	res.Body.Close()
	if len(points) != 2 || points[1].Latitude != 30.6583 {
		t.Errorf("unexpected track %v", points)
	}

	res, _ = http.Get(srv.URL + "/api/track.png?w=64&h=64")
	if res.Header.Get("Content-Type") != "image/png" || res.StatusCode != http.StatusOK {
		t.Errorf("unexpected png response %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	res.Body.Close()

	// rebind: fresh track on the new topic
	res, _ = http.Post(srv.URL+"/api/topic", "application/json", bytes.NewBufferString(`{"topic":"fleet/7"}`))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/topic: %d", res.StatusCode)
	}
	res.Body.Close()
	if tracker.acc.Len() != 0 {
		t.Error("rebind should start a fresh track")
	}
	publish("user/gps/realtime_track", `{"latitude":1,"longitude":1,"timestampMillis":3}`)
	publish("fleet/7", `{"latitude":2,"longitude":2,"timestampMillis":4}`)
	if cur, ok := tracker.acc.Current(); !ok || cur.Latitude != 2 {
		t.Errorf("expected the fleet/7 position, got %v", cur)
	}

	res, _ = http.Post(srv.URL+"/api/topic", "application/json", bytes.NewBufferString(`{"topic":"fleet/+"}`))
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for wildcard topic, got %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestTrackerWebsocketPushesPositions(t *testing.T) {
	b := newLoopbackBroker()
	cfg := testConfig(t)
	session := connectedSession(t, b)
	tracker, _ := NewTracker(cfg, session)
	_ = tracker.router.Resubscribe()

	mux := http.NewServeMux()
	tracker.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/track", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var initial []gps.Position
	if err := conn.ReadJSON(&initial); err != nil || len(initial) != 0 {
		t.Fatalf("expected empty initial track, got %v (%v)", initial, err)
	}

	session.Publish("user/gps/realtime_track", []byte(`{"latitude":10,"longitude":20,"timestampMillis":5}`), 0, false, func(error) {})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var p gps.Position
	if err := conn.ReadJSON(&p); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if p.Latitude != 10 || p.Longitude != 20 || p.TimestampMillis != 5 {
		t.Errorf("unexpected position %v", p)
	}
}

func TestReplaySendsRouteOnce(t *testing.T) {
	var got []gps.Position
	send := func(p gps.Position) error {
		got = append(got, p)
		return nil
	}
	clock := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	n, err := replay(context.Background(), route.Demo(), time.Millisecond, false, send, now)
	if err != nil || n != 5 {
		t.Fatalf("expected 5 points sent, got %d (%v)", n, err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampMillis <= got[i-1].TimestampMillis {
			t.Errorf("timestamps not increasing at %d: %v", i, got)
		}
	}
	if got[4].Latitude != 30.6618 {
		t.Errorf("unexpected last point %v", got[4])
	}
}

func TestReplayLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count int
	send := func(gps.Position) error {
		count++
		if count == 12 {
			cancel()
		}
		return nil
	}

	n, err := replay(ctx, route.Demo(), time.Millisecond, true, send, time.Now)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n != 12 {
		t.Errorf("expected 12 points, got %d", n)
	}
}

func TestPumpNMEA(t *testing.T) {
	input := strings.Join([]string{
		"$GPGGA,092750.000,5321.6802,N,00630.3372,W,1,8,1.03,61.7,M,55.2,M,,*76",
		"$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70",
		"$GPRMC,220516,V,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*67",
		"$GPRMC,220517,A,5133.83,N,00042.25,W,173.8,231.8,130694,004.2,W*71",
	}, "\r\n")

	var got []gps.Position
	err := pumpNMEA(strings.NewReader(input), func(p gps.Position) error {
		got = append(got, p)
		return nil
	}, time.Now)
	if err == nil || err.Error() != "EOF" {
		t.Errorf("expected EOF, got %v", err)
	}
	if len(got) != 2 || got[1].Latitude != 51.563833 {
		t.Errorf("unexpected fixes %v", got)
	}
}

func TestPrintPosition(t *testing.T) {
	var buf bytes.Buffer
	printPosition(&buf, "user/gps/realtime_track", 3, gps.Position{Latitude: 30.6583, Longitude: 104.0658, TimestampMillis: 1718000000123})
	want := "[GPS ] user/gps/realtime_track #3 lat=30.658300 lon=104.065800 time=06:13:20.123\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestLoadRoute(t *testing.T) {
	cfg := testConfig(t)
	if rt, err := loadRoute(cfg); err != nil || rt.Name != "demo" {
		t.Errorf("expected demo route, got %v (%v)", rt.Name, err)
	}
	cfg.ReplayFile = syntheticRoute
	if rt, err := loadRoute(cfg); err != nil || len(rt.Points) != 36 {
		t.Errorf("expected synthetic route, got %d points (%v)", len(rt.Points), err)
	}
	cfg.ReplayFile = "missing.yaml"
	if _, err := loadRoute(cfg); err == nil {
		t.Error("expected error for missing file")
	}
}
