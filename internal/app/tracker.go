package app

import (
	"encoding/json"
	"errors"
	"image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/render"
	"github.com/relabs-tech/gps_remote/internal/router"
	"github.com/relabs-tech/gps_remote/internal/track"
	"github.com/relabs-tech/gps_remote/internal/transport"
)

const (
	thumbWidth  = 320
	thumbHeight = 240
	thumbMax    = 2048
)

// Tracker is the consumer: it accumulates the track of the router's topic
// and serves it over HTTP and websocket.
type Tracker struct {
	session *transport.Session
	acc     *track.Accumulator
	router  *router.Router
}

// TrackerStatus is served on /api/status.
type TrackerStatus struct {
	Connection transport.Status `json:"connection"`
	Topic      string           `json:"topic"`
	Subscribed string           `json:"subscribed"`
	Track      track.Stats      `json:"track"`
}

type topicRequest struct {
	Topic string `json:"topic"`
}

// NewTracker wires a tracker on session. Nothing is subscribed until
// Resubscribe succeeds.
func NewTracker(cfg *config.Config, session *transport.Session) (*Tracker, error) {
	acc := track.New(cfg.Topic, cfg.TrackLimit)
	rt, err := router.New(router.Config{
		Topic:      cfg.Topic,
		QoS:        cfg.MQTTQoS,
		Subscriber: session,
		Sink:       acc,
	})
	if err != nil {
		return nil, err
	}
	return &Tracker{session: session, acc: acc, router: rt}, nil
}

// Routes registers the tracker endpoints on mux.
func (t *Tracker) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/position", t.handlePosition)
	mux.HandleFunc("/api/track", t.handleTrack)
	mux.HandleFunc("/api/track.png", t.handleTrackPNG)
	mux.HandleFunc("/api/topic", t.handleTopic)
	mux.HandleFunc("/api/status", t.handleStatus)
	mux.HandleFunc("/ws/track", t.handleTrackWS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("tracker: json encode error: %v", err)
	}
}

func (t *Tracker) handlePosition(w http.ResponseWriter, _ *http.Request) {
	p, ok := t.acc.Current()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (t *Tracker) handleTrack(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, t.acc.Snapshot())
}

func (t *Tracker) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TrackerStatus{
		Connection: t.session.Status(),
		Topic:      t.router.Topic(),
		Subscribed: t.router.Subscribed(),
		Track:      t.acc.Stats(),
	})
}

func dimension(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 32 || v > thumbMax {
		return def
	}
	return v
}

func (t *Tracker) handleTrackPNG(w http.ResponseWriter, r *http.Request) {
	img := render.Track(t.acc.Snapshot(), dimension(r, "w", thumbWidth), dimension(r, "h", thumbHeight))
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		log.Printf("tracker: png encode error: %v", err)
	}
}

// handleTopic rebinds the consumer: POST {"topic": "..."} sets the topic and
// resubscribes, which starts a fresh track.
func (t *Tracker) handleTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, topicRequest{Topic: t.router.Topic()})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req topicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := t.router.SetTopic(req.Topic); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := t.router.Resubscribe(); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, transport.ErrTransportUnavailable) {
			// retried on the next connect
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	log.Printf("tracker: now tracking %s", t.router.Subscribed())
	writeJSON(w, http.StatusOK, topicRequest{Topic: t.router.Subscribed()})
}

// handleTrackWS sends the current track, then every accepted position.
func (t *Tracker) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("tracker: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates := make(chan gps.Position, 64)
	cancel := t.acc.Watch(func(p gps.Position) {
		select {
		case updates <- p:
		default:
			// slow client, it can refetch /api/track
		}
	})
	defer cancel()

	if err := conn.WriteJSON(t.acc.Snapshot()); err != nil {
		return
	}

	// the reader only notices the page going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case p := <-updates:
			if err := conn.WriteJSON(p); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
					log.Printf("tracker: websocket write error: %v", err)
				}
				return
			}
		}
	}
}

// RunTracker subscribes to the configured topic and serves the track until
// interrupted.
func RunTracker() error {
	cfg := config.Get()

	session, err := dial(cfg, "tracker")
	if err != nil {
		return err
	}
	tracker, err := NewTracker(cfg, session)
	if err != nil {
		teardown(cfg, "tracker", nil, session)
		return err
	}
	stopSub := subscribeWhenConnected("tracker", session, tracker.router.Resubscribe)

	mux := http.NewServeMux()
	tracker.Routes(mux)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	return serve(cfg, "tracker", mux, func() {
		stopSub()
		teardown(cfg, "tracker", nil, session)
	})
}
