// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/input"
	"github.com/relabs-tech/gps_remote/internal/queue"
	"github.com/relabs-tech/gps_remote/internal/router"
	"github.com/relabs-tech/gps_remote/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // control pages are served from anywhere on the LAN
	},
}

// ControlMessage is one input event sent by a control page over /ws/control.
type ControlMessage struct {
	Action    string  `json:"action"`              // press, release, move, stop, topic
	Direction string  `json:"direction,omitempty"` // press/release: up, down, left, right
	X         float64 `json:"x,omitempty"`         // move: stick deflection, or pixels when Max is set
	Y         float64 `json:"y,omitempty"`
	Max       float64 `json:"max,omitempty"` // move: max pixel displacement
	Topic     string  `json:"topic,omitempty"`
}

// ControlResponse answers every ControlMessage.
type ControlResponse struct {
	Type    string        `json:"type"` // status, error
	Message string        `json:"message,omitempty"`
	Status  *RemoteStatus `json:"status,omitempty"`
}

// LastCommand describes the most recent queue outcome.
type LastCommand struct {
	Position gps.Position `json:"position"`
	Topic    string       `json:"topic"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

// RemoteStatus is served on /api/status and pushed after every control event.
type RemoteStatus struct {
	Connection transport.Status `json:"connection"`
	Topic      string           `json:"topic"`
	Position   gps.Position     `json:"position"`
	Pad        input.Status     `json:"pad"`
	Stick      input.Status     `json:"stick"`
	Queue      queue.Stats      `json:"queue"`
	Last       *LastCommand     `json:"last,omitempty"`
}

// Remote is the remote-control client: a pad and a stick share one simulated
// position and feed the command queue through the router.
type Remote struct {
	session *transport.Session
	queue   *queue.Queue
	router  *router.Router

	padSrc   *input.Pad
	stickSrc *input.Stick
	pad      *input.Controller
	stick    *input.Controller

	mu     sync.Mutex
	active *input.Controller // controller that last moved the position
}

// NewRemote wires the remote on top of session, which may still be connecting.
func NewRemote(cfg *config.Config, session *transport.Session, sched input.Scheduler) (*Remote, error) {
	q, err := newQueue(cfg, session, nil)
	if err != nil {
		return nil, err
	}
	rt, err := router.New(router.Config{Topic: cfg.Topic, QoS: cfg.MQTTQoS, Sender: q})
	if err != nil {
		return nil, err
	}

	start, err := gps.NewPosition(cfg.StartLatitude, cfg.StartLongitude, 0)
	if err != nil {
		return nil, fmt.Errorf("start position: %w", err)
	}

	r := &Remote{
		session:  session,
		queue:    q,
		router:   rt,
		padSrc:   input.NewPad(),
		stickSrc: input.NewStick(),
	}
	r.pad = input.NewController(r.padSrc, rt.Send, input.Config{
		Name:      "remote pad",
		Step:      cfg.DiscreteStep,
		Interval:  cfg.DiscreteIntervalDuration(),
		Start:     start,
		Scheduler: sched,
		Ready:     session.Connected,
	})
	r.stick = input.NewController(r.stickSrc, rt.Send, input.Config{
		Name:      "remote stick",
		Step:      cfg.ContinuousStep,
		Interval:  cfg.ContinuousIntervalDuration(),
		Start:     start,
		Scheduler: sched,
		Ready:     session.Connected,
	})
	r.active = r.pad
	return r, nil
}

// use makes c the controller driving the position, handing the position over
// from the other one if it was last in use.
func (r *Remote) use(c *input.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == c {
		return
	}
	r.active.EmergencyStop()
	c.SetPosition(r.active.Position())
	r.active = c
}

// Handle applies one control event.
func (r *Remote) Handle(msg ControlMessage) error {
	switch msg.Action {
	case "press", "release":
		dir, err := input.ParseDirection(msg.Direction)
		if err != nil {
			return err
		}
		r.use(r.pad)
		if msg.Action == "press" {
			r.padSrc.Press(dir)
		} else {
			r.padSrc.Release(dir)
		}
		r.pad.Update()

	case "move":
		r.use(r.stick)
		v := input.Vector{X: msg.X, Y: msg.Y}
		if msg.Max > 0 {
			v = input.StickFromPixels(msg.X, msg.Y, msg.Max)
		}
		if v.IsZero() {
			r.stickSrc.Release()
		} else {
			r.stickSrc.Move(v.X, v.Y)
		}
		r.stick.Update()

	case "stop":
		r.pad.EmergencyStop()
		r.stick.EmergencyStop()

	case "topic":
		return r.router.SetTopic(msg.Topic)

	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	return nil
}

// Status returns the current remote status.
func (r *Remote) Status() RemoteStatus {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	st := RemoteStatus{
		Connection: r.session.Status(),
		Topic:      r.router.Topic(),
		Position:   active.Position(),
		Pad:        r.pad.Status(),
		Stick:      r.stick.Status(),
		Queue:      r.queue.Stats(),
	}
	if res, ok := r.queue.Last(); ok {
		last := &LastCommand{Position: res.Entry.Position, Topic: res.Entry.Topic, At: res.At}
		if res.Err != nil {
			last.Error = res.Err.Error()
		}
		st.Last = last
	}
	return st
}

// Routes registers /ws/control and /api/status on mux.
func (r *Remote) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/control", r.handleControlWS)
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Status()); err != nil {
			log.Printf("remote: json encode error: %v", err)
		}
	})
}

func (r *Remote) handleControlWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("remote: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("remote: control page connected from %s", req.RemoteAddr)

	// a page that goes away must not leave a button held
	defer func() {
		r.pad.EmergencyStop()
		r.stick.EmergencyStop()
	}()

	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("remote: websocket read error: %v", err)
			}
			return
		}

		resp := ControlResponse{Type: "status"}
		if err := r.Handle(msg); err != nil {
			resp = ControlResponse{Type: "error", Message: err.Error()}
			if errors.Is(err, router.ErrInvalidTopic) {
				log.Printf("remote: rejected topic %q", msg.Topic)
			}
		}
		st := r.Status()
		resp.Status = &st
		if err := conn.WriteJSON(resp); err != nil {
			log.Printf("remote: websocket write error: %v", err)
			return
		}
	}
}

// Close stops input, drains the queue and disconnects, in that order.
func (r *Remote) Close(cfg *config.Config) {
	r.pad.Close()
	r.stick.Close()
	teardown(cfg, "remote", r.queue, r.session)
}

// RunRemote connects to the broker and serves the control websocket until
// interrupted.
func RunRemote() error {
	cfg := config.Get()

	session, err := dial(cfg, "remote")
	if err != nil {
		return err
	}

	remote, err := NewRemote(cfg, session, input.TickerScheduler{})
	if err != nil {
		teardown(cfg, "remote", nil, session)
		return err
	}
	session.OnStatus(func(st transport.Status) {
		if st.State != transport.Connected {
			// controls are disabled while the transport is down
			remote.pad.EmergencyStop()
			remote.stick.EmergencyStop()
		}
	})

	mux := http.NewServeMux()
	remote.Routes(mux)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	return serve(cfg, "remote", mux, func() { remote.Close(cfg) })
}
