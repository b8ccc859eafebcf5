package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/route"
	"github.com/relabs-tech/gps_remote/internal/router"
)

// syntheticRoute is the REPLAY_FILE value selecting route.Synthetic.
const syntheticRoute = "synthetic"

func loadRoute(cfg *config.Config) (route.Route, error) {
	switch cfg.ReplayFile {
	case "":
		return route.Demo(), nil
	case syntheticRoute:
		center := gps.Position{Latitude: cfg.StartLatitude, Longitude: cfg.StartLongitude}
		return route.Synthetic(center, 0.001, 36), nil
	}
	return route.Load(cfg.ReplayFile)
}

// replay sends the points of rt one per interval, the first one immediately,
// each stamped with the send time. With loop it starts over until ctx is
// done. It returns the number of points sent.
func replay(ctx context.Context, rt route.Route, interval time.Duration, loop bool, send func(gps.Position) error, now func() time.Time) (int, error) {
	if len(rt.Points) == 0 {
		return 0, route.ErrEmptyRoute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	var lastTS int64
	for i := 0; ; i = (i + 1) % len(rt.Points) {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		p := rt.Points[i]
		p.TimestampMillis = now().UnixMilli()
		if p.TimestampMillis <= lastTS {
			p.TimestampMillis = lastTS + 1
		}
		lastTS = p.TimestampMillis

		if err := send(p); err != nil {
			log.Printf("replay: send %v: %v", p, err)
		} else {
			sent++
		}

		if !loop && i == len(rt.Points)-1 {
			return sent, nil
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunReplay publishes a route (REPLAY_FILE, the built-in demo track or a
// synthetic loop) and disconnects once it has been sent.
func RunReplay() error {
	cfg := config.Get()

	rt, err := loadRoute(cfg)
	if err != nil {
		return err
	}
	log.Printf("replay: route %q with %d points every %s", rt.Name, len(rt.Points), cfg.ReplayIntervalDuration())

	session, err := dial(cfg, "replay")
	if err != nil {
		return err
	}
	q, err := newQueue(cfg, session, nil)
	if err != nil {
		teardown(cfg, "replay", nil, session)
		return err
	}
	r, err := router.New(router.Config{Topic: cfg.Topic, QoS: cfg.MQTTQoS, Sender: q})
	if err != nil {
		teardown(cfg, "replay", nil, session)
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeoutDuration())
	err = session.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		teardown(cfg, "replay", q, session)
		return fmt.Errorf("replay: %w", err)
	}

	sent, err := replay(ctx, rt, cfg.ReplayIntervalDuration(), cfg.ReplayLoop, r.Send, time.Now)
	log.Printf("replay: %d points queued on %s", sent, r.Topic())

	teardown(cfg, "replay", q, session)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
