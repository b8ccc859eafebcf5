package app

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/router"
	"github.com/relabs-tech/gps_remote/internal/track"
)

// printPosition writes one accepted position as a console line.
func printPosition(w io.Writer, topic string, n int64, p gps.Position) {
	fmt.Fprintf(w,
		"[GPS ] %s #%d lat=%.6f lon=%.6f time=%s\n",
		topic, n, p.Latitude, p.Longitude,
		time.UnixMilli(p.TimestampMillis).UTC().Format("15:04:05.000"),
	)
}

// RunConsole prints every accepted position of the configured topic until
// interrupted.
func RunConsole() error {
	cfg := config.Get()

	session, err := dial(cfg, "console")
	if err != nil {
		return err
	}

	acc := track.New(cfg.Topic, 1)
	rt, err := router.New(router.Config{Topic: cfg.Topic, QoS: cfg.MQTTQoS, Subscriber: session, Sink: acc})
	if err != nil {
		teardown(cfg, "console", nil, session)
		return err
	}

	var count atomic.Int64
	acc.Watch(func(p gps.Position) {
		printPosition(os.Stdout, acc.Topic(), count.Add(1), p)
	})
	stopSub := subscribeWhenConnected("console", session, rt.Resubscribe)
	log.Printf("console: waiting for positions on %s", cfg.Topic)

	// Wait for Ctrl+C
	ctx, stop := signalContext()
	defer stop()
	<-ctx.Done()

	log.Println("console: shutting down")
	stopSub()
	teardown(cfg, "console", nil, session)
	return nil
}
