package app

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/router"
)

// pumpNMEA reads NMEA sentences from r and sends the position of every valid
// RMC fix. It returns the read error that ended the stream (io.EOF included).
func pumpNMEA(r io.Reader, send func(gps.Position) error, now func() time.Time) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p, ok, perr := gps.ParseSentence(line, now())
			switch {
			case perr != nil:
				// void fix while the receiver has no lock
				log.Printf("gps producer: %v", perr)
			case ok:
				if serr := send(p); serr != nil {
					log.Printf("gps producer: send %v: %v", p, serr)
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// RunGPSProducer opens the GPS serial port, parses NMEA sentences and
// publishes every RMC fix as a position on the configured topic.
func RunGPSProducer() error {
	cfg := config.Get()
	if cfg.GPSSerialPort == "" {
		return fmt.Errorf("GPS_SERIAL_PORT is required")
	}

	// ---- 1) Connect to MQTT broker ----
	session, err := dial(cfg, "gps")
	if err != nil {
		return err
	}
	q, err := newQueue(cfg, session, nil)
	if err != nil {
		teardown(cfg, "gps producer", nil, session)
		return err
	}
	rt, err := router.New(router.Config{Topic: cfg.Topic, QoS: cfg.MQTTQoS, Sender: q})
	if err != nil {
		teardown(cfg, "gps producer", nil, session)
		return err
	}

	// ---- 2) Open GPS serial port ----
	serialOpts := serial.OpenOptions{
		PortName:              cfg.GPSSerialPort,
		BaudRate:              uint(cfg.GPSBaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(serialOpts)
	if err != nil {
		teardown(cfg, "gps producer", q, session)
		return fmt.Errorf("failed to open GPS serial port: %w", err)
	}
	log.Printf("gps producer: serial port opened on %s at %d baud", serialOpts.PortName, serialOpts.BaudRate)

	// ---- 3) Pump fixes until the port fails or we are interrupted ----
	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- pumpNMEA(port, rt.Send, time.Now)
	}()

	select {
	case <-ctx.Done():
		log.Println("gps producer: shutting down")
		port.Close()
		err = nil
	case err = <-errCh:
		log.Printf("gps producer: read error: %v", err)
		port.Close()
	}

	teardown(cfg, "gps producer", q, session)
	return err
}
