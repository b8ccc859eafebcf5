// Package route provides position sequences for the replay producer: YAML
// route files, NMEA logs and a synthetic loop.
package route

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/gps_remote/internal/gps"
)

var ErrEmptyRoute = errors.New("route has no points")

// Route is an ordered list of positions. Timestamps are informational; the
// replayer restamps every point at send time.
type Route struct {
	Name   string
	Points []gps.Position
}

type yamlPoint struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type yamlRoute struct {
	Name   string      `yaml:"name"`
	Points []yamlPoint `yaml:"points"`
}

// Demo is the five-point track published by the original demo publisher.
func Demo() Route {
	return Route{
		Name: "demo",
		Points: []gps.Position{
			{Latitude: 30.6578, Longitude: 104.0658},
			{Latitude: 30.6588, Longitude: 104.0668},
			{Latitude: 30.6598, Longitude: 104.0678},
			{Latitude: 30.6608, Longitude: 104.0688},
			{Latitude: 30.6618, Longitude: 104.0698},
		},
	}
}

// Load picks the loader from the file extension: .yaml/.yml or
// .nmea/.log/.txt.
func Load(path string) (Route, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path)
	case ".nmea", ".log", ".txt":
		return LoadNMEA(path)
	}
	return Route{}, fmt.Errorf("route: unsupported file type %q", path)
}

// LoadYAML reads a route file of the form
//
//	name: river walk
//	points:
//	  - {latitude: 30.6578, longitude: 104.0658}
func LoadYAML(path string) (Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return Route{}, fmt.Errorf("route: %w", err)
	}
	defer f.Close()

	rt, err := ParseYAML(f)
	if err != nil {
		return Route{}, fmt.Errorf("route %s: %w", path, err)
	}
	if rt.Name == "" {
		rt.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return rt, nil
}

func ParseYAML(r io.Reader) (Route, error) {
	var doc yamlRoute
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Route{}, fmt.Errorf("parse yaml: %w", err)
	}

	rt := Route{Name: doc.Name}
	for i, pt := range doc.Points {
		p, err := gps.NewPosition(pt.Latitude, pt.Longitude, 0)
		if err != nil {
			return Route{}, fmt.Errorf("point %d: %w", i, err)
		}
		rt.Points = append(rt.Points, p.Rounded())
	}
	if len(rt.Points) == 0 {
		return Route{}, ErrEmptyRoute
	}
	return rt, nil
}

// LoadNMEA reads the valid RMC fixes of an NMEA log. Other sentences and
// unparseable lines are skipped.
func LoadNMEA(path string) (Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return Route{}, fmt.Errorf("route: %w", err)
	}
	defer f.Close()

	rt, err := ParseNMEA(f, time.Now())
	if err != nil {
		return Route{}, fmt.Errorf("route %s: %w", path, err)
	}
	rt.Name = filepath.Base(path)
	return rt, nil
}

// ParseNMEA collects RMC fixes; now completes fixes that carry no date.
func ParseNMEA(r io.Reader, now time.Time) (Route, error) {
	var rt Route
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p, ok, err := gps.ParseSentence(scanner.Text(), now)
		if err != nil || !ok {
			continue
		}
		rt.Points = append(rt.Points, p)
	}
	if err := scanner.Err(); err != nil {
		return Route{}, fmt.Errorf("read nmea: %w", err)
	}
	if len(rt.Points) == 0 {
		return Route{}, ErrEmptyRoute
	}
	return rt, nil
}

// Synthetic returns a closed loop of steps points on a circle of radius
// degrees around center.
func Synthetic(center gps.Position, radius float64, steps int) Route {
	if steps < 1 {
		steps = 1
	}
	rt := Route{Name: "synthetic", Points: make([]gps.Position, 0, steps)}
	for i := 0; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		rt.Points = append(rt.Points, center.Offset(radius*math.Sin(a), radius*math.Cos(a)))
	}
	return rt
}
