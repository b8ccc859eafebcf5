package gps

import (
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// FromRMC converts an RMC sentence into a Position. Void fixes (validity "V")
// are rejected. When the sentence carries no usable date/time, now is used.
func FromRMC(m nmea.RMC, now time.Time) (Position, error) {
	if m.Validity != nmea.ValidRMC {
		return Position{}, fmt.Errorf("rmc fix not valid (validity %q)", m.Validity)
	}

	ts := now
	if m.Date.Valid && m.Time.Valid {
		// RMC carries a two digit year
		year := 2000 + m.Date.YY
		if m.Date.YY >= 80 {
			year = 1900 + m.Date.YY
		}
		ts = time.Date(year, time.Month(m.Date.MM), m.Date.DD,
			m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
	}

	p, err := NewPosition(m.Latitude, m.Longitude, ts.UnixMilli())
	if err != nil {
		return Position{}, err
	}
	return p.Rounded(), nil
}

// ParseSentence parses a single NMEA line and returns the Position of an RMC
// sentence. ok is false for blank lines, non-NMEA noise and other sentence
// types; err is set only for RMC sentences that cannot be turned into a fix.
func ParseSentence(line string, now time.Time) (p Position, ok bool, err error) {
	line = strings.TrimSpace(line)
	// NMEA sentences start with '$'
	if line == "" || !strings.HasPrefix(line, "$") {
		return Position{}, false, nil
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy receivers emit partial sentences
		return Position{}, false, nil
	}
	if sentence.DataType() != nmea.TypeRMC {
		return Position{}, false, nil
	}

	p, err = FromRMC(sentence.(nmea.RMC), now)
	if err != nil {
		return Position{}, false, err
	}
	return p, true, nil
}
