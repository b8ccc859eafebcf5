package gps

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedMessage is returned by Decode for payloads that are not a JSON
// object carrying numeric, in-range latitude and longitude fields.
var ErrMalformedMessage = errors.New("malformed position message")

// Encode rounds p to 6 decimals and marshals it as a UTF-8 JSON object:
//
//	{"latitude":30.6583,"longitude":104.0658,"timestampMillis":1718000000000}
func Encode(p Position) ([]byte, error) {
	payload, err := json.Marshal(p.Rounded())
	if err != nil {
		return nil, fmt.Errorf("encode position: %w", err)
	}
	return payload, nil
}

// Decode parses a position payload. Unknown fields are ignored. The keys
// "lat", "lng" and "timestamp" written by older producers are accepted when
// the canonical keys are absent. A missing timestamp decodes as 0.
func Decode(payload []byte) (Position, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Position{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	lat, err := coordinate(fields, "latitude", "lat")
	if err != nil {
		return Position{}, err
	}
	lng, err := coordinate(fields, "longitude", "lng")
	if err != nil {
		return Position{}, err
	}
	ts, err := timestamp(fields, "timestampMillis", "timestamp")
	if err != nil {
		return Position{}, err
	}

	p := Position{Latitude: lat, Longitude: lng, TimestampMillis: ts}
	if err := p.Validate(); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return p, nil
}

// lookup returns the first present, non-null value among keys.
func lookup(fields map[string]json.RawMessage, keys ...string) (string, json.RawMessage, bool) {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok || string(raw) == "null" {
			continue
		}
		return k, raw, true
	}
	return "", nil, false
}

func coordinate(fields map[string]json.RawMessage, keys ...string) (float64, error) {
	key, raw, ok := lookup(fields, keys...)
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedMessage, keys[0])
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %q is not a number: %s", ErrMalformedMessage, key, raw)
	}
	return v, nil
}

func timestamp(fields map[string]json.RawMessage, keys ...string) (int64, error) {
	key, raw, ok := lookup(fields, keys...)
	if !ok {
		return 0, nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		return 0, fmt.Errorf("%w: %q is not a number: %s", ErrMalformedMessage, key, raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %q is not a number: %s", ErrMalformedMessage, key, raw)
	}
	if ms, err := n.Int64(); err == nil {
		return ms, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q out of range: %s", ErrMalformedMessage, key, raw)
	}
	return int64(math.Round(f)), nil
}
