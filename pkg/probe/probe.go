// Package probe decodes datagrams sent by measurement probes and encodes the
// daemon's replies.
//
// A datagram is ASCII text of the form
//
//	<device_id> <command> <param> [<free text...>]
//
// Replies are raw text with no framing.
package probe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedRequest            = errors.New("malformed request")
	ErrMalformedMeasurementRequest = errors.New("malformed measurement request")
)

const (
	CommandPing    = "ping"
	CommandLog     = "log"
	CommandMeasure = "measure"
	CommandEcho    = "echo"
)

// MaxMeasurementDuration bounds the duration a device may request.
const MaxMeasurementDuration = 24 * time.Hour

// Request is one decoded datagram.
type Request struct {
	DeviceID string
	Command  string
	Param    string
	// Payload is the remainder after the third token with surrounding
	// whitespace removed. It may be empty.
	Payload string
	Host    string
	Arrival time.Time
}

// Decode splits data on whitespace into at most four tokens. Arrival is
// truncated to whole seconds in UTC.
func Decode(data []byte, host string, arrival time.Time) (*Request, error) {
	fields := splitN(string(data), 4)
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: got %d tokens", ErrMalformedRequest, len(fields))
	}

	req := &Request{
		DeviceID: fields[0],
		Command:  fields[1],
		Param:    fields[2],
		Host:     host,
		Arrival:  arrival.UTC().Truncate(time.Second),
	}
	if len(fields) == 4 {
		req.Payload = strings.TrimSpace(fields[3])
	}
	return req, nil
}

// splitN behaves like strings.Fields but stops after n-1 splits, leaving the
// rest of s (leading whitespace removed) as the last element.
func splitN(s string, n int) []string {
	var out []string
	for len(out) < n-1 {
		s = strings.TrimLeft(s, " \t\r\n\v\f")
		if s == "" {
			return out
		}
		i := strings.IndexAny(s, " \t\r\n\v\f")
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	if s = strings.TrimLeft(s, " \t\r\n\v\f"); s != "" {
		out = append(out, s)
	}
	return out
}

// Reply is the text sent back to the probe.
type Reply struct {
	Payload string
}

// Empty reports whether no datagram should be sent.
func (r Reply) Empty() bool {
	return r.Payload == ""
}

func (r Reply) Encode() []byte {
	return []byte(r.Payload)
}

// Measurement is the parsed parameter of a measure command.
type Measurement struct {
	Category string
	Type     string
	Zone     string
	Duration time.Duration
}

// ParseMeasurement reads "<category> <type> <zone> <duration_seconds>" from
// the request's param and payload.
func ParseMeasurement(req *Request) (*Measurement, error) {
	fields := strings.Fields(req.Param + " " + req.Payload)
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedMeasurementRequest, len(fields))
	}

	secs, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: duration %q is not an integer", ErrMalformedMeasurementRequest, fields[3])
	}
	if secs < 0 {
		return nil, fmt.Errorf("%w: negative duration %d", ErrMalformedMeasurementRequest, secs)
	}
	if secs > int(MaxMeasurementDuration/time.Second) {
		return nil, fmt.Errorf("%w: duration %d exceeds %s", ErrMalformedMeasurementRequest, secs, MaxMeasurementDuration)
	}

	return &Measurement{
		Category: fields[0],
		Type:     fields[1],
		Zone:     fields[2],
		Duration: time.Duration(secs) * time.Second,
	}, nil
}
