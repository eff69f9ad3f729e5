// Package dispatcher runs one probe datagram through decoding, the
// blacklist and the handler of its command.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bdmd/pkg/database"
	"bdmd/pkg/logsink"
	"bdmd/pkg/metrics"
	"bdmd/pkg/probe"
)

// State is where a request ended up.
type State string

const (
	StateReceived         State = "received"
	StateParsed           State = "parsed"
	StateBlacklistChecked State = "blacklist_checked"
	StateDispatched       State = "dispatched"
	StateReplied          State = "replied"
	StateDropped          State = "dropped"
)

// Drop reasons.
const (
	ReasonMalformed            = "malformed"
	ReasonMalformedMeasurement = "malformed_measurement"
	ReasonBlacklisted          = "blacklisted"
	ReasonUnknownCommand       = "unknown_command"
	ReasonStoreError           = "store_error"
	ReasonTimeout              = "timeout"
	ReasonInvalidDeviceID      = "invalid_device_id"
	ReasonError                = "error"
)

type Blacklist interface {
	IsBlacklisted(ctx context.Context, deviceID string) (bool, error)
}

type PingHandler interface {
	HandlePing(ctx context.Context, req *probe.Request) (probe.Reply, error)
}

type LogIngester interface {
	Ingest(ctx context.Context, req *probe.Request) error
}

type Scheduler interface {
	Schedule(ctx context.Context, req *probe.Request) (probe.Reply, error)
}

// Result describes how a datagram was handled. Reply is only set when
// State is StateReplied, and may still be empty (log acknowledgements).
type Result struct {
	Request *probe.Request
	State   State
	Reason  string
	Reply   probe.Reply
	Err     error
}

type Dispatcher struct {
	blacklist Blacklist
	registry  PingHandler
	logs      LogIngester
	scheduler Scheduler
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(blacklist Blacklist, registry PingHandler, logs LogIngester, scheduler Scheduler, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		blacklist: blacklist,
		registry:  registry,
		logs:      logs,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
	}
}

// Handle processes one datagram. It never fails: errors end the request in
// StateDropped and are logged with the given logger.
func (d *Dispatcher) Handle(ctx context.Context, data []byte, host string, arrival time.Time, logger *slog.Logger) Result {
	if logger == nil {
		logger = d.logger
	}
	start := time.Now()

	res := d.handle(ctx, data, host, arrival)

	command := ""
	if res.Request != nil {
		command = res.Request.Command
		logger = logger.With("device", res.Request.DeviceID, "command", command)
	}

	switch {
	case res.State == StateReplied:
		logger.Debug("Request handled", "reply_bytes", len(res.Reply.Payload))
	case res.Reason == ReasonBlacklisted:
		logger.Debug("Blacklisted device ignored")
	case res.Err != nil:
		logger.Error("Request dropped", "reason", res.Reason, "error", res.Err)
	default:
		logger.Warn("Request dropped", "reason", res.Reason)
	}
	d.metrics.RequestDone(command, string(res.State), res.Reason, time.Since(start))

	return res
}

func (d *Dispatcher) handle(ctx context.Context, data []byte, host string, arrival time.Time) Result {
	res := Result{State: StateReceived}

	req, err := probe.Decode(data, host, arrival)
	if err != nil {
		return res.drop(ReasonMalformed, fmt.Errorf("%w from %s: %q", err, host, truncate(data)))
	}
	res.Request = req
	res.State = StateParsed

	blacklisted, err := d.blacklist.IsBlacklisted(ctx, req.DeviceID)
	if err != nil {
		return res.drop(classify(ctx, err), err)
	}
	if blacklisted {
		return res.drop(ReasonBlacklisted, nil)
	}
	res.State = StateBlacklistChecked

	res.State = StateDispatched
	var reply probe.Reply
	switch req.Command {
	case probe.CommandPing:
		reply, err = d.registry.HandlePing(ctx, req)
	case probe.CommandLog:
		err = d.logs.Ingest(ctx, req)
	case probe.CommandMeasure:
		reply, err = d.scheduler.Schedule(ctx, req)
	case probe.CommandEcho:
		reply = probe.Reply{Payload: fmt.Sprintf("echo_reply: '%s %s %s'", req.DeviceID, req.Command, req.Param)}
	default:
		return res.drop(ReasonUnknownCommand, nil)
	}
	if err != nil {
		return res.drop(classify(ctx, err), err)
	}
	// A reply computed after the deadline is stale.
	if ctx.Err() != nil {
		return res.drop(ReasonTimeout, ctx.Err())
	}

	res.State = StateReplied
	res.Reply = reply
	return res
}

func (r Result) drop(reason string, err error) Result {
	r.State = StateDropped
	r.Reason = reason
	r.Err = err
	r.Reply = probe.Reply{}
	return r
}

func classify(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, probe.ErrMalformedMeasurementRequest):
		return ReasonMalformedMeasurement
	case errors.Is(err, database.ErrStoreUnavailable):
		return ReasonStoreError
	case errors.Is(err, logsink.ErrInvalidDeviceID):
		return ReasonInvalidDeviceID
	}
	return ReasonError
}

func truncate(data []byte) string {
	const limit = 64
	s := strings.ToValidUTF8(string(data), "?")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
