package measurement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bdmd/pkg/config"
	"bdmd/pkg/database"
	"bdmd/pkg/metrics"
	"bdmd/pkg/probe"
)

const (
	PathAssigned = "assigned"
	PathDefault  = "default"
)

// noTarget is the reply sent when nothing can be booked.
var noTarget = probe.Reply{Payload: " "}

// Store is the subset of the database the scheduler needs.
type Store interface {
	HasEnabledTargets(ctx context.Context, deviceID string) (bool, error)
	ReserveTarget(ctx context.Context, q database.TargetQuery, book database.BookFunc) (*database.Candidate, error)
}

// Booking is the outcome of Plan for one candidate target.
type Booking struct {
	Delay        time.Duration
	MeasureStart time.Time
	// FreeAt is the new date_free; only meaningful when Advance is set.
	FreeAt  time.Time
	Advance bool
}

// Plan computes the booking of a target that is free at dateFree. Delay is
// rounded up to whole seconds since probes are told seconds.
func Plan(arrival, dateFree time.Time, exclusive bool, timeError, duration time.Duration) Booking {
	var delay time.Duration
	if exclusive && dateFree.After(arrival) {
		delay = dateFree.Sub(arrival)
		if rem := delay % time.Second; rem != 0 {
			delay += time.Second - rem
		}
	}

	b := Booking{
		Delay:        delay,
		MeasureStart: arrival.Add(timeError).Add(delay),
	}
	if exclusive {
		b.FreeAt = b.MeasureStart.Add(duration)
		b.Advance = true
	}
	return b
}

type Scheduler struct {
	store   Store
	cfg     config.SchedulerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewScheduler(store Store, cfg config.SchedulerConfig, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Schedule books a target for a measure request and builds the reply.
func (s *Scheduler) Schedule(ctx context.Context, req *probe.Request) (probe.Reply, error) {
	m, err := probe.ParseMeasurement(req)
	if err != nil {
		return probe.Reply{}, err
	}

	assigned, err := s.store.HasEnabledTargets(ctx, req.DeviceID)
	if err != nil {
		return probe.Reply{}, fmt.Errorf("looking up targets of %s: %w", req.DeviceID, err)
	}

	q := database.TargetQuery{
		Service: m.Type,
		Arrival: req.Arrival,
		Horizon: req.Arrival.Add(s.cfg.MaxDelay),
	}
	path := PathDefault
	if assigned {
		path = PathAssigned
		q.DeviceID = req.DeviceID
	} else {
		q.FQDN = s.cfg.DefaultTarget
	}

	// A request whose deadline passed must not move date_free; nobody will
	// hear the reply.
	if err := ctx.Err(); err != nil {
		return probe.Reply{}, fmt.Errorf("booking %s target for %s: %w", m.Type, req.DeviceID, err)
	}

	var booking Booking
	target, err := s.store.ReserveTarget(ctx, q, func(c database.Candidate) (time.Time, bool) {
		booking = Plan(req.Arrival, c.DateFree, c.IsExclusive, s.cfg.TimeError, m.Duration)
		return booking.FreeAt, booking.Advance
	})
	if err != nil {
		return probe.Reply{}, fmt.Errorf("booking %s target for %s: %w", m.Type, req.DeviceID, err)
	}

	if target == nil {
		s.logger.Info("No target available",
			"device", req.DeviceID,
			"type", m.Type,
			"category", m.Category,
			"default_target", path == PathDefault)
		s.metrics.Booking(path, "no_target", 0)
		return noTarget, nil
	}

	s.logger.Info("Measurement scheduled",
		"device", req.DeviceID,
		"category", m.Category,
		"type", m.Type,
		"zone", m.Zone,
		"target", target.FQDN,
		"ip", target.IP,
		"exclusive", target.IsExclusive,
		"measure_start", booking.MeasureStart,
		"duration", m.Duration,
		"default_target", path == PathDefault)
	s.metrics.Booking(path, "booked", booking.Delay)

	return probe.Reply{
		Payload: fmt.Sprintf("%s %s %d\n", target.IP, target.Info, int64(booking.Delay/time.Second)),
	}, nil
}
