// Package registry keeps track of probes and delivers their mailbox.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bdmd/pkg/models"
	"bdmd/pkg/probe"
)

// Store is the subset of the database the registry needs.
type Store interface {
	UpsertDevice(ctx context.Context, device *models.Device) (bool, error)
	DrainMessage(ctx context.Context, deviceID string) (*models.Message, error)
}

type Registry struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Register creates or refreshes the device that sent a ping. The ping's
// param is the firmware version.
func (r *Registry) Register(ctx context.Context, req *probe.Request) (*models.Device, error) {
	device := &models.Device{
		ID:       req.DeviceID,
		IP:       req.Host,
		LastSeen: req.Arrival,
		Version:  req.Param,
	}

	created, err := r.store.UpsertDevice(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("registering device %s: %w", req.DeviceID, err)
	}
	if created {
		r.logger.Info("New device registered", "device", device.ID, "ip", device.IP, "version", device.Version)
	}
	return device, nil
}

// DrainOneMessage removes and returns the oldest message for deviceID. ok is
// false when the mailbox is empty.
func (r *Registry) DrainOneMessage(ctx context.Context, deviceID string) (body string, ok bool, err error) {
	msg, err := r.store.DrainMessage(ctx, deviceID)
	if err != nil {
		return "", false, fmt.Errorf("draining mailbox of %s: %w", deviceID, err)
	}
	if msg == nil {
		return "", false, nil
	}
	r.logger.Debug("Message delivered", "device", deviceID, "message_id", msg.ID, "from", msg.From)
	return msg.Body, true, nil
}

// PingReply returns the drained message if there is one and a pong
// otherwise. A drained message with an empty body is consumed but answered
// with a pong, since an empty reply is never sent.
func PingReply(device *models.Device, arrival time.Time, body string, drained bool) probe.Reply {
	if drained && body != "" {
		return probe.Reply{Payload: body}
	}
	return probe.Reply{Payload: fmt.Sprintf("pong %s %d", device.IP, arrival.Unix())}
}

// HandlePing runs the whole ping exchange: register, drain, reply.
func (r *Registry) HandlePing(ctx context.Context, req *probe.Request) (probe.Reply, error) {
	device, err := r.Register(ctx, req)
	if err != nil {
		return probe.Reply{}, err
	}

	body, drained, err := r.DrainOneMessage(ctx, device.ID)
	if err != nil {
		return probe.Reply{}, err
	}
	return PingReply(device, req.Arrival, body, drained), nil
}
