// Package logsink stores log uploads from probes.
package logsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bdmd/pkg/probe"

	"github.com/spf13/afero"
)

var ErrInvalidDeviceID = errors.New("invalid device id")

const timeLayout = "2006-01-02T15:04:05"

// Store queues the acknowledgement of an upload.
type Store interface {
	QueueMessage(ctx context.Context, from, to, body string) error
}

type Sink struct {
	fs        afero.Fs
	dir       string
	recipient string
	store     Store
	logger    *slog.Logger
}

// New returns a sink writing one <device_id>.log file per device under dir. Every upload is
// also queued as a message to recipient.
func New(fs afero.Fs, dir, recipient string, store Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{fs: fs, dir: dir, recipient: recipient, store: store, logger: logger}
}

// Ingest appends the upload to the device's log file and queues a message
// carrying the tag. The message is queued even when the file write fails.
func (s *Sink) Ingest(ctx context.Context, req *probe.Request) (err error) {
	defer func() {
		if qerr := s.store.QueueMessage(ctx, req.DeviceID, s.recipient, req.Param); qerr != nil {
			err = errors.Join(err, fmt.Errorf("queueing log acknowledgement: %w", qerr))
		}
	}()

	if werr := s.appendRecord(req); werr != nil {
		s.logger.Warn("Failed to write device log", "device", req.DeviceID, "error", werr)
		return werr
	}
	return nil
}

// Path returns the log file of deviceID.
func (s *Sink) Path(deviceID string) (string, error) {
	if err := checkID(deviceID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, deviceID+".log"), nil
}

func (s *Sink) appendRecord(req *probe.Request) error {
	path, err := s.Path(req.DeviceID)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := s.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening device log: %w", err)
	}

	_, err = fmt.Fprintf(f, "%s - %s\n%s\nEND - %s\n", req.Arrival.UTC().Format(timeLayout), req.Param, req.Payload, req.Param)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing device log: %w", err)
	}
	return nil
}

// checkID rejects ids that are not a plain file name.
func checkID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}
