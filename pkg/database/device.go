package database

import (
	"context"
	"database/sql"
	"errors"

	"bdmd/pkg/models"

	"github.com/uptrace/bun"
)

// UpsertDevice records a ping. It reports whether the device was new.
func (db *DB) UpsertDevice(ctx context.Context, device *models.Device) (bool, error) {
	exists, err := db.NewSelect().
		Model((*models.Device)(nil)).
		Where("id = ?", device.ID).
		Exists(ctx)
	if err != nil {
		return false, storeError("looking up device", err)
	}

	if exists {
		_, err = db.NewUpdate().
			Model(device).
			Column("ip", "last_seen", "version").
			WherePK().
			Exec(ctx)
		if err != nil {
			return false, storeError("updating device", err)
		}
		return false, nil
	}

	// A concurrent first ping may have inserted the row since the lookup.
	_, err = db.NewInsert().
		Model(device).
		On("CONFLICT (id) DO UPDATE").
		Set("ip = EXCLUDED.ip").
		Set("last_seen = EXCLUDED.last_seen").
		Set("version = EXCLUDED.version").
		Exec(ctx)
	if err != nil {
		return false, storeError("inserting device", err)
	}
	return true, nil
}

func (db *DB) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	device := new(models.Device)
	err := db.NewSelect().
		Model(device).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeError("querying device", err)
	}
	return device, nil
}

// IsBlacklisted reports whether deviceID is on the denylist.
func (db *DB) IsBlacklisted(ctx context.Context, deviceID string) (bool, error) {
	found, err := db.NewSelect().
		Model((*models.BlacklistEntry)(nil)).
		Where("device_id = ?", deviceID).
		Exists(ctx)
	if err != nil {
		return false, storeError("checking blacklist", err)
	}
	return found, nil
}

func (db *DB) AddToBlacklist(ctx context.Context, deviceID string) error {
	_, err := db.NewInsert().
		Model(&models.BlacklistEntry{DeviceID: deviceID}).
		On("CONFLICT (device_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return storeError("adding blacklist entry", err)
	}
	return nil
}

// QueueMessage appends a message to the recipient's mailbox.
func (db *DB) QueueMessage(ctx context.Context, from, to, body string) error {
	_, err := db.NewInsert().
		Model(&models.Message{From: from, To: to, Body: body}).
		Exec(ctx)
	if err != nil {
		return storeError("queueing message", err)
	}
	return nil
}

// DrainMessage removes and returns the oldest (lowest id) message addressed
// to deviceID, or nil when the mailbox is empty. Select and delete share a
// transaction; on Postgres the row is locked with SKIP LOCKED so two
// concurrent drains never hand out the same message.
func (db *DB) DrainMessage(ctx context.Context, deviceID string) (*models.Message, error) {
	var drained *models.Message

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		msg := new(models.Message)
		q := tx.NewSelect().
			Model(msg).
			Where("msgto = ?", deviceID).
			OrderExpr("id ASC").
			Limit(1)
		if db.isPostgres() {
			q = q.For("UPDATE SKIP LOCKED")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		if _, err := tx.NewDelete().Model(msg).WherePK().Exec(ctx); err != nil {
			return err
		}
		drained = msg
		return nil
	})
	if err != nil {
		return nil, storeError("draining mailbox", err)
	}

	return drained, nil
}

// PendingMessages lists a mailbox without draining it.
func (db *DB) PendingMessages(ctx context.Context, deviceID string) ([]models.Message, error) {
	var messages []models.Message
	err := db.NewSelect().
		Model(&messages).
		Where("msgto = ?", deviceID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, storeError("listing messages", err)
	}
	return messages, nil
}
