package database

import (
	"context"
	"time"

	"bdmd/pkg/models"

	"github.com/uptrace/bun"
)

// TargetEntry is one target of an operator-maintained catalogue.
type TargetEntry struct {
	FQDN      string
	IP        string
	Effective time.Time
	Services  []ServiceEntry
}

type ServiceEntry struct {
	Name      string
	Info      string
	Exclusive bool
}

// UpsertTarget creates or refreshes a target, its address as of
// e.Effective and its services. An existing target keeps its date_free.
func (db *DB) UpsertTarget(ctx context.Context, e TargetEntry) (int64, error) {
	var targetID int64

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		target := &models.Target{
			FQDN:      e.FQDN,
			DateFree:  time.Unix(0, 0).UTC(),
			Available: true,
		}
		err := tx.NewInsert().
			Model(target).
			On("CONFLICT (fqdn) DO UPDATE").
			Set("available = EXCLUDED.available").
			Returning("id").
			Scan(ctx)
		if err != nil {
			return err
		}
		targetID = target.ID

		_, err = tx.NewInsert().
			Model(&models.TargetIP{TargetID: target.ID, IP: e.IP, DateEffective: e.Effective}).
			On("CONFLICT (target_id, date_effective) DO UPDATE").
			Set("ip = EXCLUDED.ip").
			Exec(ctx)
		if err != nil {
			return err
		}

		for _, se := range e.Services {
			svc := &models.Service{Name: se.Name, IsExclusive: se.Exclusive}
			err := tx.NewInsert().
				Model(svc).
				On("CONFLICT (name) DO UPDATE").
				Set("is_exclusive = EXCLUDED.is_exclusive").
				Returning("id").
				Scan(ctx)
			if err != nil {
				return err
			}

			_, err = tx.NewInsert().
				Model(&models.TargetService{TargetID: target.ID, ServiceID: svc.ID, Info: se.Info}).
				On("CONFLICT (target_id, service_id) DO UPDATE").
				Set("info = EXCLUDED.info").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeError("upserting target", err)
	}

	return targetID, nil
}

// AssignTarget writes a device_targets row. The assignment job owns this
// table in production; the daemon only uses it from tooling and tests.
func (db *DB) AssignTarget(ctx context.Context, dt *models.DeviceTarget) error {
	_, err := db.NewInsert().
		Model(dt).
		On("CONFLICT (device_id, target_id) DO UPDATE").
		Set("preference = EXCLUDED.preference").
		Set("is_enabled = EXCLUDED.is_enabled").
		Set("is_permanent = EXCLUDED.is_permanent").
		Set("date_effective = EXCLUDED.date_effective").
		Exec(ctx)
	if err != nil {
		return storeError("assigning target", err)
	}
	return nil
}
