package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bdmd/pkg/models"

	"github.com/uptrace/bun"
)

// TargetQuery describes which targets a measurement request may use.
// A non-empty DeviceID selects the device's enabled assignments; otherwise
// only the target named FQDN is considered.
type TargetQuery struct {
	DeviceID string
	FQDN     string
	Service  string
	Arrival  time.Time
	// Horizon excludes exclusive targets not free before it.
	Horizon time.Time
}

// Candidate is the target row picked for a booking.
type Candidate struct {
	TargetID    int64     `bun:"target_id"`
	FQDN        string    `bun:"fqdn"`
	IP          string    `bun:"ip"`
	Info        string    `bun:"info"`
	DateFree    time.Time `bun:"date_free"`
	CurrCli     int       `bun:"curr_cli"`
	MaxCli      int       `bun:"max_cli"`
	IsExclusive bool      `bun:"is_exclusive"`
}

// BookFunc decides a booking for the locked candidate. When advance is true
// the target's date_free is set to freeAt before the transaction commits.
type BookFunc func(c Candidate) (freeAt time.Time, advance bool)

// HasEnabledTargets reports whether the assignment job gave deviceID any
// enabled targets.
func (db *DB) HasEnabledTargets(ctx context.Context, deviceID string) (bool, error) {
	found, err := db.NewSelect().
		Model((*models.DeviceTarget)(nil)).
		Where("device_id = ?", deviceID).
		Where("is_enabled = TRUE").
		Exists(ctx)
	if err != nil {
		return false, storeError("checking device targets", err)
	}
	return found, nil
}

// ReserveTarget selects the best eligible target and, under the same
// transaction, applies the booking returned by book. On Postgres the target
// row stays locked (FOR UPDATE OF t) until commit, so concurrent bookings of
// one exclusive target are serialized. It returns nil when nothing is
// eligible.
func (db *DB) ReserveTarget(ctx context.Context, q TargetQuery, book BookFunc) (*Candidate, error) {
	var picked *Candidate

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var c Candidate
		if err := db.candidateQuery(tx, q).Scan(ctx, &c); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		if freeAt, advance := book(c); advance {
			_, err := tx.NewUpdate().
				Model((*models.Target)(nil)).
				Set("date_free = ?", freeAt).
				Where("id = ?", c.TargetID).
				Exec(ctx)
			if err != nil {
				return err
			}
			c.DateFree = freeAt
		}
		picked = &c
		return nil
	})
	if err != nil {
		return nil, storeError("reserving target", err)
	}

	return picked, nil
}

func (db *DB) candidateQuery(idb bun.IDB, q TargetQuery) *bun.SelectQuery {
	sq := idb.NewSelect().
		TableExpr("targets AS t").
		ColumnExpr("t.id AS target_id").
		ColumnExpr("t.fqdn AS fqdn").
		ColumnExpr("ti.ip AS ip").
		ColumnExpr("ts.info AS info").
		ColumnExpr("t.date_free AS date_free").
		ColumnExpr("t.curr_cli AS curr_cli").
		ColumnExpr("t.max_cli AS max_cli").
		ColumnExpr("s.is_exclusive AS is_exclusive").
		Join("JOIN target_ips AS ti ON ti.target_id = t.id").
		Join("JOIN target_services AS ts ON ts.target_id = t.id").
		Join("JOIN services AS s ON s.id = ts.service_id").
		Where("t.available = TRUE").
		Where("ti.date_effective = (SELECT max(ti2.date_effective) FROM target_ips AS ti2 "+
			"WHERE ti2.target_id = t.id AND ti2.date_effective <= ?)", q.Arrival).
		Where("s.name = ?", q.Service).
		Where("(s.is_exclusive = FALSE OR t.date_free < ?)", q.Horizon)

	if q.DeviceID != "" {
		sq = sq.
			Join("JOIN device_targets AS dt ON dt.target_id = t.id").
			Where("dt.device_id = ?", q.DeviceID).
			Where("dt.is_enabled = TRUE").
			OrderExpr("dt.preference DESC")
	} else {
		sq = sq.Where("t.fqdn = ?", q.FQDN)
	}

	sq = sq.OrderExpr("t.date_free ASC").Limit(1)

	if db.isPostgres() {
		sq = sq.For("UPDATE OF t")
	}
	return sq
}

// GetTarget loads a target by its fully-qualified name.
func (db *DB) GetTarget(ctx context.Context, fqdn string) (*models.Target, error) {
	target := new(models.Target)
	err := db.NewSelect().
		Model(target).
		Where("fqdn = ?", fqdn).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeError("querying target", err)
	}
	return target, nil
}
