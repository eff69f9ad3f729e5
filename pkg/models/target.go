package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Target is a measurement server. DateFree is the earliest time its
// exclusive services can be booked again.
type Target struct {
	bun.BaseModel `bun:"table:targets,alias:t"`

	ID        int64     `bun:"id,pk,autoincrement"`
	FQDN      string    `bun:"fqdn,unique,notnull"`
	DateFree  time.Time `bun:"date_free,notnull"`
	CurrCli   int       `bun:"curr_cli,notnull"`
	MaxCli    int       `bun:"max_cli,notnull"`
	Available bool      `bun:"available,notnull"`
}

// TargetIP is one address of a target. The live address at time T is the
// row with the latest DateEffective not after T.
type TargetIP struct {
	bun.BaseModel `bun:"table:target_ips,alias:ti"`

	TargetID      int64     `bun:"target_id,pk"`
	IP            string    `bun:"ip,notnull"`
	DateEffective time.Time `bun:"date_effective,pk"`
}

type Service struct {
	bun.BaseModel `bun:"table:services,alias:s"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Name        string `bun:"name,unique,notnull"`
	IsExclusive bool   `bun:"is_exclusive,notnull"`
}

// TargetService says which services a target offers. Info is returned to
// the probe verbatim with a booking.
type TargetService struct {
	bun.BaseModel `bun:"table:target_services,alias:ts"`

	TargetID  int64  `bun:"target_id,pk"`
	ServiceID int64  `bun:"service_id,pk"`
	Info      string `bun:"info"`
}

// DeviceTarget is written by the offline assignment job; higher Preference
// wins. Only enabled rows are considered when scheduling.
type DeviceTarget struct {
	bun.BaseModel `bun:"table:device_targets,alias:dt"`

	DeviceID      string    `bun:"device_id,pk"`
	TargetID      int64     `bun:"target_id,pk"`
	Preference    int       `bun:"preference,notnull"`
	IsEnabled     bool      `bun:"is_enabled,notnull"`
	IsPermanent   bool      `bun:"is_permanent,notnull"`
	DateEffective time.Time `bun:"date_effective,notnull"`
}
