package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Device is a probe that has pinged the daemon at least once.
type Device struct {
	bun.BaseModel `bun:"table:devices,alias:d"`

	ID       string    `bun:"id,pk"`
	IP       string    `bun:"ip,notnull"`
	LastSeen time.Time `bun:"last_seen,notnull"`
	Version  string    `bun:"version"`
}

// BlacklistEntry marks a device id that must never receive a reply.
type BlacklistEntry struct {
	bun.BaseModel `bun:"table:blacklist,alias:b"`

	DeviceID string `bun:"device_id,pk"`
}

// Message is a mailbox row. Messages addressed to a device are handed out
// one per ping, lowest id first.
type Message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID   int64  `bun:"id,pk,autoincrement"`
	From string `bun:"msgfrom,notnull"`
	To   string `bun:"msgto,notnull"`
	Body string `bun:"msg"`
}

