// Package dbtest provides stores for tests. New runs the same bun models and
// schema bootstrap as production on in-memory SQLite. Postgres runs them on
// a real server named by BDMD_TEST_PG_DSN, which is needed to exercise row
// locks.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"bdmd/pkg/database"
	"bdmd/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

// New returns an empty store with every table created.
func New(t testing.TB) *database.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serializes
	// transactions the way a row lock would.
	sqldb.SetMaxOpenConns(1)

	db := database.Wrap(bun.NewDB(sqldb, sqlitedialect.New()))
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

// PostgresDSNEnv names the server Postgres connects to.
const PostgresDSNEnv = "BDMD_TEST_PG_DSN"

// Postgres returns a store on the server named by BDMD_TEST_PG_DSN with every
// table dropped and recreated. The test is skipped when the variable is
// unset.
func Postgres(t testing.TB) *database.DB {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := database.Wrap(bun.NewDB(sqldb, pgdialect.New()))
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.DeviceTarget)(nil),
		(*models.TargetService)(nil),
		(*models.Service)(nil),
		(*models.TargetIP)(nil),
		(*models.Target)(nil),
		(*models.Message)(nil),
		(*models.BlacklistEntry)(nil),
		(*models.Device)(nil),
	} {
		_, err := db.NewDropTable().Model(model).IfExists().Cascade().Exec(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, db.InitSchema(ctx))
	return db
}

// Target describes a target to seed.
type Target struct {
	FQDN      string
	IP        string
	Service   string
	Info      string
	Exclusive bool
	DateFree  time.Time
}

// SeedTarget inserts tgt with an address effective a day ago and returns
// its id.
func SeedTarget(t testing.TB, db *database.DB, tgt Target) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := db.UpsertTarget(ctx, database.TargetEntry{
		FQDN:      tgt.FQDN,
		IP:        tgt.IP,
		Effective: time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second),
		Services: []database.ServiceEntry{
			{Name: tgt.Service, Info: tgt.Info, Exclusive: tgt.Exclusive},
		},
	})
	require.NoError(t, err)

	if !tgt.DateFree.IsZero() {
		SetDateFree(t, db, id, tgt.DateFree)
	}
	return id
}

func SetDateFree(t testing.TB, db *database.DB, targetID int64, at time.Time) {
	t.Helper()
	_, err := db.NewUpdate().
		Model((*models.Target)(nil)).
		Set("date_free = ?", at.UTC()).
		Where("id = ?", targetID).
		Exec(context.Background())
	require.NoError(t, err)
}

// Assign gives deviceID an enabled assignment to targetID.
func Assign(t testing.TB, db *database.DB, deviceID string, targetID int64, preference int) {
	t.Helper()
	require.NoError(t, db.AssignTarget(context.Background(), &models.DeviceTarget{
		DeviceID:      deviceID,
		TargetID:      targetID,
		Preference:    preference,
		IsEnabled:     true,
		DateEffective: time.Now().UTC().Truncate(time.Second),
	}))
}

// DateFree reads a target's current date_free.
func DateFree(t testing.TB, db *database.DB, targetID int64) time.Time {
	t.Helper()
	target := new(models.Target)
	require.NoError(t, db.NewSelect().Model(target).Where("id = ?", targetID).Scan(context.Background()))
	return target.DateFree.UTC()
}
