package database_test

import (
	"context"
	"testing"
	"time"

	"bdmd/pkg/database"
	"bdmd/pkg/database/dbtest"
	"bdmd/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deviceID = "OW0123456789AB"

func TestUpsertDevice(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	seen := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	created, err := db.UpsertDevice(ctx, &models.Device{ID: deviceID, IP: "10.0.0.1", LastSeen: seen, Version: "v1.2.3"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.UpsertDevice(ctx, &models.Device{ID: deviceID, IP: "10.0.0.2", LastSeen: seen.Add(time.Minute), Version: "v1.2.4"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := db.GetDevice(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.IP)
	assert.Equal(t, "v1.2.4", got.Version)
	assert.True(t, got.LastSeen.Equal(seen.Add(time.Minute)))
}

func TestBlacklist(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)

	listed, err := db.IsBlacklisted(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, db.AddToBlacklist(ctx, deviceID))
	require.NoError(t, db.AddToBlacklist(ctx, deviceID))

	listed, err = db.IsBlacklisted(ctx, deviceID)
	require.NoError(t, err)
	assert.True(t, listed)
}

func TestDrainMessageOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)

	require.NoError(t, db.QueueMessage(ctx, "BDM", deviceID, "first"))
	require.NoError(t, db.QueueMessage(ctx, "BDM", "OWFFFFFFFFFFFF", "other device"))
	require.NoError(t, db.QueueMessage(ctx, "BDM", deviceID, "second"))

	msg, err := db.DrainMessage(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "first", msg.Body)

	msg, err = db.DrainMessage(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", msg.Body)

	msg, err = db.DrainMessage(ctx, deviceID)
	require.NoError(t, err)
	assert.Nil(t, msg)

	pending, err := db.PendingMessages(ctx, "OWFFFFFFFFFFFF")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHasEnabledTargets(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	id := dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "a.example.", IP: "192.0.2.1", Service: "PING"})

	has, err := db.HasEnabledTargets(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, db.AssignTarget(ctx, &models.DeviceTarget{DeviceID: deviceID, TargetID: id, IsEnabled: false}))
	has, err = db.HasEnabledTargets(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, has, "disabled assignments do not count")

	dbtest.Assign(t, db, deviceID, id, 10)
	has, err = db.HasEnabledTargets(ctx, deviceID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReserveTarget(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("exclusive target is advanced", func(t *testing.T) {
		db := dbtest.New(t)
		id := dbtest.SeedTarget(t, db, dbtest.Target{
			FQDN: "ex.example.", IP: "192.0.2.10", Service: "PING", Info: "ping-info", Exclusive: true,
			DateFree: now.Add(-time.Hour),
		})

		freeAt := now.Add(32 * time.Second)
		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			FQDN: "ex.example.", Service: "PING", Arrival: now, Horizon: now.Add(5 * time.Minute),
		}, func(c database.Candidate) (time.Time, bool) {
			assert.True(t, c.IsExclusive)
			return freeAt, true
		})
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "192.0.2.10", c.IP)
		assert.Equal(t, "ping-info", c.Info)
		assert.Equal(t, freeAt, dbtest.DateFree(t, db, id))
	})

	t.Run("exclusive target beyond horizon is skipped", func(t *testing.T) {
		db := dbtest.New(t)
		dbtest.SeedTarget(t, db, dbtest.Target{
			FQDN: "ex.example.", IP: "192.0.2.10", Service: "PING", Exclusive: true,
			DateFree: now.Add(10 * time.Minute),
		})

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			FQDN: "ex.example.", Service: "PING", Arrival: now, Horizon: now.Add(5 * time.Minute),
		}, func(database.Candidate) (time.Time, bool) {
			t.Fatal("book must not be called")
			return time.Time{}, false
		})
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("shared target ignores horizon and is not advanced", func(t *testing.T) {
		db := dbtest.New(t)
		free := now.Add(time.Hour)
		id := dbtest.SeedTarget(t, db, dbtest.Target{
			FQDN: "sh.example.", IP: "192.0.2.20", Service: "UDP", DateFree: free,
		})

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			FQDN: "sh.example.", Service: "UDP", Arrival: now, Horizon: now.Add(time.Minute),
		}, func(c database.Candidate) (time.Time, bool) {
			assert.False(t, c.IsExclusive)
			return time.Time{}, false
		})
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, free, dbtest.DateFree(t, db, id))
	})

	t.Run("service must match", func(t *testing.T) {
		db := dbtest.New(t)
		dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "sh.example.", IP: "192.0.2.20", Service: "UDP"})

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			FQDN: "sh.example.", Service: "PING", Arrival: now, Horizon: now.Add(time.Minute),
		}, func(database.Candidate) (time.Time, bool) { return time.Time{}, false })
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("assigned path prefers higher preference", func(t *testing.T) {
		db := dbtest.New(t)
		low := dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "low.example.", IP: "192.0.2.1", Service: "PING", DateFree: now.Add(-2 * time.Hour)})
		high := dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "high.example.", IP: "192.0.2.2", Service: "PING", DateFree: now.Add(-time.Hour)})
		dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "unassigned.example.", IP: "192.0.2.3", Service: "PING"})
		dbtest.Assign(t, db, deviceID, low, 10)
		dbtest.Assign(t, db, deviceID, high, 30)

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			DeviceID: deviceID, Service: "PING", Arrival: now, Horizon: now.Add(time.Minute),
		}, func(database.Candidate) (time.Time, bool) { return time.Time{}, false })
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "high.example.", c.FQDN)
	})

	t.Run("equal preference prefers earliest date_free", func(t *testing.T) {
		db := dbtest.New(t)
		later := dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "later.example.", IP: "192.0.2.1", Service: "PING", Exclusive: true, DateFree: now.Add(-time.Minute)})
		earlier := dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "earlier.example.", IP: "192.0.2.2", Service: "PING", Exclusive: true, DateFree: now.Add(-time.Hour)})
		dbtest.Assign(t, db, deviceID, later, 10)
		dbtest.Assign(t, db, deviceID, earlier, 10)

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			DeviceID: deviceID, Service: "PING", Arrival: now, Horizon: now.Add(time.Minute),
		}, func(database.Candidate) (time.Time, bool) { return time.Time{}, false })
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "earlier.example.", c.FQDN)
	})

	t.Run("latest effective address is live", func(t *testing.T) {
		db := dbtest.New(t)
		dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "moved.example.", IP: "192.0.2.1", Service: "PING"})
		_, err := db.UpsertTarget(context.Background(), database.TargetEntry{
			FQDN: "moved.example.", IP: "198.51.100.1", Effective: now.Add(-time.Hour),
		})
		require.NoError(t, err)
		_, err = db.UpsertTarget(context.Background(), database.TargetEntry{
			FQDN: "moved.example.", IP: "203.0.113.1", Effective: now.Add(time.Hour),
		})
		require.NoError(t, err)

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			FQDN: "moved.example.", Service: "PING", Arrival: now, Horizon: now.Add(time.Minute),
		}, func(database.Candidate) (time.Time, bool) { return time.Time{}, false })
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "198.51.100.1", c.IP, "future addresses are not live yet")
	})

	t.Run("unavailable target is skipped", func(t *testing.T) {
		db := dbtest.New(t)
		id := dbtest.SeedTarget(t, db, dbtest.Target{FQDN: "down.example.", IP: "192.0.2.1", Service: "PING"})
		_, err := db.NewUpdate().Model((*models.Target)(nil)).Set("available = FALSE").Where("id = ?", id).Exec(context.Background())
		require.NoError(t, err)

		c, err := db.ReserveTarget(context.Background(), database.TargetQuery{
			FQDN: "down.example.", Service: "PING", Arrival: now, Horizon: now.Add(time.Minute),
		}, func(database.Candidate) (time.Time, bool) { return time.Time{}, false })
		require.NoError(t, err)
		assert.Nil(t, c)
	})
}

func TestStoreErrorsAreClassified(t *testing.T) {
	db := dbtest.New(t)
	require.NoError(t, db.Close())

	_, err := db.IsBlacklisted(context.Background(), deviceID)
	require.ErrorIs(t, err, database.ErrStoreUnavailable)
}
