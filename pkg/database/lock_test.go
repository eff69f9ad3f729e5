package database_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"bdmd/pkg/database"
	"bdmd/pkg/database/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A second booking of an exclusive target blocks on the row lock held by
// the first and then sees the date_free the first one wrote.
func TestReserveTargetSerializesOnRowLock(t *testing.T) {
	db := dbtest.Postgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id := dbtest.SeedTarget(t, db, dbtest.Target{
		FQDN: "ex.example.", IP: "192.0.2.10", Service: "PING", Info: "ping-info", Exclusive: true,
		DateFree: now.Add(-time.Hour),
	})
	q := database.TargetQuery{FQDN: "ex.example.", Service: "PING", Arrival: now, Horizon: now.Add(5 * time.Minute)}

	firstFreeAt := now.Add(32 * time.Second)
	locked := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := db.ReserveTarget(ctx, q, func(database.Candidate) (time.Time, bool) {
			close(locked)
			// Hold the lock long enough for the second booking to queue
			// behind it.
			time.Sleep(300 * time.Millisecond)
			return firstFreeAt, true
		})
		assert.NoError(t, err)
	}()

	select {
	case <-locked:
	case <-time.After(5 * time.Second):
		t.Fatal("first booking never reached the target row")
	}

	var seen time.Time
	c, err := db.ReserveTarget(ctx, q, func(c database.Candidate) (time.Time, bool) {
		seen = c.DateFree
		return c.DateFree.Add(30 * time.Second), true
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	wg.Wait()

	assert.True(t, seen.Equal(firstFreeAt), "second booking saw %s, want %s", seen, firstFreeAt)
	assert.True(t, dbtest.DateFree(t, db, id).Equal(firstFreeAt.Add(30*time.Second)))
}

// Concurrent bookings on Postgres never hand out overlapping windows.
func TestReserveTargetConcurrentBookingsOnPostgres(t *testing.T) {
	db := dbtest.Postgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	const duration = 30 * time.Second

	id := dbtest.SeedTarget(t, db, dbtest.Target{
		FQDN: "ex.example.", IP: "192.0.2.10", Service: "PING", Exclusive: true,
		DateFree: now.Add(-time.Hour),
	})
	q := database.TargetQuery{FQDN: "ex.example.", Service: "PING", Arrival: now, Horizon: now.Add(time.Hour)}

	const n = 8
	starts := make([]time.Time, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.ReserveTarget(ctx, q, func(c database.Candidate) (time.Time, bool) {
				start := now
				if c.DateFree.After(start) {
					start = c.DateFree
				}
				starts[i] = start
				return start.Add(duration), true
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, s := range starts {
		offset := int64(s.Sub(now) / duration)
		assert.False(t, seen[offset], "two bookings start at %s", s)
		seen[offset] = true
	}
	assert.True(t, dbtest.DateFree(t, db, id).Equal(now.Add(n*duration)))
}
