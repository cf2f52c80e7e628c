package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powcaptcha/internal/defense"
	"powcaptcha/internal/store"
)

func newDefense(t *testing.T, levels ...defense.Level) *defense.Defense {
	t.Helper()
	d, err := defense.New(levels)
	require.NoError(t, err)
	return d
}

func TestAddSiteAndRecordVisit(t *testing.T) {
	m := New(store.NewMemory())
	m.AddSite("site-a", newDefense(t,
		defense.Level{VisitorThreshold: 100, DifficultyFactor: 10},
		defense.Level{VisitorThreshold: 1000, DifficultyFactor: 50},
	))

	count, difficulty, err := m.RecordVisit("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	assert.Equal(t, uint32(10), difficulty)

	for i := 0; i < 99; i++ {
		_, _, err = m.RecordVisit("site-a")
		require.NoError(t, err)
	}

	count, difficulty, err = m.RecordVisit("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(101), count)
	assert.Equal(t, uint32(50), difficulty, "crossing the threshold raises the difficulty")
}

func TestRecordVisitUnknownSite(t *testing.T) {
	m := New(store.NewMemory())

	_, _, err := m.RecordVisit("missing")
	assert.ErrorIs(t, err, ErrSiteNotFound)
}

func TestConcurrentVisitsLoseNoIncrements(t *testing.T) {
	m := New(store.NewMemory())
	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 1}))

	const workers = 16
	const visitsPerWorker = 250

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < visitsPerWorker; j++ {
				_, _, err := m.RecordVisit("site-a")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, _, err := m.RecordVisit("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(workers*visitsPerWorker+1), count)
}

func TestAddSiteReplacesExisting(t *testing.T) {
	m := New(store.NewMemory())
	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 1}))

	_, _, err := m.RecordVisit("site-a")
	require.NoError(t, err)

	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 99}))

	count, difficulty, err := m.RecordVisit("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count, "re-registration resets the visitor count")
	assert.Equal(t, uint32(99), difficulty)
}

func TestUpdateLevels(t *testing.T) {
	m := New(store.NewMemory())

	err := m.UpdateLevels("missing", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 1}))
	assert.ErrorIs(t, err, ErrSiteNotFound)

	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 1}))
	require.NoError(t, m.UpdateLevels("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 7})))

	_, difficulty, err := m.RecordVisit("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), difficulty)
}

func TestResetVisitors(t *testing.T) {
	m := New(store.NewMemory())
	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 10, DifficultyFactor: 1}))

	for i := 0; i < 5; i++ {
		_, _, err := m.RecordVisit("site-a")
		require.NoError(t, err)
	}
	require.NoError(t, m.ResetVisitors("site-a"))

	count, _, err := m.RecordVisit("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	assert.ErrorIs(t, m.ResetVisitors("missing"), ErrSiteNotFound)
}

func TestRenameCarriesStateAndInvalidatesOldKey(t *testing.T) {
	backend := store.NewMemory()
	ctx := context.Background()

	m := New(backend)
	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 42}))

	_, err := backend.CheckAndAdvance(ctx, "site-a", 42, 9)
	require.NoError(t, err)

	require.NoError(t, m.Rename(ctx, "site-a", "site-b"))

	assert.False(t, m.Exists("site-a"))
	_, _, err = m.RecordVisit("site-a")
	assert.ErrorIs(t, err, ErrSiteNotFound)

	_, difficulty, err := m.RecordVisit("site-b")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), difficulty, "the level set follows the rename")

	mark, err := backend.Watermark(ctx, "site-b", 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), mark, "watermarks follow the rename")

	assert.ErrorIs(t, m.Rename(ctx, "site-a", "site-c"), ErrSiteNotFound)
}

func TestRemove(t *testing.T) {
	backend := store.NewMemory()
	ctx := context.Background()

	m := New(backend)
	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 1, DifficultyFactor: 1}))

	_, err := backend.CheckAndAdvance(ctx, "site-a", 1, 9)
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, "site-a"))
	assert.False(t, m.Exists("site-a"))

	mark, err := backend.Watermark(ctx, "site-a", 1)
	require.NoError(t, err)
	assert.Zero(t, mark, "removal drops the site's watermarks")

	assert.ErrorIs(t, m.Remove(ctx, "site-a"), ErrSiteNotFound)
}

func TestRunResetsCountersPeriodically(t *testing.T) {
	m := New(store.NewMemory())
	m.AddSite("site-a", newDefense(t, defense.Level{VisitorThreshold: 100, DifficultyFactor: 1}))

	for i := 0; i < 50; i++ {
		_, _, err := m.RecordVisit("site-a")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		count, _, err := m.RecordVisit("site-a")
		return err == nil && count < 10
	}, time.Second, 5*time.Millisecond, "the GC loop resets visitor counters")
}
