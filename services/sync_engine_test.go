package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nps-dashboard-server/config"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

var syncNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type syncFixture struct {
	*testStack
	source   *fakeSource
	progress *recordingProgress
	engine   *SyncEngine
}

func newSyncFixture(t *testing.T, fn func(call int, start, end time.Time) ([]models.RawFeedback, error)) *syncFixture {
	t.Helper()
	st := newTestStack(syncNow)
	f := &syncFixture{
		testStack: st,
		source:    &fakeSource{fn: fn},
		progress:  &recordingProgress{},
	}
	f.engine = NewSyncEngine(SyncDeps{
		Store:    st.store,
		Cache:    st.cache,
		Filters:  st.filters,
		Source:   f.source,
		Progress: f.progress,
		Clock:    st.clock,
		Metrics:  NewMetrics(),
	}, config.SyncConfig{RefreshInterval: time.Hour, BackfillWindows: 4}, logger.NewNop())
	t.Cleanup(f.engine.Stop)
	return f
}

func TestBackfillFetchesWindowsMostRecentFirst(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return []models.RawFeedback{raw(string(rune('a'+call)), 9, end.Add(-time.Hour), "Agente")}, nil
	})

	require.NoError(t, f.engine.Backfill(context.Background()))

	calls := f.source.Calls()
	require.Len(t, calls, 4)
	for i, c := range calls {
		assert.True(t, c.End.Equal(syncNow.AddDate(0, -3*i, 0)), "window %d end", i)
		assert.True(t, c.Start.Equal(syncNow.AddDate(0, -3*(i+1), 0)), "window %d start", i)
	}
	assert.Equal(t, []string{"start", "25", "50", "75", "100", "finish"}, f.progress.Events())
	assert.Equal(t, 4, f.store.TotalCount())

	entry, ok := f.cache.Load()
	require.True(t, ok)
	assert.Len(t, entry.Records, 4)
	assert.True(t, entry.LastFetchDate.Equal(syncNow))
	assert.True(t, f.engine.LastFetch().Equal(syncNow))
}

func TestBackfillFailureKeepsDataAndFinishesProgress(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		if call == 2 {
			return nil, &FetchError{Op: "fetch nps", StatusCode: 502, Err: errors.New("status 502")}
		}
		return []models.RawFeedback{raw("new", 9, end.Add(-time.Hour), "")}, nil
	})
	f.store.InsertAll([]models.FeedbackRecord{rec("existing", 7, models.RoleAgent, syncNow)})

	err := f.engine.Backfill(context.Background())

	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Equal(t, []string{"start", "25", "50", "finish"}, f.progress.Events())
	assert.Equal(t, []string{"existing"}, uids(f.store.All()))
	assert.True(t, f.engine.LastFetch().IsZero())
}

func TestBackfillDropsMalformedRows(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		if call > 0 {
			return nil, nil
		}
		return []models.RawFeedback{
			raw("1", 9, syncNow.Add(-time.Hour), "Gestor"),
			{UserID: "2", Score: "nine", CreatedAt: "2024-03-14T10:00:00Z"},
			{Score: "5", CreatedAt: "2024-03-14T10:00:00Z"},
		}, nil
	})

	require.NoError(t, f.engine.Backfill(context.Background()))

	all := f.store.All()
	require.Len(t, all, 1)
	assert.Equal(t, models.RoleManager, all[0].Role)
}

func TestInitializeWithFreshCacheDoesNotFetch(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.cache.Save([]models.FeedbackRecord{rec("a", 9, models.RoleAgent, syncNow)}, syncNow.Add(-time.Hour))
	f.cache.SaveFilters(models.FilterCriteria{Period: models.PeriodWeek})

	hadCache := f.engine.Initialize(context.Background())

	assert.True(t, hadCache)
	assert.Empty(t, f.source.Calls())
	assert.Empty(t, f.progress.Events())
	assert.Equal(t, 1, f.store.TotalCount())
	assert.Equal(t, models.PeriodWeek, f.store.ActiveFilter().Period)
}

func TestInitializeWithExpiredCacheRefreshesSinceLastFetch(t *testing.T) {
	lastFetch := syncNow.Add(-25 * time.Hour)
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return []models.RawFeedback{
			raw("a", 9, syncNow.Add(-48*time.Hour), ""),
			raw("b", 3, syncNow.Add(-time.Hour), ""),
		}, nil
	})
	cached, err := models.NormalizeFeedback(raw("a", 9, syncNow.Add(-48*time.Hour), ""))
	require.NoError(t, err)
	f.cache.Save([]models.FeedbackRecord{cached}, lastFetch)

	hadCache := f.engine.Initialize(context.Background())
	require.True(t, hadCache)

	require.Eventually(t, func() bool { return f.store.TotalCount() == 2 }, time.Second, 5*time.Millisecond)

	calls := f.source.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Start.Equal(lastFetch))
	assert.True(t, calls[0].End.Equal(syncNow))
	assert.Empty(t, f.progress.Events(), "background refresh shows no progress")
}

func TestInitializeWithoutCacheRunsBackfill(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return nil, nil
	})

	hadCache := f.engine.Initialize(context.Background())

	assert.False(t, hadCache)
	assert.Len(t, f.source.Calls(), 4)
	assert.Equal(t, "finish", f.progress.Events()[len(f.progress.Events())-1])
}

func TestRefreshWithoutFetchDateLooksBackOneYear(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return nil, nil
	})

	n, err := f.engine.Refresh(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, n)
	calls := f.source.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Start.Equal(syncNow.AddDate(-1, 0, 0)))
}

func TestRefreshFailureKeepsData(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return nil, &FetchError{Op: "fetch nps", Err: context.DeadlineExceeded}
	})
	f.store.MergeFetched([]models.FeedbackRecord{rec("a", 9, models.RoleAgent, syncNow)}, syncNow.Add(-time.Hour))

	_, err := f.engine.Refresh(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, f.store.TotalCount())
	entry, _ := f.cache.Load()
	assert.True(t, entry.LastFetchDate.Equal(syncNow.Add(-time.Hour)))
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	release := make(chan struct{})
	var fetches int32
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return []models.RawFeedback{raw("a", 9, syncNow.Add(-time.Hour), "")}, nil
	})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.engine.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fetches) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	assert.Equal(t, 1, f.store.TotalCount())
}

func TestStartPeriodicRefreshReplacesPreviousJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := newTestStack(syncNow)
	var fetches int32
	engine := NewSyncEngine(SyncDeps{
		Store:   st.store,
		Cache:   st.cache,
		Filters: st.filters,
		Source: &fakeSource{fn: func(int, time.Time, time.Time) ([]models.RawFeedback, error) {
			atomic.AddInt32(&fetches, 1)
			return nil, nil
		}},
		Clock: st.clock,
	}, config.SyncConfig{RefreshInterval: 10 * time.Millisecond}, logger.NewNop())

	ctx := context.Background()
	engine.StartPeriodicRefresh(ctx)
	first := engine.job
	engine.StartPeriodicRefresh(ctx)
	require.NotSame(t, first, engine.job)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous job still running")
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fetches) >= 2 }, time.Second, 5*time.Millisecond)
	engine.Stop()
}

func TestInitializeWithoutCacheKeepsSchedulingWhenBackfillFails(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return nil, &FetchError{Op: "fetch nps", StatusCode: 503}
	})

	hadCache := f.engine.Initialize(context.Background())

	assert.False(t, hadCache)
	assert.Len(t, f.source.Calls(), 1, "backfill stops at the first failing window")
	assert.Equal(t, []string{"start", "finish"}, f.progress.Events())
	assert.Zero(t, f.store.TotalCount())
	assert.True(t, f.engine.LastFetch().IsZero())
	_, ok := f.cache.Load()
	assert.False(t, ok)

	f.engine.jobMu.Lock()
	defer f.engine.jobMu.Unlock()
	assert.NotNil(t, f.engine.job, "periodic refresh is scheduled to retry")
}

func TestLoadInitialDoesNotSchedule(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.cache.Save([]models.FeedbackRecord{rec("a", 9, models.RoleAgent, syncNow)}, syncNow.Add(-time.Hour))

	assert.True(t, f.engine.LoadInitial(context.Background()))

	f.engine.jobMu.Lock()
	defer f.engine.jobMu.Unlock()
	assert.Nil(t, f.engine.job)
}

func TestClearForgetsLastFetch(t *testing.T) {
	f := newSyncFixture(t, func(call int, start, end time.Time) ([]models.RawFeedback, error) {
		return []models.RawFeedback{raw("a", 9, end.Add(-time.Minute), "")}, nil
	})
	_, err := f.engine.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, f.engine.LastFetch().Equal(syncNow))

	f.engine.Clear()

	assert.True(t, f.engine.LastFetch().IsZero())
	assert.Zero(t, f.store.TotalCount())
	_, ok := f.cache.Load()
	assert.False(t, ok)

	f.clock.Advance(time.Hour)
	_, err = f.engine.Refresh(context.Background())
	require.NoError(t, err)

	calls := f.source.Calls()
	require.Len(t, calls, 2)
	now := syncNow.Add(time.Hour)
	assert.True(t, calls[1].Start.Equal(now.AddDate(-1, 0, 0)), "start = %s", calls[1].Start)
	assert.True(t, calls[1].End.Equal(now))
}

func TestRefreshWaitsForInitialRestore(t *testing.T) {
	kv := newGatedKV()
	clock := newFakeClock(syncNow)
	cache := NewPersistenceCache(kv, clock, DefaultCacheTTL, logger.NewNop())
	filters := NewFilterEngine(cache, clock)
	store := NewRecordStore(filters, cache, logger.NewNop())
	source := &fakeSource{fn: func(int, time.Time, time.Time) ([]models.RawFeedback, error) {
		return []models.RawFeedback{raw("fresh", 10, syncNow.Add(-time.Minute), "")}, nil
	}}
	engine := NewSyncEngine(SyncDeps{
		Store:   store,
		Cache:   cache,
		Filters: filters,
		Source:  source,
		Clock:   clock,
	}, config.SyncConfig{}, logger.NewNop())
	t.Cleanup(engine.Stop)

	lastFetch := syncNow.Add(-time.Hour)
	cache.Save([]models.FeedbackRecord{rec("cached", 9, models.RoleAgent, syncNow.Add(-2*time.Hour))}, lastFetch)
	kv.getKey = KeyFeedbackData

	loaded := make(chan bool, 1)
	go func() { loaded <- engine.LoadInitial(context.Background()) }()
	<-kv.entered

	select {
	case <-engine.Restored():
		t.Fatal("restored before the cache was read")
	default:
	}

	refreshed := make(chan error, 1)
	go func() {
		_, err := engine.Refresh(context.Background())
		refreshed <- err
	}()

	close(kv.release)
	require.True(t, <-loaded)
	require.NoError(t, <-refreshed)
	<-engine.Restored()

	calls := source.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Start.Equal(lastFetch), "refresh starts from the restored fetch date, got %s", calls[0].Start)

	assert.Equal(t, 2, store.TotalCount())
	entry, ok := cache.Load()
	require.True(t, ok)
	assert.Len(t, entry.Records, 2, "memory and storage agree")
	assert.True(t, entry.LastFetchDate.Equal(syncNow))
}
