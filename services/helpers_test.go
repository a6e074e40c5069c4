package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nps-dashboard-server/database"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fetchCall struct {
	Start, End time.Time
}

// fakeSource answers Fetch from a function and records every window asked for.
type fakeSource struct {
	mu    sync.Mutex
	calls []fetchCall
	fn    func(call int, start, end time.Time) ([]models.RawFeedback, error)
}

func (s *fakeSource) Fetch(ctx context.Context, start, end time.Time) ([]models.RawFeedback, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fetchCall{Start: start, End: end})
	n := len(s.calls) - 1
	fn := s.fn
	s.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(n, start, end)
}

func (s *fakeSource) Calls() []fetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetchCall(nil), s.calls...)
}

// recordingProgress keeps the sequence of observer calls.
type recordingProgress struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingProgress) Start()             { p.add("start") }
func (p *recordingProgress) Update(percent int) { p.add(fmt.Sprintf("%d", percent)) }
func (p *recordingProgress) Finish()            { p.add("finish") }

func (p *recordingProgress) add(ev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingProgress) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

var errStorageFull = errors.New("quota exceeded")

// flakyKV wraps a MemoryStore and fails writes to the listed keys.
type flakyKV struct {
	*database.MemoryStore
	failSet map[string]bool
	failGet bool
}

func (f *flakyKV) Set(ctx context.Context, key, value string) error {
	if f.failSet[key] {
		return errStorageFull
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *flakyKV) Get(ctx context.Context, key string) (string, error) {
	if f.failGet {
		return "", errStorageFull
	}
	return f.MemoryStore.Get(ctx, key)
}

type testStack struct {
	kv      *database.MemoryStore
	clock   *fakeClock
	cache   *PersistenceCache
	filters *FilterEngine
	store   *RecordStore
}

func newTestStack(now time.Time) *testStack {
	kv := database.NewMemoryStore()
	clock := newFakeClock(now)
	cache := NewPersistenceCache(kv, clock, DefaultCacheTTL, logger.NewNop())
	filters := NewFilterEngine(cache, clock)
	return &testStack{
		kv:      kv,
		clock:   clock,
		cache:   cache,
		filters: filters,
		store:   NewRecordStore(filters, cache, logger.NewNop()),
	}
}

func rec(uid string, score int, role models.Role, createdAt time.Time) models.FeedbackRecord {
	return models.FeedbackRecord{
		UID:       uid,
		UserID:    uid,
		Score:     score,
		Role:      role,
		CreatedAt: createdAt,
	}
}

func raw(userID string, score int, createdAt time.Time, role string) models.RawFeedback {
	return models.RawFeedback{
		UserID:    models.FlexString(userID),
		Score:     models.FlexString(fmt.Sprintf("%d", score)),
		CreatedAt: createdAt.UTC().Format(time.RFC3339),
		Role:      role,
	}
}

func scores(records []models.FeedbackRecord) []int {
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.Score
	}
	return out
}

// gatedKV blocks the first Get or Set of one key until release is closed.
type gatedKV struct {
	*database.MemoryStore
	getKey, setKey string
	entered        chan struct{}
	release        chan struct{}
	once           sync.Once
}

func newGatedKV() *gatedKV {
	return &gatedKV{
		MemoryStore: database.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedKV) gate(key, blocked string) {
	if blocked == "" || key != blocked {
		return
	}
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gatedKV) Get(ctx context.Context, key string) (string, error) {
	g.gate(key, g.getKey)
	return g.MemoryStore.Get(ctx, key)
}

func (g *gatedKV) Set(ctx context.Context, key, value string) error {
	g.gate(key, g.setKey)
	return g.MemoryStore.Set(ctx, key, value)
}
