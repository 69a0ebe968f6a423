package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"OpenMCP-Swarm/internal/engine"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore() *MemoryStore {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithStoreClock(clock.Now))
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	jobs := []*Job{
		{ID: "j1", Kind: KindExecute, ThreadID: "t1", Task: "g1", Status: StatusPending, MaxRetries: 3},
		{ID: "j2", Kind: KindExecute, ThreadID: "t2", Task: "g2", Status: StatusPending, MaxRetries: 3},
		{ID: "j3", Kind: KindResume, ThreadID: "t1", Status: StatusPending, MaxRetries: 3},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "j2", CodeJobProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", &engine.Outcome{Success: true, ThreadID: "t1"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "j3" || all[2].ID != "j1" {
		t.Fatalf("expected newest job first, got %s..%s", all[0].ID, all[2].ID)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if asc[0].ID != "j1" {
		t.Fatalf("expected oldest job first, got %s", asc[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" || failed[0].ErrorCode != string(CodeJobProcessing) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	thread, err := store.List(ctx, buildListOptions([]ListOption{WithThread("t1"), WithKinds(KindResume)}))
	if err != nil {
		t.Fatalf("list thread: %v", err)
	}
	if len(thread) != 1 || thread[0].ID != "j3" || thread[0].Outcome == nil || !thread[0].Outcome.Success {
		t.Fatalf("unexpected thread list: %+v", thread)
	}

	page, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "j2" {
		t.Fatalf("unexpected page: %+v", page)
	}

	beyond, err := store.List(ctx, buildListOptions([]ListOption{WithOffset(10)}))
	if err != nil {
		t.Fatalf("list beyond: %v", err)
	}
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %d", len(beyond))
	}

	since := all[1].UpdatedAt
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 jobs to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.Create(ctx, &Job{ID: id, Kind: KindExecute, Status: StatusPending, MaxRetries: 2}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", nil); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkFailed(ctx, "d", CodeJobProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Running != 1 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.OldestUpdatedAt.Before(stats.NewestUpdatedAt) {
		t.Fatalf("unexpected time range: %v..%v", stats.OldestUpdatedAt, stats.NewestUpdatedAt)
	}

	filtered, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed, StatusSucceeded)}))
	if err != nil {
		t.Fatalf("filtered stats: %v", err)
	}
	if filtered.Total != 2 || filtered.Pending != 0 {
		t.Fatalf("unexpected filtered stats: %+v", filtered)
	}
}

func TestMemoryStoreClaim(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j", Kind: KindExecute, Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j", Kind: KindExecute}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	job, err := store.Claim(ctx, "j")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j", CodeJobProcessing, "retry me", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	job, err = store.Claim(ctx, "j")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if job.Attempts != 2 || job.LastError != "" {
		t.Fatalf("unexpected second claim: %+v", job)
	}

	if err := store.MarkFailed(ctx, "j", CodeJobProcessing, "again", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.Create(ctx, &Job{ID: "done", Kind: KindExecute, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "done", &engine.Outcome{Success: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "done"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	job := &Job{
		ID:        "j",
		Kind:      KindResume,
		ThreadID:  "t",
		Decisions: []engine.Decision{{ID: "a1", Approved: true}},
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	job.Decisions[0].Approved = false

	got, err := store.Get(ctx, "j")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Decisions[0].Approved {
		t.Fatal("store must not alias caller slices")
	}
	got.Decisions[0].ID = "changed"
	again, _ := store.Get(ctx, "j")
	if again.Decisions[0].ID != "a1" {
		t.Fatal("returned job must be a copy")
	}
	if _, err := store.Get(ctx, "missing"); !IsJobError(err, CodeJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
