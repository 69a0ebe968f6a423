package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/workflow"
)

func TestAgePolicy(t *testing.T) {
	policy := AgePolicy{IdleTimeout: time.Hour, CompletedRetention: 10 * time.Minute}
	now := startTime.Add(2 * time.Hour)

	cases := []struct {
		name   string
		info   EntryInfo
		evict  bool
		reason string
	}{
		{
			name: "busy entries stay",
			info: EntryInfo{Status: StatusRunning, LastActive: startTime, Busy: true},
		},
		{
			name:   "idle suspended entry",
			info:   EntryInfo{Status: StatusAwaitingApproval, LastActive: startTime},
			evict:  true,
			reason: "idle",
		},
		{
			name: "recently active entry",
			info: EntryInfo{Status: StatusAwaitingApproval, LastActive: now.Add(-time.Minute)},
		},
		{
			name:   "completed past retention",
			info:   EntryInfo{Status: StatusCompleted, LastActive: now, CompletedAt: now.Add(-11 * time.Minute)},
			evict:  true,
			reason: "retention",
		},
		{
			name: "completed within retention",
			info: EntryInfo{Status: StatusFailed, LastActive: now, CompletedAt: now.Add(-time.Minute)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evict, reason := policy.ShouldEvict(tc.info, now)
			assert.Equal(t, tc.evict, evict)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestAgePolicyWithoutIdleTimeoutKeepsSuspended(t *testing.T) {
	policy := AgePolicy{CompletedRetention: time.Minute}
	evict, _ := policy.ShouldEvict(EntryInfo{Status: StatusAwaitingApproval, LastActive: startTime}, startTime.Add(1000*time.Hour))
	assert.False(t, evict)
}

func TestEvictionFunc(t *testing.T) {
	var policy EvictionPolicy = EvictionFunc(func(info EntryInfo, _ time.Time) (bool, string) {
		return info.ThreadID == "drop", "manual"
	})
	evict, reason := policy.ShouldEvict(EntryInfo{ThreadID: "drop"}, startTime)
	assert.True(t, evict)
	assert.Equal(t, "manual", reason)
	evict, _ = policy.ShouldEvict(EntryInfo{ThreadID: "keep"}, startTime)
	assert.False(t, evict)
}

func newEntry(thread string, status Status) *entry {
	return &entry{
		threadID: thread,
		state:    workflow.NewState("exec-"+thread, thread, "task", workflow.DefaultLimits(), startTime),
		status:   status,
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.register(newEntry("b", StatusRunning)))
	require.NoError(t, r.register(newEntry("a", StatusCompleted)))

	err := r.register(newEntry("b", StatusRunning))
	assert.True(t, xerrors.HasCode(err, workflow.CodeExecutionConflict))

	replacement := newEntry("a", StatusRunning)
	require.NoError(t, r.register(replacement))
	got, ok := r.lookup("a")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	assert.Equal(t, []string{"a", "b"}, r.Threads())
	assert.Equal(t, 2, r.Len())
}

func TestRegistryAdoptKeepsExisting(t *testing.T) {
	r := NewRegistry()
	first := r.adopt(newEntry("t", StatusAwaitingApproval))
	second := r.adopt(newEntry("t", StatusAwaitingApproval))
	assert.Same(t, first, second)

	assert.True(t, r.Evict("t"))
	assert.False(t, r.Evict("t"))
	_, ok := r.lookup("t")
	assert.False(t, ok)
}

func TestEntryAcquire(t *testing.T) {
	ent := newEntry("t", StatusAwaitingApproval)
	cancelled := false
	require.True(t, ent.tryAcquire(func() { cancelled = true }))
	assert.False(t, ent.tryAcquire(nil))
	assert.True(t, ent.info().Busy)

	ent.cancel()
	assert.True(t, cancelled)

	ent.release(startTime.Add(time.Minute))
	info := ent.info()
	assert.False(t, info.Busy)
	assert.Equal(t, startTime.Add(time.Minute), info.LastActive)

	require.True(t, ent.tryAcquire(nil))
	ent.releaseQuiet()
	assert.Equal(t, startTime.Add(time.Minute), ent.info().LastActive)

	assert.Equal(t, uint64(1), ent.nextSeq())
	assert.Equal(t, uint64(2), ent.nextSeq())
}

func TestStatusMapping(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusSuspended.Terminal())
	assert.Equal(t, StatusSuspended, suspendedStatus(workflow.SuspendModelPending))
	assert.Equal(t, StatusAwaitingApproval, suspendedStatus(workflow.SuspendApproval))
}
