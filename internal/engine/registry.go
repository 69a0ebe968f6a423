package engine

import (
	"sort"
	"sync"
	"time"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/workflow"
)

// EntryInfo 是淘汰策略可见的登记信息。
type EntryInfo struct {
	ThreadID    string
	Status      Status
	LastActive  time.Time
	CompletedAt time.Time
	Busy        bool
}

// EvictionPolicy 决定登记表中的执行是否应被回收，返回的 reason 用于日志与指标。
type EvictionPolicy interface {
	ShouldEvict(info EntryInfo, now time.Time) (bool, string)
}

// EvictionFunc 允许普通函数充当 EvictionPolicy。
type EvictionFunc func(info EntryInfo, now time.Time) (bool, string)

// ShouldEvict 实现 EvictionPolicy。
func (f EvictionFunc) ShouldEvict(info EntryInfo, now time.Time) (bool, string) {
	return f(info, now)
}

// AgePolicy 按空闲时长与完成后的保留时长回收执行。
type AgePolicy struct {
	IdleTimeout        time.Duration
	CompletedRetention time.Duration
}

// 默认回收参数。
const (
	DefaultIdleTimeout        = 48 * time.Hour
	DefaultCompletedRetention = 10 * time.Minute
)

// DefaultAgePolicy 返回默认回收策略。
func DefaultAgePolicy() AgePolicy {
	return AgePolicy{IdleTimeout: DefaultIdleTimeout, CompletedRetention: DefaultCompletedRetention}
}

// ShouldEvict 实现 EvictionPolicy。正在运行的执行永不回收。
func (p AgePolicy) ShouldEvict(info EntryInfo, now time.Time) (bool, string) {
	if info.Busy {
		return false, ""
	}
	if info.Status.Terminal() {
		if now.Sub(info.CompletedAt) >= p.CompletedRetention {
			return true, "retention"
		}
		return false, ""
	}
	if p.IdleTimeout > 0 && now.Sub(info.LastActive) >= p.IdleTimeout {
		return true, "idle"
	}
	return false, ""
}

type entry struct {
	threadID string

	mu          sync.Mutex
	state       *workflow.State
	status      Status
	lastActive  time.Time
	completedAt time.Time
	seq         uint64
	busy        bool
	cancel      func()
}

func (e *entry) snapshot() (*workflow.State, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.status
}

func (e *entry) info() EntryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntryInfo{
		ThreadID:    e.threadID,
		Status:      e.status,
		LastActive:  e.lastActive,
		CompletedAt: e.completedAt,
		Busy:        e.busy,
	}
}

// tryAcquire 标记执行进入运行，已在运行时返回 false。
func (e *entry) tryAcquire(cancel func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return false
	}
	e.busy = true
	e.cancel = cancel
	return true
}

func (e *entry) release(now time.Time) {
	e.mu.Lock()
	e.busy = false
	e.cancel = nil
	e.lastActive = now
	e.mu.Unlock()
}

// releaseQuiet 释放运行标记但不刷新活跃时间，供只读查询与后台回收使用。
func (e *entry) releaseQuiet() {
	e.mu.Lock()
	e.busy = false
	e.cancel = nil
	e.mu.Unlock()
}

func (e *entry) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// Registry 保存本进程内的在途执行，由 Engine 独占持有。
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry 创建空登记表。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// register 登记新执行。同一 thread 已存在未结束的执行时返回冲突错误。
func (r *Registry) register(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[e.threadID]; ok {
		if _, status := current.snapshot(); !status.Terminal() {
			return conflict(e.threadID)
		}
	}
	r.entries[e.threadID] = e
	return nil
}

// adopt 登记从检查点恢复的执行，若已被并发恢复则返回已有条目。
func (r *Registry) adopt(e *entry) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[e.threadID]; ok {
		return current
	}
	r.entries[e.threadID] = e
	return e
}

func (r *Registry) lookup(threadID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[threadID]
	return e, ok
}

// Evict 移除执行并返回是否存在。
func (r *Registry) Evict(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[threadID]; !ok {
		return false
	}
	delete(r.entries, threadID)
	return true
}

// forget 仅当登记的仍是 e 本身时将其移除。
func (r *Registry) forget(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[e.threadID]; ok && current == e {
		delete(r.entries, e.threadID)
	}
}

// Len 返回登记的执行数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Threads 返回按字典序排列的 thread id。
func (r *Registry) Threads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) all() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].threadID < out[j].threadID })
	return out
}

func conflict(threadID string) error {
	return xerrors.New(workflow.CodeExecutionConflict, "execution "+threadID+" is already running",
		xerrors.WithMetadata("thread_id", threadID))
}
