package engine

import (
	"context"
	"log/slog"
	"time"

	"OpenMCP-Swarm/internal/checkpoint"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/workflow"
)

// SweepReport 汇总一次回收的结果。
type SweepReport struct {
	Expired int      `json:"expired"`
	Resumed []string `json:"resumed,omitempty"`
	Evicted []string `json:"evicted,omitempty"`
	Pruned  int      `json:"pruned"`
}

// Sweep 让过期审批失效并继续对应执行，再按回收策略清理登记表与检查点。
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	for _, ent := range e.registry.all() {
		if _, status := ent.snapshot(); !status.Terminal() && ent.tryAcquire(nil) {
			if err := e.refresh(ctx, ent); err != nil {
				ent.releaseQuiet()
				if xerrors.HasCode(err, workflow.CodeUnknownExecution) {
					metrics.Evicted("checkpoint_missing")
					report.Evicted = append(report.Evicted, ent.threadID)
				} else {
					e.log.Warn("读取检查点失败", slog.String("thread_id", ent.threadID), slog.Any("error", err))
				}
				continue
			}
			n, err := e.expire(ctx, ent)
			if err != nil {
				e.log.Warn("审批过期处理失败", slog.String("thread_id", ent.threadID), slog.Any("error", err))
			}
			report.Expired += n
			if n > 0 && e.resumable(ent) {
				if err := e.applyDecisions(ctx, ent, nil, nil); err != nil {
					e.log.Warn("审批过期后唤醒执行失败", slog.String("thread_id", ent.threadID), slog.Any("error", err))
				} else if _, err := e.run(ctx, ent); err != nil {
					e.log.Warn("审批过期后继续执行失败", slog.String("thread_id", ent.threadID), slog.Any("error", err))
				}
				report.Resumed = append(report.Resumed, ent.threadID)
				ent.release(e.clock())
			} else {
				ent.releaseQuiet()
			}
		}

		now := e.clock()
		evict, reason := e.eviction.ShouldEvict(ent.info(), now)
		if !evict {
			continue
		}
		e.registry.Evict(ent.threadID)
		if err := e.store.Delete(ctx, ent.threadID); err != nil && !checkpoint.IsNotFound(err) {
			e.log.Warn("删除检查点失败", slog.String("thread_id", ent.threadID), slog.Any("error", err))
		}
		metrics.Evicted(reason)
		report.Evicted = append(report.Evicted, ent.threadID)
		e.log.Info("执行已从登记表回收", slog.String("thread_id", ent.threadID), slog.String("reason", reason))
	}

	if pruner, ok := e.store.(checkpoint.Pruner); ok && e.pruneAge > 0 {
		n, err := pruner.Prune(ctx, e.clock().Add(-e.pruneAge))
		if err != nil {
			e.log.Warn("清理过期检查点失败", slog.Any("error", err))
		}
		report.Pruned = n
	}
	metrics.SetInFlight(e.registry.Len())
	return report
}

// resumable 判断失效处理后是否已没有等待人工决策的审批。
func (e *Engine) resumable(ent *entry) bool {
	st, _ := ent.snapshot()
	return !st.HasApprovalStatus(workflow.ApprovalPending)
}

// Start 启动后台回收协程，重复调用无效果。
func (e *Engine) Start(ctx context.Context) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.sweepCancel = cancel
	e.sweepDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := e.Sweep(ctx)
				if report.Expired > 0 || len(report.Evicted) > 0 {
					e.log.Info("回收完成",
						slog.Int("expired", report.Expired),
						slog.Int("evicted", len(report.Evicted)),
						slog.Int("pruned", report.Pruned))
				}
			}
		}
	}()
}

// Stop 停止后台回收并等待协程退出。
func (e *Engine) Stop() {
	e.sweepMu.Lock()
	cancel, done := e.sweepCancel, e.sweepDone
	e.sweepCancel, e.sweepDone = nil, nil
	e.sweepMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
