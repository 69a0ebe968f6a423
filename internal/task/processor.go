package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Swarm/internal/engine"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/observability/alerting"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/workflow"
	"OpenMCP-Swarm/pkg/logger"
)

// Runner 定义了处理器所需的引擎能力，*engine.Engine 满足该接口。
type Runner interface {
	Execute(ctx context.Context, task string, opts engine.Options, threadID string) (*engine.Outcome, error)
	Resume(ctx context.Context, threadID string, decisions ...engine.Decision) (*engine.Outcome, error)
}

// Processor 负责从队列消费作业并交给引擎执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	clock       func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个作业。已完成或重试耗尽的作业被跳过，存储中不存在的作业会触发告警。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) {
			// 队列中的 id 在本地存储中不存在，通常是作业存储未在进程间共享
			logger.L().Warn("队列中的作业在存储中不存在", slog.String("job_id", jobID))
			p.emitAlert(ctx, &Job{ID: jobID}, CodeJobNotFound, err, "claim_missing")
			return nil
		}
		if stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logDebug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrJobConflict) {
			p.logDebug("作业正在其他协程中执行", slog.String("job_id", jobID))
			return nil
		}
		logger.L().Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	outcome, runErr := p.run(ctx, job)
	if runErr != nil {
		return p.handleFailure(ctx, job, runErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, outcome); err != nil {
		logger.L().Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, CodeJobProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return storeErr
		}
		// 引擎侧已提交检查点，重投后 Resume 会被幂等处理
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 在标记成功失败后重投失败", job.ID))
		}
		return nil
	}
	metrics.JobProcessed(string(job.Kind), "succeeded")
	status := ""
	if outcome != nil {
		status = string(outcome.Status)
	}
	logger.Audit().Info("作业执行完成",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("thread_id", job.ThreadID),
		slog.String("status", status),
	)
	return nil
}

func (p *Processor) run(ctx context.Context, job *Job) (*engine.Outcome, error) {
	switch job.Kind {
	case KindExecute:
		// 重试时上一次尝试可能已写入检查点，优先从检查点继续
		if job.Attempts > 1 {
			outcome, err := p.runner.Resume(ctx, job.ThreadID)
			if err == nil || !xerrors.HasCode(err, workflow.CodeUnknownExecution) {
				return outcome, err
			}
		}
		return p.runner.Execute(ctx, job.Task, job.Options, job.ThreadID)
	case KindResume:
		return p.runner.Resume(ctx, job.ThreadID, job.Decisions...)
	default:
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("未知的作业类型 %q", job.Kind))
	}
}

// retryable 判断失败是否值得重新排队。执行冲突表示同一线程正被占用，稍后重试即可。
func retryable(err error) bool {
	return xerrors.RetryableError(err) || xerrors.HasCode(err, workflow.CodeExecutionConflict)
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	canRetry := retryable(runErr)
	terminal := job.Attempts >= job.MaxRetries || !canRetry

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, runErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("thread_id", job.ThreadID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !canRetry {
			stage = "non_retryable"
		}
	}
	if terminal {
		metrics.JobProcessed(string(job.Kind), "failed")
	} else {
		metrics.JobProcessed(string(job.Kind), "retry")
	}
	if terminal || xerrors.AttributesOf(code).Alert {
		p.emitAlert(ctx, job, code, runErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 重投失败", job.ID))
		}
		p.logDebug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
		"kind":  string(job.Kind),
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		ThreadID:   job.ThreadID,
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.clock(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
