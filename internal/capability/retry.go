package capability

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/pkg/logger"
)

// RetryPolicy 描述单个提供方的超时与重试约定。
type RetryPolicy struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy 返回默认策略：单次 30 秒超时，最多 3 次尝试。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         30 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	return p
}

// Retrying 为任意 Client 增加单次超时与指数退避重试。
// 只有可重试错误会被重试，工具自身返回的错误结果不会。
type Retrying struct {
	inner     Client
	policy    RetryPolicy
	overrides map[string]RetryPolicy
	logger    *slog.Logger
}

// RetryOption 定义 Retrying 的可选配置。
type RetryOption func(*Retrying)

// WithProviderPolicy 为指定提供方覆盖默认策略。
func WithProviderPolicy(providerID string, policy RetryPolicy) RetryOption {
	return func(r *Retrying) {
		r.overrides[providerID] = policy.normalize()
	}
}

// WithRetryLogger 指定日志输出。
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *Retrying) {
		r.logger = l
	}
}

// NewRetrying 构造带重试的客户端。
func NewRetrying(inner Client, policy RetryPolicy, opts ...RetryOption) *Retrying {
	r := &Retrying{
		inner:     inner,
		policy:    policy.normalize(),
		overrides: make(map[string]RetryPolicy),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("capability")
	}
	return r
}

// PolicyFor 返回提供方实际生效的策略。
func (r *Retrying) PolicyFor(providerID string) RetryPolicy {
	if p, ok := r.overrides[providerID]; ok {
		return p
	}
	return r.policy
}

// CallTool 在策略约束内调用工具。
func (r *Retrying) CallTool(ctx context.Context, providerID, tool string, args map[string]any) (*Result, error) {
	policy := r.PolicyFor(providerID)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() (*Result, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		res, err := r.inner.CallTool(attemptCtx, providerID, tool, args)
		if err == nil {
			return res, nil
		}
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("call %s timed out after %s", tool, policy.Timeout),
				xerrors.WithMetadata("provider", providerID))
		}
		if !xerrors.RetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("工具调用失败，准备重试",
			slog.String("provider", providerID),
			slog.String("tool", tool),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}

	res, err := backoff.RetryNotifyWithData[*Result](operation, b, notify)
	if err != nil {
		if xerrors.RetryableError(err) && attempt >= policy.MaxAttempts {
			return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, err,
				fmt.Sprintf("call %s failed after %d attempts", tool, attempt),
				xerrors.WithMetadata("provider", providerID))
		}
		return nil, err
	}
	return res, nil
}

// ListTools 透传到内部客户端。
func (r *Retrying) ListTools(ctx context.Context) ([]Descriptor, error) {
	return r.inner.ListTools(ctx)
}

var _ Client = (*Retrying)(nil)
