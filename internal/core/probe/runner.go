package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

// ErrProbePanic 表示探测实现本身出错 (panic)，而不是节点不可达。
var ErrProbePanic = errors.New("probe panicked")

const DefaultTimeout = 30 * time.Second

// Prober 执行一次连通性探测。实现应尊重 ctx，但 Runner 不依赖这一点。
// testURL 为空时使用实现自己的默认目标。
type Prober interface {
	Probe(ctx context.Context, node types.Node, testURL string) types.TestOutcome
}

// SpeedProber 执行一次测速。
type SpeedProber interface {
	Measure(ctx context.Context, node types.Node) types.SpeedOutcome
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, node types.Node, testURL string) types.TestOutcome

func (f ProberFunc) Probe(ctx context.Context, node types.Node, testURL string) types.TestOutcome {
	return f(ctx, node, testURL)
}

// Options 控制一次探测。
type Options struct {
	Timeout  time.Duration
	TestType string
	TestURL  string
}

// Runner 给每次探测加上硬超时。即使探测实现忽略 ctx 卡住，Run 也会在超时后返回失败结果。
type Runner struct {
	prober  Prober
	speed   SpeedProber
	metrics *metrics.Metrics
}

func NewRunner(p Prober, sp SpeedProber, m *metrics.Metrics) *Runner {
	return &Runner{prober: p, speed: sp, metrics: m}
}

type probeResult struct {
	outcome types.TestOutcome
	err     error
}

// Run 探测单个节点。节点不可达/超时记为 TestOutcome{Success:false}；
// 只有探测实现 panic 时才返回 error。
func (r *Runner) Run(ctx context.Context, node types.Node, opts Options) (types.TestOutcome, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan probeResult, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- probeResult{err: fmt.Errorf("%w: %v", ErrProbePanic, rec)}
			}
		}()
		done <- probeResult{outcome: r.prober.Probe(probeCtx, node, opts.TestURL)}
	}()

	var res probeResult
	select {
	case res = <-done:
	case <-probeCtx.Done():
		msg := "probe timed out"
		if ctx.Err() != nil {
			msg = "probe cancelled"
		}
		res = probeResult{outcome: types.TestOutcome{
			Success: false,
			Latency: time.Since(start),
			Error:   msg,
		}}
	}
	if res.err != nil {
		logger.Error().Err(res.err).Str("subscription_id", node.SubscriptionID).Int("node_index", node.Index).Msg("Probe: implementation panicked.")
		return types.TestOutcome{}, res.err
	}

	outcome := res.outcome
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}
	if !outcome.Success && outcome.Error == "" {
		outcome.Error = "probe failed"
	}
	outcome.TestType = opts.TestType
	r.metrics.ObserveProbe(opts.TestType, outcome.Success, outcome.Latency)

	logger.Debug().Str("subscription_id", node.SubscriptionID).Int("node_index", node.Index).
		Bool("success", outcome.Success).Int64("latency_ms", outcome.Latency.Milliseconds()).
		Str("error", outcome.Error).Msg("Probe finished.")
	return outcome, nil
}

// RunSpeed 测速。未配置 SpeedProber 时返回带错误说明的结果。
func (r *Runner) RunSpeed(ctx context.Context, node types.Node, timeout time.Duration) types.SpeedOutcome {
	if r.speed == nil {
		return types.SpeedOutcome{Error: "speed test not configured", Timestamp: time.Now()}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	speedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan types.SpeedOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- types.SpeedOutcome{Error: fmt.Sprintf("speed test panicked: %v", rec)}
			}
		}()
		done <- r.speed.Measure(speedCtx, node)
	}()

	var out types.SpeedOutcome
	select {
	case out = <-done:
	case <-speedCtx.Done():
		out = types.SpeedOutcome{Error: "speed test timed out"}
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	r.metrics.ObserveProbe("speed", !out.Failed(), out.Latency)
	return out
}
