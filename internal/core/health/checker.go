package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"liuproxy_selector/internal/core/probe"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

const (
	TestTypeConnectivity = "connectivity"
	TestTypeHealth       = "health_check"
)

// Result 是单个节点的检查结果。Err 仅在探测实现本身出错时非空。
type Result struct {
	Node    types.Node
	Outcome types.TestOutcome
	Err     error
}

// Checker 负责对一组节点进行并发连通性检查。
type Checker struct {
	runner *probe.Runner
}

// New 创建一个新的 Checker 实例。
func New(r *probe.Runner) *Checker {
	return &Checker{runner: r}
}

// Check 以最多 concurrency 个并发对节点做连通性检查。opts.TestType 会被覆盖。
// onResult 在每个节点完成时被调用 (串行调用，不需要调用方加锁)。
// ctx 取消后不再启动新的检查，已在进行的检查会在超时或取消后返回。
func (c *Checker) Check(ctx context.Context, nodes []types.Node, concurrency int, opts probe.Options, onResult func(Result)) []Result {
	opts.TestType = TestTypeConnectivity
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]Result, 0, len(nodes))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, n := range nodes {
		if err := sem.Acquire(ctx, 1); err != nil {
			logger.Debug().Err(err).Msg("HealthCheck: Context done, stop scheduling checks.")
			break
		}
		wg.Add(1)
		go func(node types.Node) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, err := c.runner.Run(ctx, node, opts)
			if err != nil {
				outcome = types.TestOutcome{Success: false, Error: err.Error(), Timestamp: time.Now(), TestType: TestTypeConnectivity}
			}
			res := Result{Node: node, Outcome: outcome, Err: err}

			mu.Lock()
			results = append(results, res)
			if onResult != nil {
				onResult(res)
			}
			mu.Unlock()
		}(n)
	}

	wg.Wait()
	return results
}

// CheckOne 检查单个节点 (通常是活动节点)。
func (c *Checker) CheckOne(ctx context.Context, node types.Node, opts probe.Options) Result {
	opts.TestType = TestTypeHealth
	outcome, err := c.runner.Run(ctx, node, opts)
	if err != nil {
		outcome = types.TestOutcome{Success: false, Error: err.Error(), Timestamp: time.Now(), TestType: TestTypeHealth}
	}
	logFields := logger.Debug().Str("subscription_id", node.SubscriptionID).Int("node_index", node.Index)
	if outcome.Success {
		logFields.Bool("success", true).Int64("latency_ms", outcome.Latency.Milliseconds()).Msg("HealthCheck: Check passed.")
	} else {
		logFields.Bool("success", false).Str("dial_error", outcome.Error).Msg("HealthCheck: Check failed.")
	}
	return Result{Node: node, Outcome: outcome, Err: err}
}
