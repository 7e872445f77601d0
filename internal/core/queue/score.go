package queue

import (
	"math"
	"time"
)

// 评分权重。分数越高越好，范围 [0, 1000]。
const (
	MaxScore = 1000.0

	latencyWeight = 0.5
	speedWeight   = 0.2
	rateWeight    = 0.3

	// 100 Mbps 即得满分
	speedScalePerMbps = 10.0
)

// Score 根据延迟、下载速度和滚动成功率计算分数：
//
//	0.5 * clamp(1000 - latency_ms) + 0.2 * clamp(speed_mbps * 10) + 0.3 * success_rate * 1000
//
// available=false 表示最近一次探测失败，此时延迟项为 0。
// 三项分别单调：延迟越低、速度越高、成功率越高，分数越高。
func Score(latency time.Duration, available bool, speedMbps float64, successRate float64) float64 {
	latencyScore := 0.0
	if available {
		latencyScore = clamp(MaxScore-float64(latency.Milliseconds()), 0, MaxScore)
	}
	speedScore := clamp(speedMbps*speedScalePerMbps, 0, MaxScore)
	rateScore := clamp(successRate, 0, 1) * MaxScore

	s := latencyWeight*latencyScore + speedWeight*speedScore + rateWeight*rateScore
	// 保留两位小数，避免浮点噪声影响排序
	return math.Round(s*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
