package transcription

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	MaxConcurrent   int           `json:"max_concurrent"`
}

// limiter caps outstanding backend calls across all sessions and keeps
// request statistics
type limiter struct {
	sem *semaphore.Weighted
	max int

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	activeRequests  int
	avgResponseTime time.Duration

	mu sync.Mutex
}

func newLimiter(maxConcurrent int) *limiter {
	return &limiter{
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
		max: maxConcurrent,
	}
}

// do runs fn once a slot is free. Waiting for a slot honours ctx.
func (l *limiter) do(ctx context.Context, fn func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	l.mu.Lock()
	l.totalRequests++
	l.activeRequests++
	l.mu.Unlock()

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeRequests--
	if err != nil {
		l.failedRequests++
		return err
	}
	l.successRequests++
	// Simple moving average
	if l.avgResponseTime == 0 {
		l.avgResponseTime = elapsed
	} else {
		l.avgResponseTime = (l.avgResponseTime + elapsed) / 2
	}
	return nil
}

// Stats returns current client statistics
func (l *limiter) Stats() ClientStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	successRate := float64(0)
	if l.totalRequests > 0 {
		successRate = float64(l.successRequests) / float64(l.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   l.totalRequests,
		SuccessRequests: l.successRequests,
		FailedRequests:  l.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: l.avgResponseTime,
		ActiveRequests:  l.activeRequests,
		MaxConcurrent:   l.max,
	}
}

// Close waits for outstanding requests to finish or ctx to expire
func (l *limiter) Close(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, int64(l.max)); err != nil {
		return err
	}
	l.sem.Release(int64(l.max))
	return nil
}
