package memproxy

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards one shard. A request asks Allow before a backend
// connection is used and reports the outcome of the round trip through done.
type CircuitBreaker = gobreaker.TwoStepCircuitBreaker[struct{}]

// NewCircuitBreakerConfig returns a function that creates circuit breakers for shards.
// A breaker opens when at least 3 requests were seen in the interval and 60% failed.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *CircuitBreaker {
	return func(serverAddr string) *CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsExcluded: func(err error) bool {
				return errors.Is(err, errTransactionAborted)
			},
		}
		return gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)
	}
}
