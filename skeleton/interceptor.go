package skeleton

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// InvokeFunc serves one invocation on a connection. Skeleton.Invoke is the
// innermost InvokeFunc; interceptors wrap it.
type InvokeFunc func(conn Conn) error

// Interceptor wraps an InvokeFunc with cross-cutting behavior. Interceptors
// run before the invocation frame is read, so a rejecting interceptor must
// not write a reply; it raises an error to the caller instead.
type Interceptor func(next InvokeFunc) InvokeFunc

// Chain composes interceptors into one. Chain(a, b)(f) runs a's before
// logic, then b's, then f, unwinding in reverse.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next InvokeFunc) InvokeFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// ErrRateLimited is raised when RateLimitInterceptor rejects an invocation
// before dispatch.
var ErrRateLimited = errors.New("skeleton: invocation rate limit exceeded")

// LoggingInterceptor logs each invocation's duration and outcome.
func LoggingInterceptor(logger *zap.Logger) Interceptor {
	return func(next InvokeFunc) InvokeFunc {
		return func(conn Conn) error {
			start := time.Now()
			err := next(conn)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("invocation failed",
					zap.Duration("duration", duration),
					zap.Error(err))
			} else {
				logger.Debug("invocation complete",
					zap.Duration("duration", duration))
			}
			return err
		}
	}
}

// RateLimitInterceptor rejects invocations above r per second with bursts
// of at most burst, using a token bucket. The frame is not consumed; the
// caller is expected to close the connection.
func RateLimitInterceptor(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next InvokeFunc) InvokeFunc {
		return func(conn Conn) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(conn)
		}
	}
}
