// Package external is the anti-corruption layer between gateway domain
// logic and the WhatsApp provider API. All outbound provider calls route
// through the BaseClient, which enforces circuit breaking, outbound rate
// limiting, trace propagation, and error mapping.
//
// The BaseClient deliberately makes exactly one attempt per call. Retry
// policy for message delivery lives in the scheduler's attempt counter,
// not here: an HTTP-level retry loop underneath the attempts state machine
// would multiply real send attempts invisibly.
package external

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"numota/internal/types"
)

// BaseClient wraps an *http.Client with a circuit breaker and an outbound
// rate limiter shared by all calls to one upstream.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	limiter   *rate.Limiter
	userAgent string
}

// NewBaseClient creates a BaseClient. requestsPerSecond <= 0 disables the
// outbound rate limiter.
func NewBaseClient(httpClient *http.Client, breakerName string, requestsPerSecond float64, userAgent string) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)
	}

	return &BaseClient{
		client:    httpClient,
		breaker:   cb,
		limiter:   limiter,
		userAgent: userAgent,
	}
}

// Do executes the HTTP request with:
//  1. Outbound rate limiting (blocks until a token is available or the
//     request context is done)
//  2. Trace ID injection (X-Request-ID from context)
//  3. User-Agent header injection
//  4. Circuit breaker wrapping
//  5. Error mapping to types.AppError
//
// On 2xx/3xx/4xx the response is returned as-is and the caller owns the
// body. 5xx and transport errors count against the breaker and come back
// as upstream AppErrors.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamWhatsApp,
				"request cancelled while waiting for rate limiter", err)
		}
	}

	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// 5xx counts as a breaker failure.
		if r.StatusCode >= 500 {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err == nil {
		return resp, nil
	}

	if resp != nil {
		resp.Body.Close()
	}
	return nil, c.mapError(resp, err)
}

func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamWhatsApp,
			"circuit breaker is open; provider unavailable", err)
	}
	if resp != nil && resp.StatusCode >= 500 {
		return types.NewAppError(types.ErrCodeUpstreamWhatsApp,
			fmt.Sprintf("provider returned %d", resp.StatusCode), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamWhatsApp, "provider request failed", err)
}
