// Package rpc is Chrono's HTTP-based RPC fabric: a linear-backoff retrying
// client used two ways — Destination addresses one specific
// ServerEndpoint, Discovery starts at a random member of a group and falls
// over to the next member on failure. Every outbound
// call from a Worker to a Supervisor is signed with the group's HMAC
// auth headers; Supervisor-to-Worker calls carry none.
package rpc

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/security"
)

// Config tunes the retrying transport shared by Destination and Discovery.
type Config struct {
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// DefaultConfig allows three retries (four attempts in all) with linear
// backoff.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryWaitMin: 200 * time.Millisecond, RetryWaitMax: 1 * time.Second, Timeout: 10 * time.Second}
}

func newClient(cfg Config) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.MaxRetries
	c.RetryWaitMin = cfg.RetryWaitMin
	c.RetryWaitMax = cfg.RetryWaitMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil // zerolog replaces retryablehttp's own logging below
	c.Backoff = linearBackoff
	c.CheckRetry = checkRetry
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			metrics.RPCRetries.WithLabelValues(req.URL.Path).Inc()
		}
	}
	return c
}

// linearBackoff grows the wait by RetryWaitMin per attempt instead of
// retryablehttp's default exponential curve, per the specification's
// literal retry contract.
func linearBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	wait := min * time.Duration(attemptNum+1)
	if wait > max {
		return max
	}
	return wait
}

// checkRetry retries on connection errors and 5xx/408/429, and never
// retries other 4xx responses: a non-retryable client error means the
// request itself was malformed, and resending it cannot help.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// signer applies the Worker-to-Supervisor auth headers (nil for
// Supervisor-to-Worker clients, which sign nothing).
type signer struct {
	key   []byte
	group string
}

func (s *signer) sign(req *http.Request) error {
	if s == nil {
		return nil
	}
	return security.SignRequest(req, s.key, s.group)
}

func doWithMetrics(ctx context.Context, client *retryablehttp.Client, sgnr *signer, method, url string, body io.Reader) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, chronoerr.New(chronoerr.KindInvalidConfig, "rpc.do", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := sgnr.sign(req.Request); err != nil {
		return nil, chronoerr.New(chronoerr.KindAuthFailure, "rpc.do", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	metrics.RPCRequestDuration.WithLabelValues(url).Observe(time.Since(start).Seconds())

	status := "error"
	if resp != nil {
		status = resp.Status
	}
	metrics.RPCRequestsTotal.WithLabelValues(url, status).Inc()

	if err != nil {
		log.Logger.Warn().Err(err).Str("url", url).Msg("rpc call failed after retries")
		return nil, chronoerr.New(chronoerr.KindTransient, "rpc.do", err)
	}
	return resp, nil
}
