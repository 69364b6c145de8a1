package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy controls how DoWithRetry repeats a request.
type RetryPolicy struct {
	// Attempts is the total number of tries, first one included.
	Attempts uint
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait, including Retry-After hints on 429/503.
	MaxDelay time.Duration
}

// DefaultRetryPolicy: 3 attempts, 800ms, 1.6s between them.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 800 * time.Millisecond,
	MaxDelay:  60 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts == 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// StatusError is returned when the final attempt got a response outside 2xx
// (304 is not an error; callers handle it).
type StatusError struct {
	Code       int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "HTTP " + e.Status
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Acceptable reports whether a response status ends the retry loop.
func Acceptable(code int) bool {
	return code == http.StatusNotModified || (code >= 200 && code < 300)
}

// Retry runs attempt until it succeeds, the attempt budget is exhausted, or
// ctx is done, waiting BaseDelay*2^n between tries. A *StatusError carrying a
// Retry-After hint replaces the computed delay (capped at MaxDelay). Wrap an
// error with retry.Unrecoverable to stop early. The last error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, attempt func(context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	return retry.DoWithData(func() (T, error) { return attempt(ctx) },
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.BaseDelay),
		retry.MaxDelay(policy.MaxDelay),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			var serr *StatusError
			if errors.As(err, &serr) && serr.RetryAfter > 0 {
				return serr.RetryAfter
			}
			return retry.BackOffDelay(n, err, cfg)
		}),
		retry.LastErrorOnly(true),
	)
}

// Do sends req once. Any status other than 2xx or 304 is drained, closed and
// turned into a *StatusError so Retry treats it like a network failure.
func Do(client *http.Client, req *http.Request, maxWait time.Duration) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	if maxWait <= 0 {
		maxWait = DefaultRetryPolicy.MaxDelay
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if Acceptable(resp.StatusCode) {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	serr := &StatusError{Code: resp.StatusCode, Status: resp.Status}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		serr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), maxWait)
	}
	return nil, serr
}

// DoWithRetry sends the request built by newReq until it gets a 2xx or 304.
// Network errors, timeouts and every other status are retried per policy.
// newReq is called once per attempt so each try gets a fresh request; an error
// from it is not retried. Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, newReq func(context.Context) (*http.Request, error), policy RetryPolicy) (*http.Response, error) {
	policy = policy.withDefaults()
	return Retry(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, retry.Unrecoverable(err)
		}
		return Do(client, req, policy.MaxDelay)
	})
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns 0 when
// absent or unparseable so the exponential delay applies.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return 0
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

// Permanent marks err so Retry gives up without spending the remaining attempts.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}
