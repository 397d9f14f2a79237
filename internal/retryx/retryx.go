// Package retryx wraps remote calls with class-aware retry, backoff and a
// per-endpoint circuit breaker. Policy is driven entirely by the error
// taxonomy in errs; callers never inspect transport errors themselves.
package retryx

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
)

// Endpoint groups remote calls for circuit-breaking purposes. Failures on
// one endpoint class never open the breaker of another.
type Endpoint string

const (
	EndpointSync    Endpoint = "sync"
	EndpointBackup  Endpoint = "backup"
	EndpointRestore Endpoint = "restore"
)

// Config controls retry and breaker behavior.
type Config struct {
	// Schedule is the delay before each retry; its length caps the retry
	// count, so an operation runs at most len(Schedule)+1 times.
	Schedule []time.Duration
	// CallTimeout bounds each individual invocation of fn. A call that hangs
	// past it is treated as a network timeout and retried on the schedule.
	// Zero disables the per-call deadline.
	CallTimeout time.Duration
	// RateLimitDelay floors the delay after a rate-limit response.
	RateLimitDelay time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a breaker.
	BreakerThreshold int
	// BreakerCooldown is how long an open breaker rejects calls before
	// letting one probe through.
	BreakerCooldown time.Duration
}

// LoadDefaults returns the stock policy.
func LoadDefaults() *Config {
	return &Config{
		Schedule: []time.Duration{
			5 * time.Second, 15 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute,
		},
		CallTimeout:      30 * time.Second,
		RateLimitDelay:   time.Minute,
		BreakerThreshold: 5,
		BreakerCooldown:  2 * time.Minute,
	}
}

// ReauthFunc re-establishes credentials after an auth-expired failure.
type ReauthFunc func(ctx context.Context) error

// Controller executes remote calls under the retry policy. It keeps one
// circuit breaker per endpoint and is safe for concurrent use.
type Controller struct {
	cfg      *Config
	log      logging.Logger
	reauth   ReauthFunc
	breakers breakerSet
}

func NewController(cfg *Config, reauth ReauthFunc, log logging.Logger) *Controller {
	c := &Controller{cfg: cfg, log: log, reauth: reauth}
	c.breakers.init(cfg.BreakerThreshold, cfg.BreakerCooldown)
	return c
}

// Do runs fn, retrying per the class of each failure:
//
//   - network errors retry on the backoff schedule;
//   - rate-limit errors retry too, with the delay floored at RateLimitDelay;
//   - auth errors trigger one re-authentication, then a single retry;
//   - encryption, integrity, storage and validation errors propagate
//     immediately.
//
// When the endpoint's breaker is open, Do fails fast with ErrCircuitOpen
// without invoking fn.
func (c *Controller) Do(ctx context.Context, endpoint Endpoint, fn func(ctx context.Context) error) error {
	br := c.breakers.get(endpoint)

	attempt := 0
	rateLimited := false
	reauthed := false

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		i := attempt
		attempt++
		if i >= len(c.cfg.Schedule) {
			return 0, true
		}
		d := c.cfg.Schedule[i]
		if rateLimited && d < c.cfg.RateLimitDelay {
			d = c.cfg.RateLimitDelay
		}
		return d, false
	})

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !br.Allow() {
			return errs.New(errs.ClassNetwork, string(endpoint), errs.ErrCircuitOpen)
		}

		err := c.invoke(ctx, endpoint, fn)
		if err == nil {
			br.Success()
			return nil
		}

		class := errs.ClassOf(err)
		switch class {
		case errs.ClassNetwork:
			br.Failure()
			c.log.Warn(ctx, "remote call failed, will retry", "endpoint", endpoint,
				"class", class.String(), "attempt", attempt+1, "error", err)
			return retry.RetryableError(err)

		case errs.ClassRateLimit:
			br.Failure()
			rateLimited = true
			c.log.Warn(ctx, "rate limited, backing off", "endpoint", endpoint,
				"attempt", attempt+1, "error", err)
			return retry.RetryableError(err)

		case errs.ClassAuth:
			if reauthed || c.reauth == nil {
				return err
			}
			reauthed = true
			if rerr := c.reauth(ctx); rerr != nil {
				c.log.Error(ctx, "re-authentication failed", "endpoint", endpoint, "error", rerr)
				return err
			}
			c.log.Info(ctx, "re-authenticated, retrying once", "endpoint", endpoint)
			return retry.RetryableError(err)

		default:
			// Corruption, validation and local storage faults: retrying
			// cannot help, and masking them can hide data damage.
			return err
		}
	})
}

// invoke runs fn under the per-call deadline. A call that hits its own
// deadline comes back as ErrTimeout so the schedule retries it; cancellation
// of the caller's context propagates untouched.
func (c *Controller) invoke(ctx context.Context, endpoint Endpoint, fn func(ctx context.Context) error) error {
	if c.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return errs.Networkf(string(endpoint), errs.ErrTimeout, err)
	}
	return err
}
