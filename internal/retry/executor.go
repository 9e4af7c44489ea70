package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"reportline/internal/apperrors"
)

// Op is one attempt of a retried operation. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

type Result struct {
	Key            string        `json:"key"`
	Attempts       int           `json:"attempts"`
	FailedAttempts int           `json:"failed_attempts"`
	Succeeded      bool          `json:"succeeded"`
	Duration       time.Duration `json:"duration"`
}

// KeyMetrics aggregates every Execute call made for one key.
type KeyMetrics struct {
	Key               string       `json:"key"`
	Calls             int          `json:"calls"`
	Attempts          int          `json:"attempts"`
	SucceededAttempts int          `json:"succeeded_attempts"`
	FailedAttempts    int          `json:"failed_attempts"`
	Exhausted         int          `json:"exhausted"`
	ShortCircuited    int          `json:"short_circuited"`
	LastError         string       `json:"last_error,omitempty"`
	LastDuration      string       `json:"last_duration,omitempty"`
	BreakerState      BreakerState `json:"breaker_state"`
	BreakerFailures   int          `json:"breaker_failures"`
}

type Options struct {
	// BreakerThreshold of 0 disables the circuit breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
	Rand             func() float64
	Logger           logrus.FieldLogger
}

type Executor struct {
	opts     Options
	mu       sync.Mutex
	metrics  map[string]*KeyMetrics
	breakers map[string]*Breaker
}

func NewExecutor(opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Executor{
		opts:     opts,
		metrics:  map[string]*KeyMetrics{},
		breakers: map[string]*Breaker{},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs op under policy p. Metrics and the breaker are tracked per key.
// A non-retryable error is returned as is after the first attempt that
// produced it; running out of attempts or time returns an EXHAUSTED error
// wrapping the last cause.
func (e *Executor) Execute(ctx context.Context, key string, p Policy, op Op) (Result, error) {
	start := e.opts.Now()
	res := Result{Key: key}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	breaker := e.breaker(key)
	log := e.opts.Logger.WithFields(logrus.Fields{"retry_key": key, "policy": p.Name})

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if !breaker.Allow() {
			e.record(key, func(m *KeyMetrics) { m.ShortCircuited++ })
			err := apperrors.WithMetadata(apperrors.CodeTransientInfra, "circuit open for "+key, map[string]string{
				"retry_after": breaker.DisabledUntil().UTC().Format(time.RFC3339),
			})
			if lastErr != nil {
				err.Cause = lastErr
			}
			res.Duration = e.opts.Now().Sub(start)
			e.finish(key, res, err)
			return res, err
		}
		res.Attempts = attempt
		err := op(ctx, attempt)
		if err == nil {
			breaker.RecordSuccess()
			res.Succeeded = true
			res.Duration = e.opts.Now().Sub(start)
			e.finish(key, res, nil)
			if attempt > 1 {
				log.WithField("attempts", attempt).Info("operation succeeded after retry")
			}
			return res, nil
		}
		res.FailedAttempts++
		lastErr = err
		if !p.retryable(err) {
			breaker.Release()
			res.Duration = e.opts.Now().Sub(start)
			e.finish(key, res, err)
			return res, unwrapPermanent(err)
		}
		breaker.RecordFailure()
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Delay(attempt, e.opts.Rand())
		log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay.String()}).WithError(err).Warn("retrying operation")
		if serr := e.opts.Sleep(ctx, delay); serr != nil {
			break
		}
	}
	res.Duration = e.opts.Now().Sub(start)
	err := apperrors.Wrap(apperrors.CodeExhausted, fmt.Sprintf("%s failed after %d attempts", key, res.Attempts), lastErr)
	e.record(key, func(m *KeyMetrics) { m.Exhausted++ })
	e.finish(key, res, lastErr)
	log.WithField("attempts", res.Attempts).WithError(lastErr).Error("retry budget exhausted")
	return res, err
}

func (e *Executor) breaker(key string) *Breaker {
	if e.opts.BreakerThreshold <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[key]
	if !ok {
		b = NewBreaker(e.opts.BreakerThreshold, e.opts.BreakerCooldown, e.opts.Now)
		e.breakers[key] = b
	}
	return b
}

func (e *Executor) record(key string, fn func(m *KeyMetrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[key]
	if !ok {
		m = &KeyMetrics{Key: key}
		e.metrics[key] = m
	}
	fn(m)
}

func (e *Executor) finish(key string, res Result, err error) {
	e.record(key, func(m *KeyMetrics) {
		m.Calls++
		m.Attempts += res.Attempts
		m.FailedAttempts += res.FailedAttempts
		if res.Succeeded {
			m.SucceededAttempts++
		}
		m.LastDuration = res.Duration.String()
		if err != nil {
			m.LastError = err.Error()
		}
	})
}

// Metrics returns a snapshot of every key, sorted by key.
func (e *Executor) Metrics() []KeyMetrics {
	e.mu.Lock()
	out := make([]KeyMetrics, 0, len(e.metrics))
	for _, m := range e.metrics {
		out = append(out, *m)
	}
	breakers := make(map[string]*Breaker, len(e.breakers))
	for k, b := range e.breakers {
		breakers[k] = b
	}
	e.mu.Unlock()
	for i := range out {
		b := breakers[out[i].Key]
		out[i].BreakerState = b.State()
		out[i].BreakerFailures = b.Failures()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeyMetric returns the metrics for one key.
func (e *Executor) KeyMetric(key string) (KeyMetrics, bool) {
	for _, m := range e.Metrics() {
		if m.Key == key {
			return m, true
		}
	}
	return KeyMetrics{}, false
}

// BreakerState reports the breaker state of key.
func (e *Executor) BreakerState(key string) BreakerState {
	e.mu.Lock()
	b := e.breakers[key]
	e.mu.Unlock()
	return b.State()
}
