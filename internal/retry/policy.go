package retry

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"reportline/internal/apperrors"
)

// Policy describes how an operation is retried.
type Policy struct {
	Name         string        `json:"name" yaml:"name"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	// Jitter is the +/- fraction applied to each delay, 0 disables it.
	Jitter float64 `json:"jitter" yaml:"jitter"`
	// Timeout bounds the whole call including sleeps, 0 means unbounded.
	Timeout     time.Duration    `json:"timeout" yaml:"timeout"`
	IsRetryable func(error) bool `json:"-" yaml:"-"`
}

// Delay returns the wait before attempt n+1 after attempt n failed.
// r must be in [0,1); it is ignored when Jitter is 0.
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d = d * (1 + p.Jitter*(2*r-1))
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	if p.IsRetryable != nil {
		return !IsPermanent(err) && p.IsRetryable(err)
	}
	return DefaultRetryable(err)
}

// DefaultRetryable treats everything as transient except permanent-marked
// errors, context cancellation and terminal engine error codes.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e, ok := apperrors.As(err); ok {
		return !e.Code.Terminal()
	}
	return true
}

const (
	PresetStorage  = "storage"
	PresetRender   = "render"
	PresetFast     = "fast"
	PresetCritical = "critical"
)

var presets = map[string]Policy{
	PresetStorage: {
		Name:         PresetStorage,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       0.25,
		Timeout:      5 * time.Minute,
	},
	PresetRender: {
		Name:         PresetRender,
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		Jitter:       0.25,
		Timeout:      2 * time.Minute,
	},
	PresetFast: {
		Name:         PresetFast,
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		Jitter:       0.25,
		Timeout:      30 * time.Second,
	},
	PresetCritical: {
		Name:         PresetCritical,
		MaxAttempts:  10,
		InitialDelay: time.Second,
		Multiplier:   1.5,
		MaxDelay:     time.Minute,
		Jitter:       0.25,
		Timeout:      10 * time.Minute,
	},
}

// Preset returns a copy of the named policy.
func Preset(name string) (Policy, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the built-in policy names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
