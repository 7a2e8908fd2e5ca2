package delivery

import (
	"fmt"
	"time"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFixed, StrategyLinear, StrategyExponential:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

// RetryPolicy bounds how often and how late a failed send is retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Strategy   Strategy
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  60 * time.Second,
		Strategy:   StrategyFixed,
		MaxDelay:   900 * time.Second,
	}
}

// ShouldRetry reports whether attempt n (0-based) may be followed by another.
func (p RetryPolicy) ShouldRetry(n int) bool {
	return n < p.MaxRetries
}

// Delay is the wait before attempt n+1, clamped to MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := p.BaseDelay
	switch p.Strategy {
	case StrategyLinear:
		delay = p.BaseDelay * time.Duration(n+1)
	case StrategyExponential:
		delay = p.BaseDelay
		for i := 0; i <= n; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
