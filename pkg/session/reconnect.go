package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectDelay       = 3 * time.Second
	DefaultReconnectMaxAttempts = 5
)

// ReconnectPolicy schedules reconnect attempts after an unrequested close:
// a fixed delay between attempts, at most MaxAttempts of them.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Delay:       DefaultReconnectDelay,
		MaxAttempts: DefaultReconnectMaxAttempts,
	}
}

// NewBackOff returns a fresh schedule. NextBackOff yields Delay MaxAttempts
// times and then backoff.Stop.
func (p ReconnectPolicy) NewBackOff() backoff.BackOff {
	if p.MaxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(p.MaxAttempts))
}
