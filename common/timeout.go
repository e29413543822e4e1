package common

import (
	"sync"
	"time"
)

// TimeoutSettings holds the default bounds of the operations of a page.
// Unset values fall back to the parent settings, then to the package defaults.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu                       sync.RWMutex
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
	defaultPollInterval      *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

func (t *TimeoutSettings) setDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

func (t *TimeoutSettings) setDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultNavigationTimeout = &timeout
}

func (t *TimeoutSettings) setDefaultPollInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultPollInterval = &interval
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.defaultNavigationTimeout != nil {
		return *t.defaultNavigationTimeout
	}
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.navigationTimeout()
	}
	return DefaultTimeout
}

func (t *TimeoutSettings) timeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.timeout()
	}
	return DefaultTimeout
}

func (t *TimeoutSettings) pollInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.defaultPollInterval != nil {
		return *t.defaultPollInterval
	}
	if t.parent != nil {
		return t.parent.pollInterval()
	}
	return DefaultPollInterval
}

// timeoutOr returns d if positive, the default timeout otherwise.
func (t *TimeoutSettings) timeoutOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return t.timeout()
}
