package backoff

import "time"

// RestartWindow tracks restart attempts per component name and refuses a
// new attempt once 5 have occurred within the last 30 seconds, per
// spec.md §4.4: "restart_count >= 5 within 30s of the last attempt aborts
// with a warning". It is a thin, fixed-rate binding over Limiter, keyed by
// component name instead of an arbitrary category.
type RestartWindow struct {
	limiter *Limiter
}

// NewRestartWindow returns a RestartWindow enforcing the default policy of
// at most 5 restarts per 30 seconds, per component.
func NewRestartWindow() *RestartWindow {
	return &RestartWindow{
		limiter: NewLimiter(map[time.Duration]int{
			30 * time.Second: 5,
		}),
	}
}

// Allow records a restart attempt for component and reports whether it is
// permitted. When it returns false, retryAt is the earliest time at which
// another attempt would be allowed.
func (w *RestartWindow) Allow(component string) (retryAt time.Time, ok bool) {
	return w.limiter.Allow(component)
}
