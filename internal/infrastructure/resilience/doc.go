// Package resilience provides the circuit breaker guarding backend dials.
//
// A breaker opens after a run of consecutive dial failures and fails fast
// until its timeout expires, then lets a bounded number of probe requests
// through (half-open) before closing again. Breakers are grouped by backend
// instance: a respawned backend gets a fresh breaker.
//
// Example Usage:
//
//	group := resilience.NewGroup(resilience.Settings{Timeout: 2 * time.Second})
//	err := group.Get(backendID).Do(func() error {
//	    return dial()
//	})
//	if errors.Is(err, resilience.ErrCircuitOpen) {
//	    // answer 502 without touching the socket
//	}
package resilience
