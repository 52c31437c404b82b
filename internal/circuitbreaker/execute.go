package circuitbreaker

import "fmt"

// OpenError is returned by Execute when the circuit for a key is open or
// at its half-open probe cap.
type OpenError struct {
	Key         string
	RemainingMs int64
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuitbreaker: %q is open, retry in %dms", e.Key, e.RemainingMs)
}

// Execute runs fn if key's circuit allows it, recording the outcome
// before returning. Returns *OpenError without calling fn if the circuit
// rejects the request.
func Execute[T any](b *Breaker, key string, fn func() (T, error)) (T, error) {
	var zero T
	if !b.Allow(key) {
		return zero, &OpenError{Key: key, RemainingMs: b.GetSnapshot(key).RemainingMs}
	}

	out, err := fn()
	if err != nil {
		b.RecordFailure(key)
		return zero, err
	}
	b.RecordSuccess(key)
	return out, nil
}
