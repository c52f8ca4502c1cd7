package automation

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

var ErrSimulatedFailure = errors.New("simulated automation failure")

// Simulated stands in for real automation: it waits a random time between
// MinLatency and MaxLatency and then fails with probability FailureRate.
type Simulated struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

func (s Simulated) Run(ctx context.Context, _ string, _ map[string]any) error {
	roll := s.Rand
	if roll == nil {
		roll = rand.Float64
	}

	delay := s.MinLatency
	if span := s.MaxLatency - s.MinLatency; span > 0 {
		delay += time.Duration(roll() * float64(span))
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.FailureRate > 0 && roll() < s.FailureRate {
		return ErrSimulatedFailure
	}
	return nil
}
