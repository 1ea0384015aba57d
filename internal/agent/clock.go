package agent

import (
	"context"
	"time"
)

// Clock abstracts wall-clock time so the monitoring loops can be driven
// deterministically in tests instead of sleeping real minutes.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is cancelled, in which case
	// it returns the context error.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// NewClock returns the wall-clock implementation
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
