package mock

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockGenerator is a test double for the text generation collaborator.
// It is safe for concurrent use.
type MockGenerator struct {
	// GenerateFunc is called by Generate if set. If nil, Generate returns a
	// fixed context string.
	GenerateFunc func(ctx context.Context, prompt string) (string, error)

	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("This chunk is part of the supplied document (%d prompt characters).", len(prompt)), nil
}

func (m *MockGenerator) CallCount() int { return int(m.calls.Load()) }

// MaxConcurrent is the highest number of overlapping Generate calls observed.
func (m *MockGenerator) MaxConcurrent() int { return int(m.maxSeen.Load()) }
