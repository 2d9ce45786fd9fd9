// Package triggers provides the event sources behind webhook-style stations.
package triggers

import (
	"context"
	"sync"
	"time"

	"taskyard/internal/domain"
)

// Source delivers external events for a station. Register is called once per
// station before the first Poll; Poll returns events newer than since.
type Source interface {
	Register(ctx context.Context, stationID uint64, cfg domain.TriggerConfig) error
	Poll(ctx context.Context, stationID uint64, cfg domain.TriggerConfig, since time.Time) ([]domain.TriggerEvent, error)
}

// Memory is an in-process Source fed by Push.
type Memory struct {
	mu            sync.Mutex
	registrations map[uint64]int
	queues        map[uint64][]domain.TriggerEvent
	failRegister  int
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		registrations: make(map[uint64]int),
		queues:        make(map[uint64][]domain.TriggerEvent),
		now:           time.Now,
	}
}

// Push queues an event for stationID.
func (m *Memory) Push(stationID uint64, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[stationID] = append(m.queues[stationID], domain.TriggerEvent{
		Payload:   payload,
		Timestamp: m.now().UTC(),
		Source:    "memory",
	})
}

// FailRegistrations makes the next n Register calls fail.
func (m *Memory) FailRegistrations(n int) {
	m.mu.Lock()
	m.failRegister = n
	m.mu.Unlock()
}

// Registrations counts successful Register calls for stationID.
func (m *Memory) Registrations(stationID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registrations[stationID]
}

func (m *Memory) Register(ctx context.Context, stationID uint64, _ domain.TriggerConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRegister > 0 {
		m.failRegister--
		return ErrRegisterRejected
	}
	m.registrations[stationID]++
	return nil
}

func (m *Memory) Poll(ctx context.Context, stationID uint64, _ domain.TriggerConfig, since time.Time) ([]domain.TriggerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.queues[stationID]
	delete(m.queues, stationID)
	out := make([]domain.TriggerEvent, 0, len(queued))
	for _, ev := range queued {
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
