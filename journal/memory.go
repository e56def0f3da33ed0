package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/pkg/id"
)

// Memory is a Store that lives only as long as the process.
type Memory struct {
	mu     sync.RWMutex
	trades map[broker.Ticket]TradeMeta
	stops  map[broker.Ticket][]StopAdjustment
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		trades: make(map[broker.Ticket]TradeMeta),
		stops:  make(map[broker.Ticket][]StopAdjustment),
	}
}

func (m *Memory) SaveTrade(ctx context.Context, t TradeMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if t.OpenedAt.IsZero() {
		t.OpenedAt = now
	}
	if t.Status == "" {
		t.Status = statusFor(t.Volume)
	}
	t.UpdatedAt = now
	if t.TrailingStopPips != nil {
		v := *t.TrailingStopPips
		t.TrailingStopPips = &v
	}
	m.trades[t.Ticket] = t
	return nil
}

func (m *Memory) GetTrade(ctx context.Context, ticket broker.Ticket) (TradeMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[ticket]
	if !ok {
		return TradeMeta{}, fmt.Errorf("ticket %s: %w", ticket, ErrNotFound)
	}
	return t, nil
}

func (m *Memory) ListTrades(ctx context.Context, status Status) ([]TradeMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TradeMeta
	for _, t := range m.trades {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (m *Memory) update(ticket broker.Ticket, fn func(*TradeMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[ticket]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticket, ErrNotFound)
	}
	fn(&t)
	t.UpdatedAt = time.Now().UTC()
	m.trades[ticket] = t
	return nil
}

func (m *Memory) SetTrailing(ctx context.Context, ticket broker.Ticket, pips float64) error {
	return m.update(ticket, func(t *TradeMeta) { t.TrailingStopPips = &pips })
}

func (m *Memory) UpdateVolume(ctx context.Context, ticket broker.Ticket, volume float64) error {
	return m.update(ticket, func(t *TradeMeta) {
		t.Volume = volume
		t.Status = statusFor(volume)
	})
}

func (m *Memory) TrailingConfig(ctx context.Context, ticket broker.Ticket) (TrailingConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[ticket]
	if !ok {
		return TrailingConfig{}, false, nil
	}
	cfg, ok := trailing(t)
	return cfg, ok, nil
}

func (m *Memory) RecordStopAdjustment(ctx context.Context, a StopAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = id.New()
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	m.stops[a.Ticket] = append(m.stops[a.Ticket], a)
	return nil
}

func (m *Memory) StopAdjustments(ctx context.Context, ticket broker.Ticket) ([]StopAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StopAdjustment, len(m.stops[ticket]))
	copy(out, m.stops[ticket])
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
