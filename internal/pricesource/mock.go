package pricesource

import (
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// MockFeed is an in-process substitute for Feed that delivers deterministic,
// caller-pushed ticks without a live exchange connection.
type MockFeed struct {
	mu           sync.RWMutex
	latest       map[string]types.PriceTick
	tickHandlers []TickHandler
	status       types.FeedStatus
}

// NewMock constructs an empty MockFeed, initially FeedConnected.
func NewMock() *MockFeed {
	return &MockFeed{
		latest: make(map[string]types.PriceTick),
		status: types.FeedConnected,
	}
}

// OnTick registers a handler invoked by Push.
func (m *MockFeed) OnTick(h TickHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickHandlers = append(m.tickHandlers, h)
}

// Push injects a tick as if received from the exchange, synchronously
// notifying every registered handler in the caller's goroutine.
func (m *MockFeed) Push(tick types.PriceTick) {
	m.mu.Lock()
	m.latest[tick.Coin] = tick
	handlers := append([]TickHandler(nil), m.tickHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(tick)
	}
}

// GetPrice returns the most recently pushed tick for coin.
func (m *MockFeed) GetPrice(coin string) (types.PriceTick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.latest[coin]
	return t, ok
}

// SetStatus overrides the reported feed status, for exercising degraded-feed paths.
func (m *MockFeed) SetStatus(s types.FeedStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// Status returns the mock's current feed status.
func (m *MockFeed) Status() types.FeedStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
