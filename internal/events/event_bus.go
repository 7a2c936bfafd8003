// Package events provides an in-process publish/subscribe bus used for
// dashboard broadcast and metrics fan-out. It is never called from the
// Sniper's on_tick hot path — that path hands off via buffered channels
// owned by Journal/QuickUpdate instead (see internal/sniper).
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of a bus event.
type EventType string

const (
	EventTypeTick        EventType = "tick"
	EventTypeEntry       EventType = "entry"
	EventTypeExit        EventType = "exit"
	EventTypeCondition   EventType = "condition"
	EventTypeAdaptation  EventType = "adaptation"
	EventTypeReflection  EventType = "reflection"
	EventTypeHealth      EventType = "health"
	EventTypeActivity    EventType = "activity"
)

// Event is the base interface for all bus events.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// TickEvent mirrors a PriceTick dispatched to C5 for dashboard broadcast.
type TickEvent struct {
	BaseEvent
	Coin      string          `json:"coin"`
	Price     decimal.Decimal `json:"price"`
	Vol24h    decimal.Decimal `json:"vol_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
}

// EntryEvent announces a new Position opened by the Sniper (C5).
type EntryEvent struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	Coin       string          `json:"coin"`
	Direction  string          `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	SizeUSD    decimal.Decimal `json:"size_usd"`
}

// ExitEvent announces a closed Position (JournalEntry) from the Sniper (C5).
type ExitEvent struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	Coin       string          `json:"coin"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitReason string          `json:"exit_reason"`
	PnLUSD     decimal.Decimal `json:"pnl_usd"`
	Balance    decimal.Decimal `json:"balance"`
}

// ConditionEvent announces a new active condition set from the Strategist (C8).
type ConditionEvent struct {
	BaseEvent
	Count int `json:"count"`
}

// AdaptationEvent announces a knowledge mutation from Adaptation (C10) or a rollback (C11).
type AdaptationEvent struct {
	BaseEvent
	AdaptationID string `json:"adaptation_id"`
	Action       string `json:"action"`
	Target       string `json:"target"`
}

// ReflectionEvent announces a completed Reflection (C9) round.
type ReflectionEvent struct {
	BaseEvent
	ReflectionID string `json:"reflection_id"`
	InsightCount int    `json:"insight_count"`
}

// HealthEvent carries a component health transition for the orchestrator's 1Hz check.
type HealthEvent struct {
	BaseEvent
	Component string `json:"component"`
	Status    string `json:"status"` // ok|degraded|down
}

// ActivityEvent is a free-form log row for the dashboard activity feed.
type ActivityEvent struct {
	BaseEvent
	Component string `json:"component"`
	Message   string `json:"message"`
}

// EventHandler is a function that processes events.
type EventHandler func(event Event) error

// EventFilter can selectively process events.
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior.
type SubscriptionOptions struct {
	Filter     EventFilter
	Async      bool
	BufferSize int
}

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether the subscription is active.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus performance metrics.
type Stats struct {
	EventsPublished   int64         `json:"events_published"`
	EventsProcessed   int64         `json:"events_processed"`
	EventsDropped     int64         `json:"events_dropped"`
	ProcessingErrors  int64         `json:"processing_errors"`
	AvgLatencyNs      int64         `json:"avg_latency_ns"`
	MaxLatencyNs      int64         `json:"max_latency_ns"`
	P99LatencyNs      int64         `json:"p99_latency_ns"`
	P99Latency        time.Duration `json:"p99_latency"`
	ActiveSubscribers int64         `json:"active_subscribers"`
}

// Config configures the event bus worker pool.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig returns sensible defaults for a dashboard-broadcast bus
// (much smaller than a tick-hot-path bus, since no hot path ever publishes here).
func DefaultConfig() Config {
	return Config{
		NumWorkers: 4,
		BufferSize: 4096,
	}
}

// Bus is the central event routing system for non-hot-path fan-out.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates the event bus and starts its worker pool.
func NewBus(logger *zap.Logger, config Config) *Bus {
	workerCount := config.NumWorkers
	bufferSize := config.BufferSize
	if workerCount <= 0 {
		workerCount = 4
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &Bus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, bufferSize),
		workerCount:    workerCount,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		latencies:      make([]int64, 0, 1024),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker(i)
	}

	eb.logger.Info("event bus initialized",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize),
	)

	return eb
}

func (eb *Bus) worker(id int) {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *Bus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.dispatch(sub, event)
	}
	for _, sub := range allSubs {
		eb.dispatch(sub, event)
	}

	eb.eventsProcessed.Add(1)
}

func (eb *Bus) dispatch(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Options.Filter != nil && !sub.Options.Filter(event) {
		return
	}
	if sub.Options.Async {
		go eb.executeHandler(sub, event)
	} else {
		eb.executeHandler(sub, event)
	}
}

func (eb *Bus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *Bus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > 2000 {
		eb.latencies = eb.latencies[1000:]
	}

	if currentMax := eb.maxLatency.Load(); latencyNs > currentMax {
		eb.maxLatency.Store(latencyNs)
	}

	currentAvg := eb.avgLatency.Load()
	eb.avgLatency.Store((currentAvg*99 + latencyNs) / 100)
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	id := subscriptionCounter.Add(1)
	return "sub_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Subscribe registers a handler for one event type.
func (eb *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 256}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: eventType, Handler: handler, Options: options}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers a handler for every event type (used by the dashboard broadcaster).
func (eb *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 256}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (eb *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.activeSubscribers.Add(-1)
}

// Publish sends an event to all subscribers, non-blocking; drops on a full buffer.
func (eb *Bus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// GetStats returns current bus statistics.
func (eb *Bus) GetStats() Stats {
	p99 := eb.GetP99LatencyNs()
	return Stats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		P99LatencyNs:      p99,
		P99Latency:        time.Duration(p99),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// GetP99LatencyNs calculates the 99th percentile handler latency.
func (eb *Bus) GetP99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	if len(eb.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stop shuts the bus down, waiting for in-flight handlers up to 5s.
func (eb *Bus) Stop() {
	eb.logger.Info("shutting down event bus")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus shutdown timed out")
	}
}

var eventCounter atomic.Int64

func generateEventID() string {
	id := eventCounter.Add(1)
	return "evt_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

// NewTickEvent builds a TickEvent for dashboard broadcast.
func NewTickEvent(coin string, price, vol24h, change24h decimal.Decimal, ts time.Time) *TickEvent {
	return &TickEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeTick, Timestamp: ts},
		Coin:      coin,
		Price:     price,
		Vol24h:    vol24h,
		Change24h: change24h,
	}
}

// NewEntryEvent builds an EntryEvent.
func NewEntryEvent(positionID, coin, direction string, entryPrice, sizeUSD decimal.Decimal) *EntryEvent {
	return &EntryEvent{
		BaseEvent:  BaseEvent{ID: generateEventID(), Type: EventTypeEntry, Timestamp: time.Now()},
		PositionID: positionID,
		Coin:       coin,
		Direction:  direction,
		EntryPrice: entryPrice,
		SizeUSD:    sizeUSD,
	}
}

// NewExitEvent builds an ExitEvent.
func NewExitEvent(positionID, coin, exitReason string, exitPrice, pnlUSD, balance decimal.Decimal) *ExitEvent {
	return &ExitEvent{
		BaseEvent:  BaseEvent{ID: generateEventID(), Type: EventTypeExit, Timestamp: time.Now()},
		PositionID: positionID,
		Coin:       coin,
		ExitPrice:  exitPrice,
		ExitReason: exitReason,
		PnLUSD:     pnlUSD,
		Balance:    balance,
	}
}

// NewConditionEvent builds a ConditionEvent.
func NewConditionEvent(count int) *ConditionEvent {
	return &ConditionEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeCondition, Timestamp: time.Now()},
		Count:     count,
	}
}

// NewAdaptationEvent builds an AdaptationEvent.
func NewAdaptationEvent(adaptationID, action, target string) *AdaptationEvent {
	return &AdaptationEvent{
		BaseEvent:    BaseEvent{ID: generateEventID(), Type: EventTypeAdaptation, Timestamp: time.Now()},
		AdaptationID: adaptationID,
		Action:       action,
		Target:       target,
	}
}

// NewReflectionEvent builds a ReflectionEvent.
func NewReflectionEvent(reflectionID string, insightCount int) *ReflectionEvent {
	return &ReflectionEvent{
		BaseEvent:    BaseEvent{ID: generateEventID(), Type: EventTypeReflection, Timestamp: time.Now()},
		ReflectionID: reflectionID,
		InsightCount: insightCount,
	}
}

// NewHealthEvent builds a HealthEvent.
func NewHealthEvent(component, status string) *HealthEvent {
	return &HealthEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeHealth, Timestamp: time.Now()},
		Component: component,
		Status:    status,
	}
}

// NewActivityEvent builds an ActivityEvent.
func NewActivityEvent(component, message string) *ActivityEvent {
	return &ActivityEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeActivity, Timestamp: time.Now()},
		Component: component,
		Message:   message,
	}
}
