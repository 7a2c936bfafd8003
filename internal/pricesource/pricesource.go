// Package pricesource implements the Price Source (C1): a single outbound
// websocket connection to an exchange ticker stream, fanned out to
// subscribers as decimal PriceTicks, with a reconnect loop driven by
// exponential backoff and a silence watchdog for feed health.
package pricesource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
	silenceTimeout = 5 * time.Second
)

// StatusHandler receives feed-health transitions.
type StatusHandler func(types.FeedStatus)

// TickHandler receives every price tick.
type TickHandler func(types.PriceTick)

// Feed is the Price Source (C1).
type Feed struct {
	logger *zap.Logger
	wsURL  string
	coins  []string

	mu           sync.RWMutex
	conn         *websocket.Conn
	latest       map[string]types.PriceTick
	status       types.FeedStatus
	tickHandlers []TickHandler
	statusFn     []StatusHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Price Source for the given exchange websocket URL and coin set.
func New(logger *zap.Logger, wsURL string, coins []string) *Feed {
	return &Feed{
		logger: logger,
		wsURL:  wsURL,
		coins:  coins,
		latest: make(map[string]types.PriceTick),
		status: types.FeedDown,
		done:   make(chan struct{}),
	}
}

// OnTick registers a handler invoked for every received tick.
func (f *Feed) OnTick(h TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickHandlers = append(f.tickHandlers, h)
}

// OnStatus registers a handler invoked on feed-health transitions.
func (f *Feed) OnStatus(h StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusFn = append(f.statusFn, h)
}

// GetPrice returns the most recent tick for coin, if any has arrived.
func (f *Feed) GetPrice(coin string) (types.PriceTick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.latest[coin]
	return t, ok
}

// Status returns the current feed-health status.
func (f *Feed) Status() types.FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// AllPrices returns a snapshot of the most recent tick for every coin that
// has reported one, for the dashboard's /api/prices and /api/feed surfaces.
func (f *Feed) AllPrices() map[string]types.PriceTick {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]types.PriceTick, len(f.latest))
	for k, v := range f.latest {
		out[k] = v
	}
	return out
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	defer close(f.done)

	backoff := minBackoff
	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		conn, err := f.connect(runCtx)
		if err != nil {
			f.logger.Warn("price feed connect failed", zap.Error(err), zap.Duration("backoff", backoff))
			f.setStatus(types.FeedDown)
			if !sleepOrDone(runCtx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		f.setStatus(types.FeedConnected)
		f.readLoop(runCtx, conn)

		select {
		case <-runCtx.Done():
			return
		default:
		}
		f.setStatus(types.FeedDown)
	}
}

// Stop halts reconnection and closes the active connection.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
	<-f.done
}

func (f *Feed) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing price feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return conn, nil
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	msgCh := make(chan []byte, 64)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	watchdog := time.NewTimer(silenceTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case err := <-errCh:
			f.logger.Warn("price feed read error", zap.Error(err))
			return
		case <-watchdog.C:
			f.logger.Warn("price feed silent, forcing reconnect", zap.Duration("silence", silenceTimeout))
			f.setStatus(types.FeedStale)
			conn.Close()
			return
		case msg := <-msgCh:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(silenceTimeout)
			f.handleMessage(msg)
		}
	}
}

func (f *Feed) handleMessage(msg []byte) {
	tick, err := parseTicker(msg)
	if err != nil {
		f.logger.Debug("price feed: unparseable message dropped", zap.Error(err))
		return
	}
	if !containsCoin(f.coins, tick.Coin) {
		return
	}

	f.mu.Lock()
	f.latest[tick.Coin] = tick
	handlers := append([]TickHandler(nil), f.tickHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(tick)
	}
}

func (f *Feed) setStatus(s types.FeedStatus) {
	f.mu.Lock()
	changed := f.status != s
	f.status = s
	handlers := append([]StatusHandler(nil), f.statusFn...)
	f.mu.Unlock()

	if changed {
		for _, h := range handlers {
			h(s)
		}
	}
}

// tickerMessage mirrors the exchange's 24hr mini-ticker stream payload shape.
type tickerMessage struct {
	Symbol     string `json:"s"`
	LastPrice  string `json:"c"`
	Volume     string `json:"v"`
	PriceChangePercent string `json:"P"`
	EventTime  int64  `json:"E"`
}

func parseTicker(raw []byte) (types.PriceTick, error) {
	var m tickerMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.PriceTick{}, err
	}
	if m.Symbol == "" {
		return types.PriceTick{}, fmt.Errorf("missing symbol")
	}

	price, err := decimal.NewFromString(m.LastPrice)
	if err != nil {
		return types.PriceTick{}, fmt.Errorf("parsing price: %w", err)
	}
	vol, _ := decimal.NewFromString(m.Volume)
	change, _ := decimal.NewFromString(m.PriceChangePercent)

	ts := m.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return types.PriceTick{
		Coin:      ToCoin(m.Symbol),
		Price:     price,
		TS:        ts,
		Vol24h:    vol,
		Change24h: change,
	}, nil
}

func containsCoin(coins []string, coin string) bool {
	for _, c := range coins {
		if c == coin {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
