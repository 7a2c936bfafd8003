// Package journal implements the Journal (C6): an async, ordered writer of
// closed-trade records plus delayed post-trade price capture. Grounded on
// internal/workers/pool.go's worker/queue shape for the write path, and on
// a container/heap due-queue (rather than per-trade goroutines) for the
// capture timers, per the documented guidance to keep scheduler pressure
// O(open trades).
package journal

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/workers"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Persister is the subset of the Store the Journal writes through to.
type Persister interface {
	SaveJournalEntry(ctx context.Context, e types.JournalEntry) error
	UpdatePostTradeCapture(ctx context.Context, id string, plus1m, plus5m, plus15m, missedProfit *decimal.Decimal) error
}

// PriceGetter is the read surface the Journal needs from the Price Source to
// sample post-trade prices.
type PriceGetter interface {
	GetPrice(coin string) (types.PriceTick, bool)
}

// writeRequest is one pending mutation flushed to the Store in arrival order.
type writeRequest struct {
	entry types.JournalEntry
}

// captureTask is one pending post-trade price sample, ordered by due time.
type captureTask struct {
	dueAt      time.Time
	entryID    string
	coin       string
	direction  types.Direction
	exitPrice  decimal.Decimal
	stage      int // 1, 5, or 15 (minutes)
}

type captureHeap []*captureTask

func (h captureHeap) Len() int            { return len(h) }
func (h captureHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h captureHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *captureHeap) Push(x any)         { *h = append(*h, x.(*captureTask)) }
func (h *captureHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// capturedSample accumulates the three delayed samples for one entry before
// the final missed_profit update is written.
type capturedSample struct {
	plus1m, plus5m, plus15m *decimal.Decimal
}

// Journal is the Journal (C6).
type Journal struct {
	logger      *zap.Logger
	persister   Persister
	priceSource PriceGetter

	writeCh chan writeRequest
	flushWg sync.WaitGroup

	capMu   sync.Mutex
	capHeap captureHeap
	samples map[string]*capturedSample
	capPool *workers.Pool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Journal. Run must be called to start its background loops.
// Post-trade capture sampling fans out over a small worker pool since each
// sample is an independent Price Source read plus a Store write.
func New(logger *zap.Logger, persister Persister, priceSource PriceGetter) *Journal {
	pool := workers.NewPool(logger.Named("journal-capture"), workers.DefaultPoolConfig("journal-capture"))
	pool.Start()
	return &Journal{
		logger:      logger,
		persister:   persister,
		priceSource: priceSource,
		writeCh:     make(chan writeRequest, 4096),
		samples:     make(map[string]*capturedSample),
		capPool:     pool,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run starts the single write-flush goroutine and the capture-due-queue
// ticker. Both stop when ctx is cancelled.
func (j *Journal) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		j.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		j.captureLoop(ctx)
	}()

	wg.Wait()
	_ = j.capPool.Stop()
	close(j.doneCh)
}

// RecordEntry logs a new open position at debug level. It queues no Store
// write: open positions reach the Store only through the Sniper's
// checkpoint, and the Journal persists a trade once it closes (RecordExit).
func (j *Journal) RecordEntry(pos types.Position) {
	j.logger.Debug("journal: entry recorded", zap.String("position_id", pos.ID), zap.String("coin", pos.Coin))
}

// RecordExit enqueues a closed-trade record and schedules its post-trade
// price capture at +1m/+5m/+15m.
func (j *Journal) RecordExit(entry types.JournalEntry) {
	j.flushWg.Add(1)
	select {
	case j.writeCh <- writeRequest{entry: entry}:
	default:
		j.logger.Warn("journal write queue full, blocking", zap.String("position_id", entry.ID))
		j.writeCh <- writeRequest{entry: entry}
	}
	j.SchedulePostTradeCapture(entry)
}

// SchedulePostTradeCapture registers the +1m/+5m/+15m due-queue entries for entry.
func (j *Journal) SchedulePostTradeCapture(entry types.JournalEntry) {
	j.capMu.Lock()
	defer j.capMu.Unlock()

	j.samples[entry.ID] = &capturedSample{}
	for _, stage := range []struct {
		minutes int
		delay   time.Duration
	}{
		{1, time.Minute},
		{5, 5 * time.Minute},
		{15, 15 * time.Minute},
	} {
		heap.Push(&j.capHeap, &captureTask{
			dueAt:     entry.ExitTS.Add(stage.delay),
			entryID:   entry.ID,
			coin:      entry.Coin,
			direction: entry.Direction,
			exitPrice: entry.ExitPrice,
			stage:     stage.minutes,
		})
	}
}

// Flush blocks until every enqueued write has been persisted, for use before shutdown.
func (j *Journal) Flush() {
	j.flushWg.Wait()
}

func (j *Journal) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			j.drainWrites(context.Background())
			return
		case req := <-j.writeCh:
			j.persist(ctx, req)
		}
	}
}

func (j *Journal) drainWrites(ctx context.Context) {
	for {
		select {
		case req := <-j.writeCh:
			j.persist(ctx, req)
		default:
			return
		}
	}
}

func (j *Journal) persist(ctx context.Context, req writeRequest) {
	defer j.flushWg.Done()
	if j.persister == nil {
		return
	}
	if err := j.persister.SaveJournalEntry(ctx, req.entry); err != nil {
		j.logger.Error("journal write failed", zap.String("position_id", req.entry.ID), zap.Error(err))
	}
}

// captureLoop pops due capture tasks off the heap and samples the Price Source.
func (j *Journal) captureLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.drainDueCaptures(ctx)
		}
	}
}

func (j *Journal) drainDueCaptures(ctx context.Context) {
	now := time.Now()
	for {
		j.capMu.Lock()
		if j.capHeap.Len() == 0 || j.capHeap[0].dueAt.After(now) {
			j.capMu.Unlock()
			return
		}
		task := heap.Pop(&j.capHeap).(*captureTask)
		j.capMu.Unlock()

		if err := j.capPool.SubmitFunc(func() error {
			j.sample(ctx, task)
			return nil
		}); err != nil {
			j.logger.Warn("capture pool submit failed, sampling inline", zap.Error(err))
			j.sample(ctx, task)
		}
	}
}

func (j *Journal) sample(ctx context.Context, task *captureTask) {
	if j.priceSource == nil {
		return
	}
	tick, ok := j.priceSource.GetPrice(task.coin)
	if !ok {
		return
	}

	j.capMu.Lock()
	sample, ok := j.samples[task.entryID]
	if !ok {
		j.capMu.Unlock()
		return
	}
	price := tick.Price
	switch task.stage {
	case 1:
		sample.plus1m = &price
	case 5:
		sample.plus5m = &price
	case 15:
		sample.plus15m = &price
	}
	done := sample.plus1m != nil && sample.plus5m != nil && sample.plus15m != nil
	if done {
		delete(j.samples, task.entryID)
	}
	j.capMu.Unlock()

	missedProfit := missedProfit(task.direction, task.exitPrice, sample)

	if j.persister != nil {
		if err := j.persister.UpdatePostTradeCapture(ctx, task.entryID, sample.plus1m, sample.plus5m, sample.plus15m, missedProfit); err != nil {
			j.logger.Warn("post-trade capture write failed", zap.String("position_id", task.entryID), zap.Error(err))
		}
	}
}

// missedProfit computes max(prices_after) - exit_price for LONG (inverse for SHORT), once all samples are in.
func missedProfit(direction types.Direction, exitPrice decimal.Decimal, sample *capturedSample) *decimal.Decimal {
	if sample.plus1m == nil || sample.plus5m == nil || sample.plus15m == nil {
		return nil
	}
	best := *sample.plus1m
	if sample.plus5m.GreaterThan(best) {
		best = *sample.plus5m
	}
	if sample.plus15m.GreaterThan(best) {
		best = *sample.plus15m
	}

	var missed decimal.Decimal
	if direction == types.DirectionShort {
		worst := *sample.plus1m
		if sample.plus5m.LessThan(worst) {
			worst = *sample.plus5m
		}
		if sample.plus15m.LessThan(worst) {
			worst = *sample.plus15m
		}
		missed = exitPrice.Sub(worst)
	} else {
		missed = best.Sub(exitPrice)
	}
	return &missed
}
