package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/pkg/clock"
	logx "cadence/pkg/logx"
)

// sendFunc presents one notification. It runs on the timer goroutine.
type sendFunc func(ctx context.Context, deliveryID string, p Payload) error

type pending struct {
	timer *time.Timer
	due   time.Time
	p     Payload
}

// timers is the in-process timer table shared by the drivers: one
// time.AfterFunc per submitted payload.
type timers struct {
	driver      string
	send        sendFunc
	sendTimeout time.Duration
	clk         clock.Clock
	log         logx.Logger
	bus         eventbus.Bus

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	inSend  sync.WaitGroup
}

func newTimers(driver string, send sendFunc, sendTimeout time.Duration, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *timers {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &timers{
		driver:      driver,
		send:        send,
		sendTimeout: sendTimeout,
		clk:         clock.OrSystem(clk),
		log:         log,
		bus:         bus,
		pending:     map[string]*pending{},
	}
}

func (t *timers) Submit(ctx context.Context, at time.Time, p Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Title == "" && p.Body == "" {
		return "", ErrNoContent
	}
	id := uuid.NewString()
	wait := max(at.Sub(t.clk.Now()), 0)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrStopped
	}
	pd := &pending{due: at, p: p}
	pd.timer = time.AfterFunc(wait, func() { t.fire(id) })
	t.pending[id] = pd
	t.log.Debug("delivery armed", logx.String("id", id), logx.Category(p.Category), logx.Duration("in", wait))
	return id, nil
}

func (t *timers) Cancel(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pd, ok := t.pending[id]; ok {
		pd.timer.Stop()
		delete(t.pending, id)
	}
	return nil
}

// Len reports how many deliveries are armed.
func (t *timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *timers) fire(id string) {
	t.mu.Lock()
	pd, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	t.inSend.Add(1)
	t.mu.Unlock()
	defer t.inSend.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.sendTimeout)
	err := t.send(ctx, id, pd.p)
	cancel()

	ev := Fired{DeliveryID: id, Category: pd.p.Category, Due: pd.due, At: t.clk.Now(), Driver: t.driver}
	if err != nil {
		ev.Error = err.Error()
		t.log.Warn("delivery failed", logx.String("id", id), logx.Category(pd.p.Category), logx.Err(err))
		t.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Time: ev.At, Data: ev})
		return
	}
	t.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFired, Time: ev.At, Data: ev})
}

// Close disarms every pending timer and waits for sends in progress.
func (t *timers) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	n := len(t.pending)
	for id, pd := range t.pending {
		pd.timer.Stop()
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if n > 0 {
		t.log.Info("pending deliveries disarmed", logx.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		t.inSend.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
