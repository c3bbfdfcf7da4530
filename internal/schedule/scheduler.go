package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cadence/internal/delivery"
	"cadence/internal/eventbus"
	"cadence/pkg/clock"
	logx "cadence/pkg/logx"
)

// Status of an item. The scheduler tracks an item only once the delivery
// collaborator accepted it, so live items are always submitted and cancelled
// marks the copy published on cancel. It never writes pending itself; Restore
// accepts pending rows from other writers and hands them over like submitted
// ones.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusCancelled Status = "cancelled"
)

// Item is a notification handed to the delivery collaborator and not yet fired.
type Item struct {
	ID            string           `json:"id"`
	DeliveryID    string           `json:"delivery_id"`
	Category      string           `json:"category"`
	Priority      Priority         `json:"priority"`
	ScheduledTime time.Time        `json:"scheduled_time"`
	Strategy      Strategy         `json:"strategy"`
	CreatedAt     time.Time        `json:"created_at"`
	Status        Status           `json:"status"`
	Payload       delivery.Payload `json:"payload"`

	// SkipQuietHours is kept so a restore after a restart applies the same rule.
	SkipQuietHours bool `json:"skip_quiet_hours,omitempty"`
}

// Request asks for one notification.
type Request struct {
	Category       string           `json:"category"`
	Priority       Priority         `json:"priority"`
	Payload        delivery.Payload `json:"payload"`
	SkipQuietHours bool             `json:"skip_quiet_hours,omitempty"`
}

// Analyzer is what the scheduler needs from the behavior analyzer.
type Analyzer interface {
	// Canonical validates category and maps an alias onto its registered name.
	Canonical(category string) (string, error)
	PredictBestTime(ctx context.Context, category string, withinHours int) time.Time
	EngagementScore(ctx context.Context, category string) float64
	RecordSentAt(ctx context.Context, category string, at time.Time) error
}

// ItemStore persists submitted items so they survive a restart.
type ItemStore interface {
	LoadPendingItems(ctx context.Context) ([]Item, error)
	SaveItem(ctx context.Context, it Item) error
	DeleteItem(ctx context.Context, id string) error
}

// Policy is the hot-reloadable part of the scheduler configuration.
type Policy struct {
	Location      *time.Location
	Quiet         QuietHours
	BatchSpacing  time.Duration
	BatchRate     float64 // hand-offs per second inside a batch
	SubmitTimeout time.Duration
	StoreTimeout  time.Duration
}

type Scheduler struct {
	an    Analyzer
	deliv delivery.Delivery
	store ItemStore
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu         sync.Mutex
	policy     Policy
	limiter    *rate.Limiter
	items      map[string]*Item
	byDelivery map[string]string
	// early holds delivery ids that fired before their item was tracked.
	early map[string]time.Time
}

type Option func(*Scheduler)

func WithStore(s ItemStore) Option    { return func(x *Scheduler) { x.store = s } }
func WithClock(c clock.Clock) Option  { return func(x *Scheduler) { x.clk = c } }
func WithLogger(l logx.Logger) Option { return func(x *Scheduler) { x.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(x *Scheduler) { x.bus = b } }

func New(an Analyzer, d delivery.Delivery, p Policy, opts ...Option) *Scheduler {
	s := &Scheduler{
		an:         an,
		deliv:      d,
		items:      map[string]*Item{},
		byDelivery: map[string]string{},
		early:      map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.clk = clock.OrSystem(s.clk)
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.applyLocked(p)
	return s
}

// Apply swaps the policy. Batches in flight keep the spacing they started with.
func (s *Scheduler) Apply(p Policy) {
	s.mu.Lock()
	s.applyLocked(p)
	s.mu.Unlock()
}

func (s *Scheduler) applyLocked(p Policy) {
	if p.Location == nil {
		p.Location = time.Local
	}
	if p.Quiet == (QuietHours{}) {
		p.Quiet = DefaultQuietHours
	}
	if p.BatchSpacing <= 0 {
		p.BatchSpacing = 5 * time.Minute
	}
	if p.BatchRate <= 0 {
		p.BatchRate = 10
	}
	if p.SubmitTimeout <= 0 {
		p.SubmitTimeout = 5 * time.Second
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = 2 * time.Second
	}
	s.policy = p
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(p.BatchRate), 1)
	} else {
		s.limiter.SetLimit(rate.Limit(p.BatchRate))
	}
}

func (s *Scheduler) currentPolicy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Schedule resolves a delivery time for req and submits it.
//
// A delivery rejection is returned as *DeliveryError and is not retried.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Item, error) {
	p := s.currentPolicy()
	now := s.clk.Now().In(p.Location)
	req, err := s.normalize(req)
	if err != nil {
		return Item{}, err
	}
	st := StrategyFor(req.Priority, now)
	at := s.resolve(ctx, st, req.Category, now).In(p.Location)
	if !req.SkipQuietHours {
		at = p.Quiet.Adjust(at)
	}
	return s.submit(ctx, p, req, st, at, now)
}

// normalize validates req and rewrites its category to the canonical name, so
// items of an alias are listed and cancelled with their category.
func (s *Scheduler) normalize(req Request) (Request, error) {
	if !req.Priority.Valid() {
		return req, fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(req.Priority))
	}
	c, err := s.an.Canonical(req.Category)
	if err != nil {
		return req, err
	}
	req.Category = c
	return req, nil
}

// filterName maps a Pending/Count/CancelCategory filter onto the name items
// are stored under. Unknown names match nothing but are kept as given.
func (s *Scheduler) filterName(category string) string {
	if category == "" {
		return ""
	}
	if c, err := s.an.Canonical(category); err == nil {
		return c
	}
	return category
}

// ResolveTime returns the time strategy st yields for category, before any
// quiet hours adjustment.
func (s *Scheduler) ResolveTime(ctx context.Context, st Strategy, category string) time.Time {
	p := s.currentPolicy()
	return s.resolve(ctx, st, category, s.clk.Now().In(p.Location))
}

func (s *Scheduler) resolve(ctx context.Context, st Strategy, category string, now time.Time) time.Time {
	switch st.Kind {
	case KindImmediate:
		return now
	case KindNextBestTime:
		return s.an.PredictBestTime(ctx, category, st.HorizonHours)
	case KindWithinWindow:
		return s.bestInWindow(ctx, st, category)
	case KindDeferred:
		return now.Add(st.Delay)
	case KindExplicit:
		return st.At
	default:
		return now
	}
}

// bestInWindow scans whole-hour candidates of the window with the
// category-level score. The first strictly higher score wins; ties keep the
// earlier candidate and no positive score keeps Start.
func (s *Scheduler) bestInWindow(ctx context.Context, st Strategy, category string) time.Time {
	best, bestScore := st.Start, 0.0
	for k := 0; k < int(st.Duration/time.Hour); k++ {
		candidate := st.Start.Add(time.Duration(k) * time.Hour)
		if score := s.an.EngagementScore(ctx, category); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	return best
}

func (s *Scheduler) submit(ctx context.Context, p Policy, req Request, st Strategy, at, now time.Time) (Item, error) {
	payload := req.Payload
	payload.Category = req.Category

	dctx, cancel := context.WithTimeout(ctx, p.SubmitTimeout)
	deliveryID, err := s.deliv.Submit(dctx, at, payload)
	cancel()
	if err != nil {
		derr := &DeliveryError{Category: req.Category, Err: err}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleRejected, Time: now, Data: map[string]string{
			"category": req.Category, "priority": req.Priority.String(), "error": err.Error(),
		}})
		s.log.Warn("delivery rejected",
			logx.Category(req.Category),
			logx.String("priority", req.Priority.String()),
			logx.Err(err),
		)
		return Item{}, derr
	}

	it := Item{
		ID:            uuid.NewString(),
		DeliveryID:    deliveryID,
		Category:      req.Category,
		Priority:      req.Priority,
		ScheduledTime: at,
		Strategy:      st,
		CreatedAt:     now,
		Status:        StatusSubmitted,
		Payload:       payload,

		SkipQuietHours: req.SkipQuietHours,
	}
	s.track(ctx, p, it)

	// Sent is a fact once the collaborator accepted the item. It is bucketed by
	// the delivery hour so later opens land in the same bucket.
	if err := s.an.RecordSentAt(ctx, req.Category, at); err != nil {
		s.log.Warn("record sent failed", logx.Category(req.Category), logx.Err(err))
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleSubmitted, Time: now, Data: it})
	s.log.Info("notification scheduled",
		logx.String("id", it.ID),
		logx.Category(it.Category),
		logx.String("priority", it.Priority.String()),
		logx.String("strategy", st.String()),
		logx.Time("at", at),
	)
	return it, nil
}

// track persists it, then registers it. The store write comes first so a
// fire racing the registration never leaves a stale row behind.
func (s *Scheduler) track(ctx context.Context, p Policy, it Item) {
	s.save(ctx, p, it)
	if !s.put(it) {
		s.forget(ctx, p, it.ID)
	}
}

// put registers it. It reports false, dropping any previous version of the
// item, when its delivery already fired.
func (s *Scheduler) put(it Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, fired := s.early[it.DeliveryID]; fired && it.DeliveryID != "" {
		delete(s.early, it.DeliveryID)
		if prev, ok := s.items[it.ID]; ok {
			delete(s.byDelivery, prev.DeliveryID)
			delete(s.items, it.ID)
		}
		return false
	}
	cp := it
	s.items[it.ID] = &cp
	if it.DeliveryID != "" {
		s.byDelivery[it.DeliveryID] = it.ID
	}
	return true
}

// remove drops id and returns the removed item.
func (s *Scheduler) remove(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	delete(s.items, id)
	delete(s.byDelivery, it.DeliveryID)
	return *it, true
}

func (s *Scheduler) save(ctx context.Context, p Policy, it Item) {
	if s.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.StoreTimeout)
	err := s.store.SaveItem(sctx, it)
	cancel()
	if err != nil {
		s.persistFailed(it.ID, "save", err)
	}
}

func (s *Scheduler) forget(ctx context.Context, p Policy, id string) {
	if s.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.StoreTimeout)
	err := s.store.DeleteItem(sctx, id)
	cancel()
	if err != nil {
		s.persistFailed(id, "delete", err)
	}
}

func (s *Scheduler) persistFailed(id, op string, err error) {
	s.log.Warn("scheduled item persist failed", logx.String("id", id), logx.String("op", op), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulePersistFailed, Data: map[string]string{
		"id": id, "op": op, "error": err.Error(),
	}})
}

// Cancel withdraws item id from the delivery collaborator and forgets it.
// Cancelling an unknown or already cancelled item succeeds.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	it, ok := s.Get(id)
	if !ok {
		return nil
	}
	p := s.currentPolicy()
	dctx, cancel := context.WithTimeout(ctx, p.SubmitTimeout)
	err := s.deliv.Cancel(dctx, it.DeliveryID)
	cancel()
	if err != nil {
		return fmt.Errorf("cancel delivery %s: %w", it.DeliveryID, err)
	}
	it, ok = s.remove(id)
	if !ok {
		return nil
	}
	s.forget(ctx, p, id)

	it.Status = StatusCancelled
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleCancelled, Data: it})
	s.log.Info("notification cancelled", logx.String("id", id), logx.Category(it.Category))
	return nil
}

// CancelCategory cancels every item of category and returns how many were
// cancelled.
func (s *Scheduler) CancelCategory(ctx context.Context, category string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, it := range s.Pending(category) {
		if err := s.Cancel(ctx, it.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Reschedule moves item id to at, bypassing strategy resolution and quiet
// hours. The replacement is submitted before the old delivery is withdrawn,
// so a rejection leaves the original in place.
func (s *Scheduler) Reschedule(ctx context.Context, id string, at time.Time) (Item, error) {
	old, ok := s.Get(id)
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	p := s.currentPolicy()
	at = at.In(p.Location)

	dctx, cancel := context.WithTimeout(ctx, p.SubmitTimeout)
	deliveryID, err := s.deliv.Submit(dctx, at, old.Payload)
	cancel()
	if err != nil {
		return Item{}, &DeliveryError{Category: old.Category, Err: err}
	}

	dctx, cancel = context.WithTimeout(ctx, p.SubmitTimeout)
	if err := s.deliv.Cancel(dctx, old.DeliveryID); err != nil {
		s.log.Warn("cancel of rescheduled delivery failed", logx.String("id", id), logx.Err(err))
	}
	cancel()

	it := old
	it.DeliveryID = deliveryID
	it.ScheduledTime = at
	it.Strategy = Explicit(at)
	// An explicit time was chosen by the caller; a restore keeps it as is.
	it.SkipQuietHours = true
	s.mu.Lock()
	if cur, ok := s.items[id]; ok {
		delete(s.byDelivery, cur.DeliveryID)
	}
	s.mu.Unlock()
	s.track(ctx, p, it)

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleRescheduled, Data: it})
	s.log.Info("notification rescheduled", logx.String("id", id), logx.Time("at", at))
	return it, nil
}

// Get returns a copy of item id.
func (s *Scheduler) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Pending lists items of category ("" for all), earliest first.
func (s *Scheduler) Pending(category string) []Item {
	category = s.filterName(category)
	s.mu.Lock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if category == "" || it.Category == category {
			out = append(out, *it)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) Count(category string) int {
	category = s.filterName(category)
	s.mu.Lock()
	defer s.mu.Unlock()
	if category == "" {
		return len(s.items)
	}
	n := 0
	for _, it := range s.items {
		if it.Category == category {
			n++
		}
	}
	return n
}

// MarkFired forgets the item behind deliveryID once the collaborator fired it.
func (s *Scheduler) MarkFired(ctx context.Context, deliveryID string) bool {
	s.mu.Lock()
	id, ok := s.byDelivery[deliveryID]
	if !ok {
		s.early[deliveryID] = s.clk.Now()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if _, ok := s.remove(id); !ok {
		return false
	}
	s.forget(ctx, s.currentPolicy(), id)
	return true
}

// Reap forgets items whose time passed more than grace ago. It catches fires
// whose event was dropped.
func (s *Scheduler) Reap(ctx context.Context, grace time.Duration) int {
	cutoff := s.clk.Now().Add(-grace)
	var ids []string
	s.mu.Lock()
	for id, it := range s.items {
		if it.ScheduledTime.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for id, at := range s.early {
		if at.Before(cutoff) {
			delete(s.early, id)
		}
	}
	s.mu.Unlock()

	p := s.currentPolicy()
	n := 0
	for _, id := range ids {
		if _, ok := s.remove(id); ok {
			s.forget(ctx, p, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("reaped fired items", logx.Int("count", n))
	}
	return n
}

// Restore reloads persisted items and hands them to the delivery collaborator
// again, since its timers do not survive a restart. Overdue items fire now,
// or at the end of quiet hours unless the item opted out of them. No
// additional sent is recorded.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	p := s.currentPolicy()
	lctx, cancel := context.WithTimeout(ctx, p.StoreTimeout)
	items, err := s.store.LoadPendingItems(lctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("load pending items: %w", err)
	}

	now := s.clk.Now().In(p.Location)
	n := 0
	for _, it := range items {
		if it.Status == StatusCancelled {
			s.forget(ctx, p, it.ID)
			continue
		}
		at := it.ScheduledTime
		if at.Before(now) {
			at = now
			if !it.SkipQuietHours {
				at = p.Quiet.Adjust(now)
			}
		}
		dctx, cancel := context.WithTimeout(ctx, p.SubmitTimeout)
		deliveryID, err := s.deliv.Submit(dctx, at, it.Payload)
		cancel()
		if err != nil {
			s.log.Warn("restore submit failed", logx.String("id", it.ID), logx.Err(err))
			s.forget(ctx, p, it.ID)
			continue
		}
		it.DeliveryID = deliveryID
		it.ScheduledTime = at
		it.Status = StatusSubmitted
		s.track(ctx, p, it)
		n++
	}
	s.log.Info("scheduled items restored", logx.Int("count", n), logx.Int("stored", len(items)))
	return n, nil
}
