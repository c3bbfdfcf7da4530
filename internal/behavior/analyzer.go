package behavior

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/eventbus"
	"cadence/pkg/clock"
	logx "cadence/pkg/logx"
)

// Store is the persistence seam for timing models.
//
// LoadTimingModel reports absence explicitly with ok=false.
type Store interface {
	LoadTimingModel(ctx context.Context, category string) (m TimingModel, ok bool, err error)
	SaveTimingModel(ctx context.Context, m TimingModel) error
	DeleteTimingModel(ctx context.Context, category string) error
	ListTimingModels(ctx context.Context) ([]TimingModel, error)
}

// HourPicker selects one hour out of a non-empty candidate list.
type HourPicker func(candidates []int) int

// Config controls the Analyzer.
type Config struct {
	MinSamples       int
	ConfidenceTarget int
	// Location is the timezone hour buckets are computed in (default time.Local).
	Location *time.Location
	// PersistTimeout bounds each store call (default 2s).
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.ConfidenceTarget <= 0 {
		c.ConfidenceTarget = DefaultConfidenceTarget
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 2 * time.Second
	}
	return c
}

// RecordedEvent is the payload of eventbus.TypeBehaviorRecorded.
type RecordedEvent struct {
	Category string    `json:"category"`
	Kind     string    `json:"kind"` // sent | opened | dismissed | action
	Hour     int       `json:"hour"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type entry struct {
	mu     sync.Mutex // single writer per category
	loaded atomic.Bool
	snap   atomic.Pointer[TimingModel]
}

// Analyzer is the single owner of TimingModel mutation and the place that
// answers "when is a good time" questions.
type Analyzer struct {
	cfg   Config
	store Store
	reg   *Registry
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	pick  HourPicker

	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Analyzer)

func WithStore(s Store) Option           { return func(a *Analyzer) { a.store = s } }
func WithRegistry(r *Registry) Option    { return func(a *Analyzer) { a.reg = r } }
func WithClock(c clock.Clock) Option     { return func(a *Analyzer) { a.clk = c } }
func WithLogger(l logx.Logger) Option    { return func(a *Analyzer) { a.log = l } }
func WithBus(b eventbus.Bus) Option      { return func(a *Analyzer) { a.bus = b } }
func WithHourPicker(p HourPicker) Option { return func(a *Analyzer) { a.pick = p } }

// NewAnalyzer creates an Analyzer. Without a store, models live in memory only.
func NewAnalyzer(cfg Config, opts ...Option) *Analyzer {
	a := &Analyzer{cfg: cfg.withDefaults(), entries: map[string]*entry{}}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = DefaultRegistry()
	}
	a.clk = clock.OrSystem(a.clk)
	if a.log.IsZero() {
		a.log = logx.Nop()
	}
	if a.bus == nil {
		a.bus = eventbus.Nop()
	}
	if a.pick == nil {
		a.pick = randomPicker(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	return a
}

func randomPicker(rng *rand.Rand) HourPicker {
	var mu sync.Mutex
	return func(c []int) int {
		if len(c) == 1 {
			return c[0]
		}
		mu.Lock()
		i := rng.Intn(len(c))
		mu.Unlock()
		return c[i]
	}
}

func (a *Analyzer) Registry() *Registry { return a.reg }

// Validate reports whether category is accepted by the registry.
func (a *Analyzer) Validate(category string) error { return a.reg.Validate(category) }

func (a *Analyzer) now() time.Time { return a.clk.Now().In(a.cfg.Location) }

// Warm loads every stored model so reports cover categories not yet touched
// in this process.
func (a *Analyzer) Warm(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, a.cfg.PersistTimeout)
	models, err := a.store.ListTimingModels(cctx)
	cancel()
	if err != nil {
		return err
	}
	for i := range models {
		m := models[i]
		e := a.entryFor(m.Category)
		e.mu.Lock()
		if !e.loaded.Load() {
			e.snap.Store(&m)
			e.loaded.Store(true)
		}
		e.mu.Unlock()
	}
	a.log.Info("timing models loaded", logx.Int("count", len(models)))
	return nil
}

// ---- Recording ----

func (a *Analyzer) RecordSent(ctx context.Context, category string) error {
	return a.RecordSentAt(ctx, category, a.now())
}

// RecordSentAt counts a send in the bucket of at, the time the notification
// is delivered.
func (a *Analyzer) RecordSentAt(ctx context.Context, category string, at time.Time) error {
	h := at.In(a.cfg.Location).Hour()
	return a.mutate(ctx, category, "sent", h, func(m *TimingModel) { m.recordSent(h) })
}

// RecordOpened counts an open against the hour the notification was sent.
func (a *Analyzer) RecordOpened(ctx context.Context, category string, sentAt, openedAt time.Time) error {
	h := sentAt.In(a.cfg.Location).Hour()
	if err := a.mutate(ctx, category, "opened", h, func(m *TimingModel) { m.recordOpened(h) }); err != nil {
		return err
	}
	a.log.Debug("notification opened",
		logx.Category(category),
		logx.Duration("time_to_open", openedAt.Sub(sentAt)),
	)
	return nil
}

// RecordDismissed counts a dismissal against the hour the notification was sent.
func (a *Analyzer) RecordDismissed(ctx context.Context, category string, sentAt, dismissedAt time.Time) error {
	h := sentAt.In(a.cfg.Location).Hour()
	if err := a.mutate(ctx, category, "dismissed", h, func(m *TimingModel) { m.recordDismissed(h) }); err != nil {
		return err
	}
	a.log.Debug("notification dismissed",
		logx.Category(category),
		logx.Duration("time_to_dismiss", dismissedAt.Sub(sentAt)),
	)
	return nil
}

func (a *Analyzer) RecordAction(ctx context.Context, category string) error {
	h := a.now().Hour()
	return a.mutate(ctx, category, "action", h, func(m *TimingModel) { m.recordAction(h) })
}

func (a *Analyzer) mutate(ctx context.Context, category, kind string, hour int, fn func(m *TimingModel)) error {
	category, _, err := a.canonical(category)
	if err != nil {
		return err
	}
	e := a.load(ctx, category)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := a.now()
	m := *e.snap.Load()
	fn(&m)
	m.LastUpdated = now
	e.snap.Store(&m)

	a.persist(ctx, m, kind)
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeBehaviorRecorded,
		Time: now,
		Data: RecordedEvent{Category: category, Kind: kind, Hour: hour, At: now},
	})
	a.log.Debug("behavior recorded",
		logx.Category(category),
		logx.String("kind", kind),
		logx.Int("hour", hour),
		logx.Int("total_sent", m.TotalSent),
	)
	return nil
}

// persist saves m. Failures are logged and published, never returned: the
// in-memory copy stays authoritative for the process lifetime.
func (a *Analyzer) persist(ctx context.Context, m TimingModel, kind string) {
	if a.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.PersistTimeout)
	err := a.store.SaveTimingModel(cctx, m)
	cancel()
	if err == nil {
		return
	}
	a.log.Warn("timing model save failed", logx.Category(m.Category), logx.Err(err))
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeBehaviorSaveFailed,
		Data: RecordedEvent{Category: m.Category, Kind: kind, At: a.now(), Error: err.Error()},
	})
}

// ---- Model lifecycle ----

func (a *Analyzer) entryFor(category string) *entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[category]
	if !ok {
		e = &entry{}
		a.entries[category] = e
	}
	return e
}

// load returns the entry for category, loading it from the store on first use.
func (a *Analyzer) load(ctx context.Context, category string) *entry {
	e := a.entryFor(category)
	if e.loaded.Load() {
		return e
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded.Load() {
		return e
	}

	m := NewTimingModel(category, a.now())
	if a.store != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.PersistTimeout)
		stored, ok, err := a.store.LoadTimingModel(cctx, category)
		cancel()
		switch {
		case err != nil:
			a.log.Warn("timing model load failed; starting empty", logx.Category(category), logx.Err(err))
		case ok:
			m = stored
		}
	}
	e.snap.Store(&m)
	e.loaded.Store(true)
	return e
}

// Canonical validates category and returns the name its model is kept under.
func (a *Analyzer) Canonical(category string) (string, error) {
	name, _, err := a.canonical(category)
	return name, err
}

// canonical maps an alias onto the registered name. Unregistered keys
// accepted by the registry keep their own name.
func (a *Analyzer) canonical(category string) (string, Profile, error) {
	p, err := a.reg.Lookup(category)
	if err != nil {
		return "", Profile{}, err
	}
	if p.Name == "" || p.Name == FallbackProfile.Name {
		return category, p, nil
	}
	return p.Name, p, nil
}

// Model returns the latest committed snapshot for category.
func (a *Analyzer) Model(ctx context.Context, category string) (TimingModel, error) {
	category, _, err := a.canonical(category)
	if err != nil {
		return TimingModel{}, err
	}
	return *a.load(ctx, category).snap.Load(), nil
}

// snapshot is Model for prediction paths: never fails, invalid keys read as empty.
func (a *Analyzer) snapshot(ctx context.Context, category string) (TimingModel, Profile) {
	name, p, err := a.canonical(category)
	if err != nil {
		return NewTimingModel(category, a.now()), FallbackProfile
	}
	return *a.load(ctx, name).snap.Load(), p
}

// Reset clears the learned state of category, in memory and in the store.
func (a *Analyzer) Reset(ctx context.Context, category string) error {
	category, _, err := a.canonical(category)
	if err != nil {
		return err
	}
	e := a.entryFor(category)
	e.mu.Lock()
	fresh := NewTimingModel(category, a.now())
	e.snap.Store(&fresh)
	e.loaded.Store(true)
	e.mu.Unlock()

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeBehaviorReset, Data: RecordedEvent{Category: category, Kind: "reset", At: a.now()}})
	if a.store == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, a.cfg.PersistTimeout)
	defer cancel()
	return a.store.DeleteTimingModel(cctx, category)
}

// ResetAll clears every model, including stored ones not loaded in memory.
func (a *Analyzer) ResetAll(ctx context.Context) error {
	seen := map[string]struct{}{}
	for _, c := range a.categories() {
		seen[c] = struct{}{}
		e := a.entryFor(c)
		e.mu.Lock()
		fresh := NewTimingModel(c, a.now())
		e.snap.Store(&fresh)
		e.loaded.Store(true)
		e.mu.Unlock()
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeBehaviorReset, Data: RecordedEvent{Kind: "reset_all", At: a.now()}})
	if a.store == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, a.cfg.PersistTimeout)
	defer cancel()
	stored, err := a.store.ListTimingModels(cctx)
	if err != nil {
		return err
	}
	for _, m := range stored {
		seen[m.Category] = struct{}{}
	}
	for c := range seen {
		if err := a.store.DeleteTimingModel(cctx, c); err != nil {
			return err
		}
	}
	a.log.Info("all timing models reset", logx.Int("count", len(seen)))
	return nil
}

func (a *Analyzer) categories() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for c, e := range a.entries {
		if e.loaded.Load() {
			out = append(out, c)
		}
	}
	return out
}
