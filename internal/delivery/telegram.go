package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/pkg/clock"
	"cadence/pkg/keyed"
	logx "cadence/pkg/logx"
)

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	SendTimeout time.Duration
	// FeedbackWindow is how long buttons of a fired message keep counting.
	FeedbackWindow time.Duration
}

// Feedback button kinds, also used as the telebot "unique" callback prefix.
const (
	feedbackOpen    = "cad_open"
	feedbackDone    = "cad_done"
	feedbackDismiss = "cad_dismiss"
)

type sentRecord struct {
	Category string
	SentAt   time.Time
	Opened   bool
}

// Telegram delivers notifications as bot messages with Open, Done and Dismiss
// buttons. Button presses are reported to Feedback.
type Telegram struct {
	*timers

	cfg     TelegramConfig
	log     logx.Logger
	clk     clock.Clock
	fb      Feedback
	bot     *tele.Bot
	post    func(text string, markup *tele.ReplyMarkup) error
	fired   *keyed.Cache[sentRecord]
	fmu     sync.Mutex // serializes feedback per process
	runMu   sync.Mutex
	sup     *rtsup.Supervisor
	running bool
}

func NewTelegram(cfg TelegramConfig, fb Feedback, log logx.Logger, bus eventbus.Bus, clk clock.Clock) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	t := newTelegram(cfg, fb, log, bus, clk)
	t.bot = b
	t.post = func(text string, markup *tele.ReplyMarkup) error {
		_, err := b.Send(tele.ChatID(cfg.ChatID), text, &tele.SendOptions{
			ParseMode:   tele.ModeHTML,
			ReplyMarkup: markup,
			ThreadID:    cfg.ThreadID,
		})
		return err
	}
	t.registerHandlers()
	return t, nil
}

func newTelegram(cfg TelegramConfig, fb Feedback, log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.FeedbackWindow <= 0 {
		cfg.FeedbackWindow = 48 * time.Hour
	}
	clk = clock.OrSystem(clk)
	t := &Telegram{
		cfg:   cfg,
		log:   log,
		clk:   clk,
		fb:    fb,
		fired: keyed.NewCache[sentRecord](keyed.WithCacheClock(clk), keyed.WithMaxEntries(4096)),
	}
	t.timers = newTimers("telegram", t.deliver, cfg.SendTimeout, clk, log, bus)
	return t
}

func (t *Telegram) deliver(ctx context.Context, id string, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.post(formatMessage(p), feedbackMarkup(id)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	t.fired.Set(id, sentRecord{Category: p.Category, SentAt: t.clk.Now()}, t.cfg.FeedbackWindow)
	return nil
}

func formatMessage(p Payload) string {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(p.Title))
		b.WriteString("</b>")
	}
	if p.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(html.EscapeString(p.Body))
	}
	s := b.String()
	if rs := []rune(s); len(rs) > telegramTextLimit {
		s = string(rs[:telegramTextLimit-1]) + "…"
	}
	return s
}

func feedbackMarkup(id string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(
		rm.Data("Open", feedbackOpen, id),
		rm.Data("Done", feedbackDone, id),
		rm.Data("Dismiss", feedbackDismiss, id),
	))
	return rm
}

func (t *Telegram) registerHandlers() {
	for _, kind := range []string{feedbackOpen, feedbackDone, feedbackDismiss} {
		kind := kind
		t.bot.Handle(&tele.Btn{Unique: kind}, func(c tele.Context) error {
			msg, err := t.handleFeedback(context.Background(), kind, c.Data())
			if err != nil {
				t.log.Warn("feedback not recorded", logx.String("kind", kind), logx.Err(err))
			}
			return c.Respond(&tele.CallbackResponse{Text: msg})
		})
	}
}

// handleFeedback maps a button press to analyzer events and returns the text
// shown to the user. Done implies an open; Done and Dismiss are final.
func (t *Telegram) handleFeedback(ctx context.Context, kind, id string) (string, error) {
	if t.fb == nil {
		return "Thanks!", nil
	}
	t.fmu.Lock()
	defer t.fmu.Unlock()

	rec, ok := t.fired.Get(id)
	if !ok {
		return "This notification has expired.", nil
	}
	now := t.clk.Now()
	ttl := t.cfg.FeedbackWindow - now.Sub(rec.SentAt)

	switch kind {
	case feedbackOpen:
		if rec.Opened {
			return "Already noted.", nil
		}
		if err := t.fb.RecordOpened(ctx, rec.Category, rec.SentAt, now); err != nil {
			return "Something went wrong.", err
		}
		rec.Opened = true
		t.fired.Set(id, rec, ttl)
		return "Opened.", nil
	case feedbackDone:
		if !rec.Opened {
			if err := t.fb.RecordOpened(ctx, rec.Category, rec.SentAt, now); err != nil {
				return "Something went wrong.", err
			}
		}
		t.fired.Invalidate(id)
		if err := t.fb.RecordAction(ctx, rec.Category); err != nil {
			return "Something went wrong.", err
		}
		return "Nice work!", nil
	case feedbackDismiss:
		t.fired.Invalidate(id)
		if err := t.fb.RecordDismissed(ctx, rec.Category, rec.SentAt, now); err != nil {
			return "Something went wrong.", err
		}
		return "Dismissed.", nil
	default:
		return "", fmt.Errorf("unknown feedback kind %q", kind)
	}
}

// SweepFeedback drops expired button records.
func (t *Telegram) SweepFeedback() int { return t.fired.Sweep() }

// Start runs the long poller for button callbacks under a supervisor.
func (t *Telegram) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running || t.bot == nil {
		return
	}
	t.running = true
	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log))
	sup := t.sup
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop ends polling, disarms pending deliveries and waits for sends in flight.
func (t *Telegram) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	t.running = false
	t.runMu.Unlock()

	if sup != nil {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := sup.Wait(wctx); err != nil {
			t.log.Debug("telegram poller stop", logx.Err(err))
		}
		cancel()
	}
	return t.timers.Close(ctx)
}
