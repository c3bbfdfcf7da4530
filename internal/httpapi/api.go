// Package httpapi exposes the engine over HTTP.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cadence/internal/behavior"
	"cadence/internal/eventbus"
	"cadence/internal/schedule"
	"cadence/pkg/clock"
	"cadence/pkg/keyed"
	logx "cadence/pkg/logx"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Deps are the engine parts the API serves.
type Deps struct {
	Scheduler *schedule.Scheduler
	Analyzer  *behavior.Analyzer
	Cache     *keyed.Cache[json.RawMessage]
	Limiter   *keyed.RateLimiter
	// Quota is optional; nil or disabled limits never deny.
	Quota   *keyed.Quota
	Metrics http.Handler
	Bus     eventbus.Bus
	Clock   clock.Clock
	Log     logx.Logger
}

// Options toggle the optional surfaces.
type Options struct {
	Token string
	Pprof bool
}

// API is the http.Handler serving every route.
type API struct {
	d      Deps
	opts   Options
	router chi.Router
}

func New(d Deps, opts Options) *API {
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	d.Clock = clock.OrSystem(d.Clock)
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.Component("httpapi"))
	a := &API{d: d, opts: opts}
	a.routes()
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": a.d.Scheduler.Count("")})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.auth)
		if a.d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.d.Metrics)
		}
		if a.opts.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.auth)
		r.Use(a.quota)

		r.Post("/notifications", a.handleSchedule)
		r.Post("/notifications/batch", a.handleBatch)
		r.Get("/notifications", a.handleList)
		r.Get("/notifications/{id}", a.handleGet)
		r.Delete("/notifications/{id}", a.handleCancel)
		r.Post("/notifications/{id}/reschedule", a.handleReschedule)

		r.Post("/events/{kind}", a.handleEvent)

		r.Get("/categories", a.handleCategories)
		r.Get("/categories/{category}", a.handleCategory)
		r.Get("/categories/{category}/best-hour", a.handleBestHour)
		r.Delete("/categories/{category}/model", a.handleResetModel)
		r.Delete("/categories/{category}/notifications", a.handleCancelCategory)
		r.Delete("/models", a.handleResetAll)
		r.Get("/report", a.handleReport)

		r.Get("/cache/{key}", a.handleCacheGet)
		r.Put("/cache/{key}", a.handleCachePut)
		r.Delete("/cache/{key}", a.handleCacheDelete)

		r.Post("/limits/{key}/acquire", a.handleAcquire)
	})

	a.router = r
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.d.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token> when a token is set.
func (a *API) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.opts.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// quota applies the per-client usage budget keyed by remote host.
func (a *API) quota(next http.Handler) http.Handler {
	if a.d.Quota == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if h, _, err := net.SplitHostPort(client); err == nil {
			client = h
		}
		ok, denial := a.d.Quota.Allow(client)
		if !ok {
			a.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeLimitDenied, Data: map[string]string{
				"source": "quota", "key": client, "window": denial.Window,
			}})
			setRetryAfter(w, denial.RetryAfter)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "quota exceeded for " + denial.Window})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps engine errors onto status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var limited *keyed.RateLimitedError
	switch {
	case errors.As(err, &limited):
		status = http.StatusTooManyRequests
		setRetryAfter(w, limited.RetryAfter)
	case errors.Is(err, errBadRequest),
		errors.Is(err, behavior.ErrInvalidCategory),
		errors.Is(err, behavior.ErrUnknownCategory),
		errors.Is(err, schedule.ErrInvalidPriority):
		status = http.StatusBadRequest
	case errors.Is(err, schedule.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, schedule.ErrDeliveryRejected):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		a.d.Log.Error("request failed", logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := max(1, int(math.Ceil(d.Seconds())))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
