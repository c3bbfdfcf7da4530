package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cadence/internal/config"
	"cadence/internal/delivery"
	"cadence/internal/eventbus"
	"cadence/internal/schedule"
)

// notificationRequest is the wire form of schedule.Request. Priority is
// required; there is no implicit default.
type notificationRequest struct {
	Category       string            `json:"category"`
	Priority       string            `json:"priority"`
	Title          string            `json:"title"`
	Body           string            `json:"body,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	SkipQuietHours bool              `json:"skip_quiet_hours,omitempty"`
}

func (n notificationRequest) toRequest() (schedule.Request, error) {
	if strings.TrimSpace(n.Priority) == "" {
		return schedule.Request{}, fmt.Errorf("%w: priority is required", schedule.ErrInvalidPriority)
	}
	p, err := schedule.ParsePriority(n.Priority)
	if err != nil {
		return schedule.Request{}, err
	}
	return schedule.Request{
		Category:       n.Category,
		Priority:       p,
		SkipQuietHours: n.SkipQuietHours,
		Payload: delivery.Payload{
			Category: n.Category,
			Title:    n.Title,
			Body:     n.Body,
			Data:     n.Data,
		},
	}, nil
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body notificationRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		a.writeError(w, err)
		return
	}
	it, err := a.d.Scheduler.Schedule(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

type batchResult struct {
	Index int            `json:"index"`
	Item  *schedule.Item `json:"item,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []notificationRequest `json:"items"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if len(body.Items) == 0 {
		a.writeError(w, badRequest("items must not be empty"))
		return
	}
	reqs := make([]schedule.Request, len(body.Items))
	for i, n := range body.Items {
		req, err := n.toRequest()
		if err != nil {
			a.writeError(w, badRequest("items[%d]: %v", i, err))
			return
		}
		reqs[i] = req
	}

	results, err := a.d.Scheduler.ScheduleBatch(r.Context(), reqs)
	out := make([]batchResult, len(results))
	for i, res := range results {
		out[i].Index = res.Index
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			continue
		}
		it := res.Item
		out[i].Item = &it
	}
	resp := map[string]any{"results": out}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	items := a.d.Scheduler.Pending(r.URL.Query().Get("category"))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	it, ok := a.d.Scheduler.Get(chi.URLParam(r, "id"))
	if !ok {
		a.writeError(w, schedule.ErrItemNotFound)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCancelCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if err := a.d.Analyzer.Validate(category); err != nil {
		a.writeError(w, err)
		return
	}
	n, err := a.d.Scheduler.CancelCategory(r.Context(), category)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (a *API) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At time.Time `json:"at"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.At.IsZero() {
		a.writeError(w, badRequest("at is required"))
		return
	}
	it, err := a.d.Scheduler.Reschedule(r.Context(), chi.URLParam(r, "id"), body.At)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleEvent records an interaction observed outside the built-in drivers.
// sent_at is required for opened and dismissed; at defaults to now.
func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string    `json:"category"`
		SentAt   time.Time `json:"sent_at,omitzero"`
		At       time.Time `json:"at,omitzero"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	at := body.At
	if at.IsZero() {
		at = a.d.Clock.Now()
	}

	ctx := r.Context()
	var err error
	switch kind := chi.URLParam(r, "kind"); kind {
	case "sent":
		err = a.d.Analyzer.RecordSentAt(ctx, body.Category, at)
	case "opened", "dismissed":
		if body.SentAt.IsZero() {
			a.writeError(w, badRequest("sent_at is required for %s", kind))
			return
		}
		if kind == "opened" {
			err = a.d.Analyzer.RecordOpened(ctx, body.Category, body.SentAt, at)
		} else {
			err = a.d.Analyzer.RecordDismissed(ctx, body.Category, body.SentAt, at)
		}
	case "action":
		err = a.d.Analyzer.RecordAction(ctx, body.Category)
	default:
		err = badRequest("unknown event kind %q", kind)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": a.d.Analyzer.Registry().Names()})
}

// handleCategory reports the model status with the next predicted time.
// ?within=<hours> bounds the prediction horizon (default 24).
func (a *API) handleCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	within := 24
	if raw := r.URL.Query().Get("within"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 24 {
			a.writeError(w, badRequest("within must be 1..24"))
			return
		}
		within = n
	}
	ctx := r.Context()
	st, err := a.d.Analyzer.Status(ctx, category)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         st,
		"predicted_time": a.d.Analyzer.PredictBestTime(ctx, category, within),
		"good_now":       a.d.Analyzer.IsGoodTimeNow(ctx, category),
	})
}

func (a *API) handleBestHour(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if err := a.d.Analyzer.Validate(category); err != nil {
		a.writeError(w, err)
		return
	}
	hour := func(name string, def int) (int, bool) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return def, true
		}
		n, err := strconv.Atoi(raw)
		return n, err == nil && n >= 0 && n <= 23
	}
	start, ok1 := hour("start", 0)
	end, ok2 := hour("end", 23)
	if !ok1 || !ok2 {
		a.writeError(w, badRequest("start and end must be hours 0..23"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"hour": a.d.Analyzer.PredictBestHour(r.Context(), category, start, end),
	})
}

func (a *API) handleResetModel(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Analyzer.Reset(r.Context(), chi.URLParam(r, "category")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Analyzer.ResetAll(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  a.d.Analyzer.Report(ctx),
		"overall": a.d.Analyzer.Overall(ctx),
	})
}

func (a *API) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	v, ok := a.d.Cache.Get(chi.URLParam(r, "key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "cache miss"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v)
}

// handleCachePut stores {"value": <any json>, "ttl": "5m"}.
func (a *API) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value json.RawMessage `json:"value"`
		TTL   string          `json:"ttl"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if len(body.Value) == 0 {
		a.writeError(w, badRequest("value is required"))
		return
	}
	ttl, err := config.ParseDurationField("ttl", body.TTL)
	if err != nil || ttl <= 0 {
		a.writeError(w, badRequest("ttl must be a positive duration"))
		return
	}
	a.d.Cache.Set(chi.URLParam(r, "key"), body.Value, ttl)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	a.d.Cache.Invalidate(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

// handleAcquire takes the cooldown slot for key; ?interval=<duration> is required.
func (a *API) handleAcquire(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	interval, err := config.ParseDurationField("interval", r.URL.Query().Get("interval"))
	if err != nil || interval <= 0 {
		a.writeError(w, badRequest("interval must be a positive duration"))
		return
	}
	if err := a.d.Limiter.Acquire(key, interval); err != nil {
		a.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeLimitDenied, Data: map[string]string{
			"source": "limiter", "key": key,
		}})
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "allowed": true})
}
