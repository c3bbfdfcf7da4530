package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"cadence/internal/behavior"
	"cadence/internal/delivery"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount         atomic.Uint64
	checkpointEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, checkpointEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumn(ctx, "scheduled_items", "skip_quiet", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn brings tables created by older builds up to the current schema.
func (s *sqliteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// wrote runs a passive WAL checkpoint every checkpointEvery writes.
func (s *sqliteStore) wrote() {
	if s.opCount.Add(1)%s.checkpointEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		s.log.Debug("wal checkpoint failed", logx.Err(err))
	}
}

// ---- timing models ----

func (s *sqliteStore) LoadTimingModel(ctx context.Context, category string) (behavior.TimingModel, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT category, hours, total_sent, total_opened, total_dismissed, last_updated
		 FROM timing_models WHERE category = ?`, category)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return behavior.TimingModel{}, false, nil
	}
	if err != nil {
		return behavior.TimingModel{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) SaveTimingModel(ctx context.Context, m behavior.TimingModel) error {
	hours, err := json.Marshal(m.Hours)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timing_models(category, hours, total_sent, total_opened, total_dismissed, last_updated)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(category) DO UPDATE SET
		   hours=excluded.hours,
		   total_sent=excluded.total_sent,
		   total_opened=excluded.total_opened,
		   total_dismissed=excluded.total_dismissed,
		   last_updated=excluded.last_updated`,
		m.Category, string(hours), m.TotalSent, m.TotalOpened, m.TotalDismissed, formatTime(m.LastUpdated),
	)
	if err == nil {
		s.wrote()
	}
	return err
}

func (s *sqliteStore) DeleteTimingModel(ctx context.Context, category string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timing_models WHERE category = ?`, category)
	return err
}

func (s *sqliteStore) ListTimingModels(ctx context.Context) ([]behavior.TimingModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, hours, total_sent, total_opened, total_dismissed, last_updated
		 FROM timing_models ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []behavior.TimingModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(sc scanner) (behavior.TimingModel, error) {
	var (
		m           behavior.TimingModel
		hours, last string
	)
	if err := sc.Scan(&m.Category, &hours, &m.TotalSent, &m.TotalOpened, &m.TotalDismissed, &last); err != nil {
		return behavior.TimingModel{}, err
	}
	if err := json.Unmarshal([]byte(hours), &m.Hours); err != nil {
		return behavior.TimingModel{}, fmt.Errorf("timing model %s: hours: %w", m.Category, err)
	}
	t, err := parseTime(last)
	if err != nil {
		return behavior.TimingModel{}, fmt.Errorf("timing model %s: last_updated: %w", m.Category, err)
	}
	m.LastUpdated = t
	return m, nil
}

// ---- scheduled items ----

func (s *sqliteStore) LoadPendingItems(ctx context.Context) ([]schedule.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, category, priority, scheduled_time, strategy, created_at, status, payload, skip_quiet
		 FROM scheduled_items ORDER BY scheduled_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Item
	for rows.Next() {
		var (
			it                                   schedule.Item
			prio, at, strategy, created, payload string
			status                               string
		)
		if err := rows.Scan(&it.ID, &it.DeliveryID, &it.Category, &prio, &at, &strategy, &created, &status, &payload, &it.SkipQuietHours); err != nil {
			return nil, err
		}
		if it.Priority, err = schedule.ParsePriority(prio); err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ID, err)
		}
		if it.ScheduledTime, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("item %s: scheduled_time: %w", it.ID, err)
		}
		if it.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("item %s: created_at: %w", it.ID, err)
		}
		if err := json.Unmarshal([]byte(strategy), &it.Strategy); err != nil {
			return nil, fmt.Errorf("item %s: strategy: %w", it.ID, err)
		}
		var p delivery.Payload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("item %s: payload: %w", it.ID, err)
		}
		it.Payload = p
		it.Status = schedule.Status(status)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveItem(ctx context.Context, it schedule.Item) error {
	strategy, err := json.Marshal(it.Strategy)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_items(id, delivery_id, category, priority, scheduled_time, strategy, created_at, status, payload, skip_quiet)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   delivery_id=excluded.delivery_id,
		   scheduled_time=excluded.scheduled_time,
		   strategy=excluded.strategy,
		   status=excluded.status,
		   payload=excluded.payload,
		   skip_quiet=excluded.skip_quiet`,
		it.ID, it.DeliveryID, it.Category, it.Priority.String(), formatTime(it.ScheduledTime),
		string(strategy), formatTime(it.CreatedAt), string(it.Status), string(payload), it.SkipQuietHours,
	)
	if err == nil {
		s.wrote()
	}
	return err
}

func (s *sqliteStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_items WHERE id = ?`, id)
	return err
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
