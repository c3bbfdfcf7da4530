package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cadence/internal/behavior"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

// fileStore keeps everything in memory and makes it durable with two files:
//   - <prefix>.snapshot.json (full state, written via tmp + rename)
//   - <prefix>.journal.jsonl (append-only operations since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	state        fileState

	writes       int
	compactEvery int
}

type fileState struct {
	Models map[string]behavior.TimingModel `json:"models"`
	Items  map[string]schedule.Item        `json:"items"`
}

const (
	opPutModel    = "put_model"
	opDeleteModel = "delete_model"
	opPutItem     = "put_item"
	opDeleteItem  = "delete_item"
)

type journalRecord struct {
	Op    string                `json:"op"`
	Key   string                `json:"key,omitempty"`
	Model *behavior.TimingModel `json:"model,omitempty"`
	Item  *schedule.Item        `json:"item,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := fileState{Models: map[string]behavior.TimingModel{}, Items: map[string]schedule.Item{}}
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, err := replayJournal(journalPath, &st, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateLastLine(jf); err != nil {
		_ = jf.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 500
	}
	log.Debug("file store opened",
		logx.String("path", prefix),
		logx.Int("models", len(st.Models)),
		logx.Int("items", len(st.Items)),
		logx.Int("journal_records", replayed),
	)
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err1 := s.compactLocked()
	err2 := s.journal.Close()
	s.journal = nil
	return errors.Join(err1, err2)
}

// appendLocked applies r to the in-memory state after journaling it.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	applyRecord(&s.state, r)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func applyRecord(st *fileState, r journalRecord) {
	switch r.Op {
	case opPutModel:
		if r.Model != nil {
			st.Models[r.Model.Category] = *r.Model
		}
	case opDeleteModel:
		delete(st.Models, r.Key)
	case opPutItem:
		if r.Item != nil {
			st.Items[r.Item.ID] = *r.Item
		}
	case opDeleteItem:
		delete(st.Items, r.Key)
	}
}

func (s *fileStore) LoadTimingModel(_ context.Context, category string) (behavior.TimingModel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return behavior.TimingModel{}, false, ErrClosed
	}
	m, ok := s.state.Models[category]
	return m, ok, nil
}

func (s *fileStore) SaveTimingModel(_ context.Context, m behavior.TimingModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: opPutModel, Model: &m})
}

func (s *fileStore) DeleteTimingModel(_ context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Models[category]; !ok && s.journal != nil {
		return nil
	}
	return s.appendLocked(journalRecord{Op: opDeleteModel, Key: category})
}

func (s *fileStore) ListTimingModels(context.Context) ([]behavior.TimingModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return sortedModels(s.state.Models), nil
}

func (s *fileStore) LoadPendingItems(context.Context) ([]schedule.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return sortedItems(s.state.Items), nil
}

func (s *fileStore) SaveItem(_ context.Context, it schedule.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: opPutItem, Item: &it})
}

func (s *fileStore) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Items[id]; !ok && s.journal != nil {
		return nil
	}
	return s.appendLocked(journalRecord{Op: opDeleteItem, Key: id})
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

// terminateLastLine appends a newline when a torn record is left at the end,
// so the next record starts on its own line.
func terminateLastLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Models {
		out.Models[k] = v
	}
	for k, v := range st.Items {
		out.Items[k] = v
	}
	return nil
}

// replayJournal applies journal records on top of out. A torn last line
// (crash mid-write) is skipped.
func replayJournal(path string, out *fileState, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			log.Warn("skipping unreadable journal record", logx.Err(err))
			continue
		}
		applyRecord(out, r)
		n++
	}
	return n, sc.Err()
}
