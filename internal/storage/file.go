package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

// fileStore keeps the rows in memory and persists every mutation.
//
// Files:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// The journal is replayed on open and compacted into the snapshot every compactEvery writes.
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut        journalOp = "put"
	opDelete     journalOp = "del"
	opDeleteUser journalOp = "del_user"
)

type journalRecord struct {
	Op     journalOp `json:"op"`
	Row    *Reminder `json:"row,omitempty"`
	ID     string    `json:"id,omitempty"`
	UserID int64     `json:"user_id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := &memoryStore{rows: map[string]Reminder{}}
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem.rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, mem.rows)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal lines", logx.Int("lines", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}
	s.mu.Lock()
	err = s.compactLocked()
	s.mu.Unlock()
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	log.Info("file store opened", logx.String("path", prefix), logx.Int("rows", len(mem.rows)))
	return s, nil
}

func (s *fileStore) Create(ctx context.Context, r *Reminder) error {
	if err := normalize(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("create", ErrClosed)
	}
	if r.Kind == KindDailyDigest {
		for _, row := range s.rows {
			if row.UserID == r.UserID && row.Kind == KindDailyDigest {
				return ErrDuplicateDigest
			}
		}
	}
	row := *r
	if err := s.appendLocked(journalRecord{Op: opPut, Row: &row}); err != nil {
		return unavailable("create", err)
	}
	s.rows[row.ID] = row
	return nil
}

func (s *fileStore) UpdateStage(ctx context.Context, id string, stage Stage) error {
	return s.mutate("update stage", id, func(r *Reminder) { r.Stage = r.Stage.Advance(stage) })
}

func (s *fileStore) UpdateTrigger(ctx context.Context, id string, at time.Time, zone, lastFiredDate string) error {
	return s.mutate("update trigger", id, func(r *Reminder) {
		r.TriggerAt = at.UTC().Truncate(time.Millisecond)
		r.Zone = zone
		r.LastFiredDate = lastFiredDate
	})
}

// mutate journals the new row before applying it, so memory never runs ahead of disk.
func (s *fileStore) mutate(op, id string, fn func(*Reminder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(op, ErrClosed)
	}
	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	fn(&r)
	if err := s.appendLocked(journalRecord{Op: opPut, Row: &r}); err != nil {
		return unavailable(op, err)
	}
	s.rows[id] = r
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("delete", ErrClosed)
	}
	if _, ok := s.rows[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
		return unavailable("delete", err)
	}
	delete(s.rows, id)
	return nil
}

func (s *fileStore) DeleteAllForUser(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("delete user", ErrClosed)
	}
	if err := s.appendLocked(journalRecord{Op: opDeleteUser, UserID: userID}); err != nil {
		return 0, unavailable("delete user", err)
	}
	return applyRecord(s.rows, journalRecord{Op: opDeleteUser, UserID: userID}), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically (tmp + rename) and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	rows := make([]Reminder, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	sortByTrigger(rows)
	if err := json.NewEncoder(f).Encode(rows); err != nil {
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

func loadSnapshot(path string, out map[string]Reminder) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []Reminder
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, r := range rows {
		out[r.ID] = r
	}
	return nil
}

// replayJournal applies journal lines in order and reports how many lines were unreadable.
// A torn last line from a crash mid-write is the usual source.
func replayJournal(path string, out map[string]Reminder) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		applyRecord(out, rec)
	}
	return skipped, sc.Err()
}

func applyRecord(rows map[string]Reminder, rec journalRecord) int {
	switch rec.Op {
	case opPut:
		if rec.Row != nil && rec.Row.ID != "" {
			rows[rec.Row.ID] = *rec.Row
			return 1
		}
	case opDelete:
		if _, ok := rows[rec.ID]; ok {
			delete(rows, rec.ID)
			return 1
		}
	case opDeleteUser:
		n := 0
		for id, r := range rows {
			if r.UserID == rec.UserID {
				delete(rows, id)
				n++
			}
		}
		return n
	}
	return 0
}
