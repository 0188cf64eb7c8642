// Package wal is the durable turn write-ahead log: JSON lines, one full
// record per line, last line wins on replay. Pending records survive a crash
// and are re-enqueued at startup, giving at-least-once dispatch.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/brewva/internal/turn"
)

// Record states. Progression is monotonic: pending → inflight → done|failed.
const (
	StatePending  = "pending"
	StateInflight = "inflight"
	StateDone     = "done"
	StateFailed   = "failed"
)

// MinCompactionInterval floors the compaction ticker.
const MinCompactionInterval = 30 * time.Second

// Record is one logged turn with its dispatch state.
type Record struct {
	WalID     string         `json:"walId"`
	Scope     string         `json:"scope"`
	DedupeKey string         `json:"dedupeKey,omitempty"`
	State     string         `json:"state"`
	LastError string         `json:"lastError,omitempty"`
	Envelope  *turn.Envelope `json:"envelope"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

func (r *Record) terminal() bool { return r.State == StateDone || r.State == StateFailed }

func stateRank(state string) int {
	switch state {
	case StatePending:
		return 0
	case StateInflight:
		return 1
	case StateDone, StateFailed:
		return 2
	default:
		return -1
	}
}

// AppendResult reports the outcome of AppendPending.
type AppendResult struct {
	WalID     string
	Duplicate bool // dedupe key already reached done
}

// Log is the WAL for one channel. Safe for concurrent use.
type Log struct {
	path string

	mu           sync.Mutex
	file         *os.File
	records      map[string]*Record
	doneByDedupe map[string]string // dedupeKey -> walId of a done record
}

// Open loads (or creates) the WAL for a channel under dir, replaying any
// existing log file.
func Open(dir, channel string) (*Log, error) {
	channelDir := filepath.Join(dir, "channel-"+channel)
	if err := os.MkdirAll(channelDir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	l := &Log{
		path:         filepath.Join(channelDir, "turns.jsonl"),
		records:      make(map[string]*Record),
		doneByDedupe: make(map[string]string),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	l.file = f
	return l, nil
}

// replay reads the log file into memory. Later lines supersede earlier ones
// for the same wal id; unparseable lines (torn tail writes) are skipped.
func (l *Log) replay() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("replay wal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("wal line skipped", "path", l.path, "error", err)
			continue
		}
		if rec.WalID == "" {
			continue
		}
		cp := rec
		l.records[rec.WalID] = &cp
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	for id, rec := range l.records {
		if rec.State == StateDone && rec.DedupeKey != "" {
			l.doneByDedupe[rec.DedupeKey] = id
		}
	}
	return nil
}

func newWalID() string {
	return fmt.Sprintf("w%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// AppendPending logs a new pending turn. When dedupeKey already corresponds
// to a done record, the existing id is returned with Duplicate set and
// nothing is appended.
func (l *Log) AppendPending(env *turn.Envelope, scope, dedupeKey string) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dedupeKey != "" {
		if id, ok := l.doneByDedupe[dedupeKey]; ok {
			return AppendResult{WalID: id, Duplicate: true}, nil
		}
	}

	now := time.Now().UnixMilli()
	rec := &Record{
		WalID:     newWalID(),
		Scope:     scope,
		DedupeKey: dedupeKey,
		State:     StatePending,
		Envelope:  env,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.appendLocked(rec); err != nil {
		return AppendResult{}, fmt.Errorf("wal_append_failed: %w", err)
	}
	l.records[rec.WalID] = rec
	return AppendResult{WalID: rec.WalID}, nil
}

// MarkInflight transitions a record to inflight. Best-effort: regressions
// and unknown ids are ignored.
func (l *Log) MarkInflight(walID string) {
	l.mark(walID, StateInflight, "")
}

// MarkDone transitions a record to done and records its dedupe key for
// idempotency.
func (l *Log) MarkDone(walID string) {
	l.mark(walID, StateDone, "")
}

// MarkFailed transitions a record to failed with the given error text.
func (l *Log) MarkFailed(walID string, dispatchErr error) {
	msg := ""
	if dispatchErr != nil {
		msg = dispatchErr.Error()
	}
	l.mark(walID, StateFailed, msg)
}

func (l *Log) mark(walID, state, lastError string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[walID]
	if !ok {
		return
	}
	if stateRank(state) <= stateRank(rec.State) {
		// Idempotent re-mark or regression: keep the current state.
		return
	}

	rec.State = state
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UnixMilli()
	if state == StateDone && rec.DedupeKey != "" {
		l.doneByDedupe[rec.DedupeKey] = walID
	}
	if err := l.appendLocked(rec); err != nil {
		slog.Warn("wal mark append failed", "wal_id", walID, "state", state, "error", err)
	}
}

func (l *Log) appendLocked(rec *Record) error {
	if l.file == nil {
		return fmt.Errorf("wal %s is closed", l.path)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

// PendingRecords returns all non-terminal records ordered by creation time.
// Used once at startup to re-enqueue work interrupted by a crash.
func (l *Log) PendingRecords() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.records {
		if !rec.terminal() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].WalID < out[j].WalID
	})
	return out
}

// Compact rewrites the log, dropping terminal records older than olderThan.
// Non-terminal records are always kept.
func (l *Log) Compact(olderThan time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	kept := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		if rec.terminal() && rec.UpdatedAt < cutoff {
			continue
		}
		kept = append(kept, rec)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt < kept[j].CreatedAt })

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".turns-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, rec := range kept {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Swap the append handle to the rewritten file.
	l.file.Close()
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen wal after compaction: %w", err)
	}
	l.file = f

	records := make(map[string]*Record, len(kept))
	doneByDedupe := make(map[string]string)
	for _, rec := range kept {
		records[rec.WalID] = rec
		if rec.State == StateDone && rec.DedupeKey != "" {
			doneByDedupe[rec.DedupeKey] = rec.WalID
		}
	}
	l.records = records
	l.doneByDedupe = doneByDedupe
	return nil
}

// StartCompaction compacts on a ticker until ctx is done. The interval is
// half the retention window, floored at MinCompactionInterval.
func (l *Log) StartCompaction(done <-chan struct{}, compactAfter time.Duration) {
	interval := compactAfter / 2
	if interval < MinCompactionInterval {
		interval = MinCompactionInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := l.Compact(compactAfter); err != nil {
					slog.Warn("wal compaction failed", "error", err)
				}
			}
		}
	}()
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
