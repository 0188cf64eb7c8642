// Package approval persists the durable maps that route a button press back
// to its owning agent and restore the UI state it was issued with, keyed by
// (conversationId, requestId). Large state payloads are spilled to side files
// so the index stays small.
package approval

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

const (
	stateSchema = "brewva.approval-state.v2"

	// DefaultMaxEntriesPerConversation caps retained records per conversation.
	DefaultMaxEntriesPerConversation = 2048
)

var stateKeyPattern = regexp.MustCompile(`^st_[0-9a-f]{12}$`)

// Snapshot is the UI state attached to an approval request. State is an
// opaque JSON blob supplied by the model; it may be large.
type Snapshot struct {
	ScreenID string          `json:"screenId,omitempty"`
	StateKey string          `json:"stateKey,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

// RecordResult reports what Record did. OK is false only when the snapshot
// was empty; persistence failures are logged, not surfaced.
type RecordResult struct {
	OK                bool
	StateKey          string
	GeneratedStateKey bool
	StoredState       bool
}

type stateRecord struct {
	RecordedAt int64  `json:"recordedAt"`
	ScreenID   string `json:"screenId,omitempty"`
	StateKey   string `json:"stateKey,omitempty"`
	// State appears only in v1 records; loading moves it into a blob file.
	State json.RawMessage `json:"state,omitempty"`
}

type stateIndex struct {
	Schema        string                             `json:"schema"`
	UpdatedAt     int64                              `json:"updatedAt"`
	Conversations map[string]map[string]*stateRecord `json:"conversations"`
}

// StateStore is the durable approval-state map. Safe for concurrent use.
type StateStore struct {
	path       string // index file
	stateDir   string // blob directory
	maxEntries int

	mu    sync.Mutex
	index stateIndex
}

// NewStateStore opens (or creates) the store at path, spilling blobs into
// stateDir. maxEntries <= 0 selects the default per-conversation cap.
func NewStateStore(path, stateDir string, maxEntries int) *StateStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerConversation
	}
	s := &StateStore{
		path:       path,
		stateDir:   stateDir,
		maxEntries: maxEntries,
		index: stateIndex{
			Schema:        stateSchema,
			Conversations: make(map[string]map[string]*stateRecord),
		},
	}
	s.load()
	return s
}

// Record normalizes and persists a snapshot for (conversationID, requestID).
// A missing StateKey is taken from an existing record or computed as
// st_<12 hex of sha256(conversationID ":" requestID)>. When State is present
// it is written to a sibling blob file and dropped from the index on success.
func (s *StateStore) Record(conversationID, requestID string, snap Snapshot) RecordResult {
	if conversationID == "" || requestID == "" {
		return RecordResult{}
	}
	if snap.ScreenID == "" && snap.StateKey == "" && len(snap.State) == 0 {
		return RecordResult{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.index.Conversations[conversationID]
	if conv == nil {
		conv = make(map[string]*stateRecord)
		s.index.Conversations[conversationID] = conv
	}

	res := RecordResult{OK: true}

	key := snap.StateKey
	if key == "" {
		if prev := conv[requestID]; prev != nil && prev.StateKey != "" {
			key = prev.StateKey
		} else {
			key = ComputeStateKey(conversationID, requestID)
			res.GeneratedStateKey = true
		}
	}
	res.StateKey = key

	rec := &stateRecord{
		RecordedAt: time.Now().UnixMilli(),
		ScreenID:   snap.ScreenID,
		StateKey:   key,
	}

	if len(snap.State) > 0 {
		if err := s.writeBlob(key, snap.State); err != nil {
			slog.Warn("approval state blob write failed", "state_key", key, "error", err)
			// Keep state embedded so Resolve still works until the next save.
			rec.State = snap.State
		} else {
			res.StoredState = true
		}
	}

	conv[requestID] = rec
	s.pruneLocked(conversationID)
	s.persistLocked()
	return res
}

// Resolve returns the snapshot for (conversationID, requestID) with State
// re-read from its blob file, or nil when unknown.
func (s *StateStore) Resolve(conversationID, requestID string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.index.Conversations[conversationID][requestID]
	if rec == nil {
		return nil
	}

	snap := &Snapshot{ScreenID: rec.ScreenID, StateKey: rec.StateKey, State: rec.State}
	if len(snap.State) == 0 && rec.StateKey != "" {
		if data, err := os.ReadFile(s.blobPath(rec.StateKey)); err == nil {
			snap.State = json.RawMessage(data)
		}
	}
	return snap
}

// ComputeStateKey derives the deterministic state key for a request.
func ComputeStateKey(conversationID, requestID string) string {
	sum := sha256.Sum256([]byte(conversationID + ":" + requestID))
	return fmt.Sprintf("st_%x", sum[:6])
}

// ValidStateKey reports whether key matches the st_<12-hex> pattern.
func ValidStateKey(key string) bool { return stateKeyPattern.MatchString(key) }

func (s *StateStore) blobPath(key string) string {
	return filepath.Join(s.stateDir, key+".json")
}

func (s *StateStore) writeBlob(key string, state json.RawMessage) error {
	if !ValidStateKey(key) {
		// Keys outside the st_<12-hex> pattern never touch the filesystem;
		// the caller keeps the state embedded in the index instead.
		return fmt.Errorf("state key %q not file-safe", key)
	}
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return err
	}
	return atomicWrite(s.stateDir, s.blobPath(key), state)
}

// pruneLocked drops the oldest records beyond the per-conversation cap.
func (s *StateStore) pruneLocked(conversationID string) {
	conv := s.index.Conversations[conversationID]
	if len(conv) <= s.maxEntries {
		return
	}

	type aged struct {
		requestID  string
		recordedAt int64
	}
	entries := make([]aged, 0, len(conv))
	for id, rec := range conv {
		entries = append(entries, aged{requestID: id, recordedAt: rec.RecordedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].recordedAt < entries[j].recordedAt })

	for _, e := range entries[:len(conv)-s.maxEntries] {
		delete(conv, e.requestID)
	}
}

func (s *StateStore) persistLocked() {
	s.index.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(&s.index, "", "  ")
	if err != nil {
		slog.Warn("approval state index marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		slog.Warn("approval state dir create failed", "error", err)
		return
	}
	if err := atomicWrite(filepath.Dir(s.path), s.path, data); err != nil {
		slog.Warn("approval state index write failed", "error", err)
	}
}

// load reads the index, normalizing v1 records (embedded state) into v2
// blob-file form.
func (s *StateStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var idx stateIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		slog.Warn("approval state index unreadable, starting fresh", "path", s.path, "error", err)
		return
	}
	if idx.Conversations == nil {
		idx.Conversations = make(map[string]map[string]*stateRecord)
	}

	migrated := false
	for convID, conv := range idx.Conversations {
		for reqID, rec := range conv {
			if len(rec.State) == 0 {
				continue
			}
			if rec.StateKey == "" {
				rec.StateKey = ComputeStateKey(convID, reqID)
			}
			if err := s.writeBlobTo(rec.StateKey, rec.State); err == nil {
				rec.State = nil
				migrated = true
			}
		}
	}

	idx.Schema = stateSchema
	s.index = idx
	if migrated {
		s.persistLocked()
	}
}

func (s *StateStore) writeBlobTo(key string, state json.RawMessage) error {
	if !ValidStateKey(key) {
		return fmt.Errorf("state key %q not file-safe", key)
	}
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return err
	}
	return atomicWrite(s.stateDir, s.blobPath(key), state)
}

// atomicWrite writes data via temp file + rename in dir.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
