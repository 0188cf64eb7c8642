package approval

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const routingSchema = "brewva.approval-routing.v1"

// Route remembers which agent issued an approval request so the button press
// can be delivered back to the same agent.
type Route struct {
	AgentID    string `json:"agentId"`
	RecordedAt int64  `json:"recordedAt"`
}

type routingIndex struct {
	Schema        string                       `json:"schema"`
	UpdatedAt     int64                        `json:"updatedAt"`
	Conversations map[string]map[string]*Route `json:"conversations"`
}

// RoutingStore is the durable (conversationId, requestId) -> agent map.
// Safe for concurrent use.
type RoutingStore struct {
	path       string
	maxEntries int

	mu    sync.Mutex
	index routingIndex
}

// NewRoutingStore opens (or creates) the store at path. maxEntries <= 0
// selects the default per-conversation cap.
func NewRoutingStore(path string, maxEntries int) *RoutingStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerConversation
	}
	s := &RoutingStore{
		path:       path,
		maxEntries: maxEntries,
		index: routingIndex{
			Schema:        routingSchema,
			Conversations: make(map[string]map[string]*Route),
		},
	}
	s.load()
	return s
}

// Record stores the issuing agent for (conversationID, requestID).
// Re-recording the same request overwrites the previous route.
func (s *RoutingStore) Record(conversationID, requestID, agentID string) {
	if conversationID == "" || requestID == "" || agentID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.index.Conversations[conversationID]
	if conv == nil {
		conv = make(map[string]*Route)
		s.index.Conversations[conversationID] = conv
	}
	conv[requestID] = &Route{AgentID: agentID, RecordedAt: time.Now().UnixMilli()}

	s.pruneLocked(conversationID)
	s.persistLocked()
}

// Lookup returns the route for (conversationID, requestID), or nil.
func (s *RoutingStore) Lookup(conversationID, requestID string) *Route {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.index.Conversations[conversationID][requestID]
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

func (s *RoutingStore) pruneLocked(conversationID string) {
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

func (s *RoutingStore) persistLocked() {
	s.index.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(&s.index, "", "  ")
	if err != nil {
		slog.Warn("approval routing marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		slog.Warn("approval routing dir create failed", "error", err)
		return
	}
	if err := atomicWrite(filepath.Dir(s.path), s.path, data); err != nil {
		slog.Warn("approval routing write failed", "error", err)
	}
}

func (s *RoutingStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var idx routingIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		slog.Warn("approval routing unreadable, starting fresh", "path", s.path, "error", err)
		return
	}
	if idx.Conversations == nil {
		idx.Conversations = make(map[string]map[string]*Route)
	}
	idx.Schema = routingSchema
	s.index = idx
}
