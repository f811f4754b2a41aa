package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// DefaultZone receives messages that do not name a zone.
	DefaultZone = "default"

	// HistoryLimit is the number of records retained per zone.
	HistoryLimit = 100
)

// ChatRecord is one broadcast message as delivered live and replayed later.
type ChatRecord struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Entity    string    `json:"entity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryStore keeps the most recent records of every zone, oldest first.
type HistoryStore struct {
	mu    sync.RWMutex
	limit int
	zones map[string][]ChatRecord
}

// NewHistoryStore returns a store retaining limit records per zone. A
// non-positive limit falls back to HistoryLimit.
func NewHistoryStore(limit int) *HistoryStore {
	if limit <= 0 {
		limit = HistoryLimit
	}
	return &HistoryStore{
		limit: limit,
		zones: make(map[string][]ChatRecord),
	}
}

// Append adds record to the zone, dropping the oldest records beyond the limit.
func (h *HistoryStore) Append(zone string, record ChatRecord) {
	if zone == "" {
		zone = DefaultZone
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	records := append(h.zones[zone], record)
	if overflow := len(records) - h.limit; overflow > 0 {
		// copy into a fresh slice so the dropped prefix can be collected
		records = append([]ChatRecord(nil), records[overflow:]...)
	}
	h.zones[zone] = records
}

// Snapshot returns a copy of every zone's records.
func (h *HistoryStore) Snapshot() map[string][]ChatRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return lo.MapValues(h.zones, func(records []ChatRecord, _ string) []ChatRecord {
		return append([]ChatRecord(nil), records...)
	})
}

// Zones returns the known zone names in lexical order.
func (h *HistoryStore) Zones() []string {
	h.mu.RLock()
	zones := lo.Keys(h.zones)
	h.mu.RUnlock()

	sort.Strings(zones)
	return zones
}

// Len returns the number of records retained for zone.
func (h *HistoryStore) Len(zone string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.zones[zone])
}
