package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty in-memory audit store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Insert(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Event, int64, error) {
	f = f.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]Event, 0)
	for _, ev := range m.events {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []Event{}, total, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (f Filter) matches(ev Event) bool {
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.Decision != nil && ev.Decision != *f.Decision {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if f.ActorTeam != "" && ev.ActorTeam != f.ActorTeam {
		return false
	}
	if f.ServerCanonicalID != "" && !strings.EqualFold(ev.ServerCanonicalID, f.ServerCanonicalID) {
		return false
	}
	if f.Tool != "" && ev.Tool != f.Tool {
		return false
	}
	if f.Since != nil && ev.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !ev.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) Stats(_ context.Context, f Filter) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		ByDecision: make(map[string]int64),
		ByServer:   make(map[string]int64),
		ByTeam:     make(map[string]int64),
	}
	var latencySum float64
	var latencyCount int64
	for _, ev := range m.events {
		if !f.matches(ev) {
			continue
		}
		stats.Total++
		stats.ByDecision[ev.Decision.String()]++
		if !ev.Decision.Allowed() {
			stats.DeniedTotal++
		}
		if ev.ServerCanonicalID != "" {
			stats.ByServer[ev.ServerCanonicalID]++
		}
		if ev.ActorTeam != "" {
			stats.ByTeam[ev.ActorTeam]++
		}
		if ev.LatencyMs != nil {
			latencySum += *ev.LatencyMs
			latencyCount++
		}
	}
	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		stats.AvgLatency = &avg
	}
	stats.ByServer = topN(stats.ByServer, StatsTopN)
	stats.ByTeam = topN(stats.ByTeam, StatsTopN)
	return stats, nil
}

// topN keeps the n highest-count entries, ties broken by key for
// deterministic output.
func topN(counts map[string]int64, n int) map[string]int64 {
	if len(counts) <= n {
		return counts
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make(map[string]int64, n)
	for _, k := range keys[:n] {
		out[k] = counts[k]
	}
	return out
}

// Len reports the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) Close() error { return nil }
