package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	servers   map[string]*Server
	scans     map[string]*Scan
	approvals map[string][]Approval
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:   make(map[string]*Server),
		scans:     make(map[string]*Scan),
		approvals: make(map[string][]Approval),
	}
}

func (m *MemoryStore) CreateServer(_ context.Context, s *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.servers {
		if strings.EqualFold(existing.CanonicalID, s.CanonicalID) {
			return &DuplicateError{Field: "canonicalId", Value: s.CanonicalID}
		}
	}
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetServer(_ context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetServerByCanonicalID(_ context.Context, canonicalID string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.servers {
		if strings.EqualFold(s.CanonicalID, canonicalID) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListServers(_ context.Context) ([]Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectServers(func(*Server) bool { return true }), nil
}

func (m *MemoryStore) ListServersByStatus(_ context.Context, status ServerStatus) ([]Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectServers(func(s *Server) bool { return s.Status == status }), nil
}

func (m *MemoryStore) ListServersByTeam(_ context.Context, team string) ([]Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectServers(func(s *Server) bool { return s.OwnerTeam == team }), nil
}

func (m *MemoryStore) collectServers(keep func(*Server) bool) []Server {
	out := make([]Server, 0)
	for _, s := range m.servers {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) UpdateServer(_ context.Context, s *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateServerStatus(_ context.Context, id string, status ServerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	for scanID, sc := range m.scans {
		if sc.ServerID == id {
			delete(m.scans, scanID)
		}
	}
	delete(m.approvals, id)
	return nil
}

func (m *MemoryStore) CreateScan(_ context.Context, scan *Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *scan
	m.scans[scan.ID] = &cp
	return nil
}

func (m *MemoryStore) QueueScan(_ context.Context, scan *Scan, from, to ServerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[scan.ServerID]
	if !ok {
		return ErrNotFound
	}
	if srv.Status != from {
		return ErrStale
	}
	cp := *scan
	m.scans[scan.ID] = &cp
	srv.Status = to
	srv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetScan(_ context.Context, id string) (*Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (m *MemoryStore) ListScansByServer(_ context.Context, serverID string) ([]Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scan, 0)
	for _, sc := range m.scans {
		if sc.ServerID == serverID {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) ListScansByStatus(_ context.Context, status ScanStatus) ([]Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scan, 0)
	for _, sc := range m.scans {
		if sc.Status == status {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) LatestScan(_ context.Context, serverID string) (*Scan, error) {
	scans, _ := m.ListScansByServer(context.Background(), serverID)
	if len(scans) == 0 {
		return nil, ErrNotFound
	}
	cp := scans[0]
	return &cp, nil
}

func (m *MemoryStore) UpdateScan(_ context.Context, scan *Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[scan.ID]; !ok {
		return ErrNotFound
	}
	cp := *scan
	m.scans[scan.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkScanRunning(_ context.Context, scanID, jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scans[scanID]
	if !ok {
		return ErrNotFound
	}
	sc.Status = ScanRunning
	sc.JobName = jobName
	if srv, ok := m.servers[sc.ServerID]; ok {
		srv.Status = StatusScanning
		srv.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) TransitionScan(_ context.Context, scanID string, from, to ScanStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scans[scanID]
	if !ok {
		return ErrNotFound
	}
	if sc.Status != from {
		return ErrStale
	}
	sc.Status = to
	sc.ErrorMessage = errorMessage
	if to.Terminal() && sc.FinishedAt == nil {
		now := time.Now().UTC()
		sc.FinishedAt = &now
	}
	return nil
}

func (m *MemoryStore) RecordScanCompletion(_ context.Context, serverID string, scan *Scan, newStatus ServerStatus, riskScore *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[scan.ID]; !ok {
		return ErrNotFound
	}
	cp := *scan
	m.scans[scan.ID] = &cp
	srv, ok := m.servers[serverID]
	if !ok {
		return ErrNotFound
	}
	srv.Status = newStatus
	srv.LatestScanID = scan.ID
	srv.LatestRiskScore = riskScore
	srv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordApproval(_ context.Context, approval *Approval, newStatus ServerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[approval.ServerID]
	if !ok {
		return ErrNotFound
	}
	m.approvals[approval.ServerID] = append([]Approval{*approval}, m.approvals[approval.ServerID]...)
	srv.Status = newStatus
	srv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListApprovalsByServer(_ context.Context, serverID string) ([]Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Approval, len(m.approvals[serverID]))
	copy(out, m.approvals[serverID])
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
