// Package storage provides the service directory and call log
// implementations: in-memory, local SQLite and remote Postgres.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface checks.
var (
	_ domain.ServiceDirectory = (*MemoryStore)(nil)
	_ domain.CallLog          = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory service directory and call log. Safe for
// concurrent access.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]string
	calls    []domain.CallRecord
	log      *logger.Logger
}

// NewMemoryStore creates a store preloaded with services.
func NewMemoryStore(log *logger.Logger, services ...domain.Service) *MemoryStore {
	s := &MemoryStore{
		services: make(map[string]string, len(services)),
		log:      log,
	}
	for _, svc := range services {
		s.services[svc.ID] = svc.Name
	}
	return s
}

// PutService adds or renames a service.
func (s *MemoryStore) PutService(_ context.Context, svc domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc.Name
	return nil
}

// ServiceName resolves a service id.
func (s *MemoryStore) ServiceName(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, ok := s.services[id]
	if !ok {
		s.log.Debug("service not found: %s", id)
		return "", domain.ErrNotFound
	}
	return name, nil
}

// Record appends a finished call.
func (s *MemoryStore) Record(_ context.Context, rec domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("recording call %s (%s, %s)", rec.ID, rec.Kind, rec.SubjectName)
	s.calls = append(s.calls, rec)
	return nil
}

// ListCalls returns up to limit calls, most recently completed first.
// A non-positive limit returns everything.
func (s *MemoryStore) ListCalls(_ context.Context, limit int) ([]domain.CallRecord, error) {
	s.mu.RLock()
	out := make([]domain.CallRecord, len(s.calls))
	copy(out, s.calls)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
