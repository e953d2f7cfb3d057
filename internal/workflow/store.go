package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// Store persists workflow snapshots and the audit trail. SaveWorkflow always replaces the
// whole snapshot for an id.
type Store interface {
	SaveWorkflow(ctx context.Context, w *Instance) error
	LoadWorkflow(ctx context.Context, id string) (*Instance, error)
	ListWorkflows(ctx context.Context) ([]*Instance, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, workflowID string) ([]AuditEntry, error)
}

// MemoryStore keeps everything in process; used when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Instance
	audit     []AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: map[string]*Instance{}}
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, w *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) LoadWorkflow(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, workflowID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for _, e := range s.audit {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}
