// Package memory provides an in-process DeploymentRepository. It exists for
// tests and local development only; production deployments use the postgres
// implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/repo"
)

type Store struct {
	mu      sync.Mutex
	records map[string]domain.Deployment
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: map[string]domain.Deployment{},
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Create(ctx context.Context, d domain.Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[d.ID]; ok {
		return repo.ErrExists
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	s.records[d.ID] = cloneDeployment(d)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return domain.Deployment{}, repo.ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (s *Store) List(ctx context.Context, filter repo.DeploymentFilter) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0, len(s.records))
	for _, d := range s.records {
		if d.Status == domain.StatusDeleted && !filter.IncludeDeleted {
			continue
		}
		if filter.Owner != "" && d.Owner != filter.Owner {
			continue
		}
		out = append(out, cloneDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.DeploymentStatus, update repo.StatusUpdate) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return domain.Deployment{}, repo.ErrNotFound
	}
	if d.Status != from {
		return domain.Deployment{}, fmt.Errorf("%w: status is %q, expected %q", repo.ErrConflict, d.Status, from)
	}
	if !from.CanTransitionTo(to) {
		return domain.Deployment{}, fmt.Errorf("invalid transition %q -> %q", from, to)
	}
	d.Status = to
	d.UpdatedAt = s.now().UTC()
	if update.Descriptor != nil {
		desc := *update.Descriptor
		d.Descriptor = &desc
	}
	if update.BuildReference != "" {
		d.BuildReference = update.BuildReference
	}
	if update.InvocationAddress != "" {
		d.InvocationAddress = update.InvocationAddress
	}
	if update.FailureCause != nil {
		cause := *update.FailureCause
		d.FailureCause = &cause
		d.InvocationAddress = ""
	}
	if update.CleanupWarning != "" {
		d.CleanupWarning = update.CleanupWarning
	}
	if to == domain.StatusDeleted {
		d.Descriptor = nil
		d.BuildReference = ""
		d.InvocationAddress = ""
	}
	if err := d.Validate(); err != nil {
		return domain.Deployment{}, err
	}
	s.records[d.ID] = cloneDeployment(d)
	return cloneDeployment(d), nil
}

func cloneDeployment(d domain.Deployment) domain.Deployment {
	out := d
	if d.Descriptor != nil {
		desc := *d.Descriptor
		desc.InputShape = append([]int(nil), d.Descriptor.InputShape...)
		desc.OutputShape = append([]int(nil), d.Descriptor.OutputShape...)
		desc.Errors = append([]string(nil), d.Descriptor.Errors...)
		desc.Warnings = append([]string(nil), d.Descriptor.Warnings...)
		out.Descriptor = &desc
	}
	if d.FailureCause != nil {
		cause := *d.FailureCause
		out.FailureCause = &cause
	}
	return out
}
