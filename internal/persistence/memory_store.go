package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of all store
// interfaces backed by maps. It is not durable; use it for tests and
// development.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]api.WorkflowDefinition
	runs        map[string]*api.WorkflowRun
	steps       map[string][]*api.StepRun // runID -> steps in definition order
	logs        []*api.JobLogEntry
	nextLogID   int64
	dedup       map[string]*api.DedupRecord
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]api.WorkflowDefinition),
		runs:        make(map[string]*api.WorkflowRun),
		steps:       make(map[string][]*api.StepRun),
		dedup:       make(map[string]*api.DedupRecord),
	}
}

// Ensure InMemoryStore implements the store interfaces.
var (
	_ DefinitionStore = (*InMemoryStore)(nil)
	_ RunStore        = (*InMemoryStore)(nil)
	_ LogStore        = (*InMemoryStore)(nil)
	_ DedupStore      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[def.ID]; ok {
		return ErrDefinitionExists
	}
	s.definitions[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return api.WorkflowDefinition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) CreateRun(ctx context.Context, run *api.WorkflowRun, steps []*api.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *run
	s.runs[run.ID] = &r
	copied := make([]*api.StepRun, len(steps))
	for i, st := range steps {
		c := *st
		copied[i] = &c
	}
	s.steps[run.ID] = copied
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	r := *run
	s.runs[run.ID] = &r
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	r := *run
	return &r, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowRun
	for _, run := range s.runs {
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		r := *run
		result = append(result, &r)
	}
	return result, nil
}

func (s *InMemoryStore) UpdateStep(ctx context.Context, step *api.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replaceStepLocked(step)
}

func (s *InMemoryStore) replaceStepLocked(step *api.StepRun) error {
	steps, ok := s.steps[step.RunID]
	if !ok {
		return ErrRunNotFound
	}
	for i, st := range steps {
		if st.StepID == step.StepID {
			c := *step
			steps[i] = &c
			return nil
		}
	}
	return ErrStepNotFound
}

func (s *InMemoryStore) GetStep(ctx context.Context, runID, stepID string) (*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.steps[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	for _, st := range steps {
		if st.StepID == stepID {
			c := *st
			return &c, nil
		}
	}
	return nil, ErrStepNotFound
}

func (s *InMemoryStore) ListSteps(ctx context.Context, runID string) ([]*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.steps[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	result := make([]*api.StepRun, len(steps))
	for i, st := range steps {
		c := *st
		result[i] = &c
	}
	return result, nil
}

func (s *InMemoryStore) ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.StepRun
	for _, steps := range s.steps {
		for _, st := range steps {
			if st.Status == status {
				c := *st
				result = append(result, &c)
			}
		}
	}
	return result, nil
}

func (s *InMemoryStore) ClaimStep(ctx context.Context, runID, stepID string, from, to api.StepStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.steps[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	for _, st := range steps {
		if st.StepID != stepID {
			continue
		}
		if st.Status != from {
			return false, nil
		}
		st.Status = to
		return true, nil
	}
	return false, ErrStepNotFound
}

func (s *InMemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, runID)
	delete(s.steps, runID)
	return nil
}

func (s *InMemoryStore) AppendJobLog(ctx context.Context, entry *api.JobLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	c := *entry
	c.ID = s.nextLogID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, &c)
	entry.ID = c.ID
	return nil
}

func (s *InMemoryStore) ListJobLogs(ctx context.Context, runID string) ([]*api.JobLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.JobLogEntry
	for _, e := range s.logs {
		if e.RunID == runID {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}

func (s *InMemoryStore) DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var deleted int64
	for _, e := range s.logs {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
	return deleted, nil
}

func (s *InMemoryStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.dedup[fingerprint]
	return ok, nil
}

func (s *InMemoryStore) Record(ctx context.Context, fingerprint, runID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dedup[fingerprint]; ok {
		return nil
	}
	s.dedup[fingerprint] = &api.DedupRecord{
		Fingerprint: fingerprint,
		RunID:       runID,
		StepID:      stepID,
		CreatedAt:   time.Now(),
	}
	return nil
}

func (s *InMemoryStore) DeleteDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for fp, rec := range s.dedup {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.dedup, fp)
			deleted++
		}
	}
	return deleted, nil
}

// PutDedupRecord inserts a record with an explicit timestamp. Tests use
// it to age records past the retention cutoff.
func (s *InMemoryStore) PutDedupRecord(rec api.DedupRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := rec
	s.dedup[rec.Fingerprint] = &c
}
