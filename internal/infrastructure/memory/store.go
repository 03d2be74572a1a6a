// Package memory provides a fully in-memory JobStore. Safe for
// concurrent access. Intended for unit testing and development; the
// locking discipline mirrors the Postgres store observably, not
// mechanically.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/repository"
)

type Store struct {
	mu sync.Mutex

	tables map[domain.State]map[string]*domain.Job

	// instanceLocks holds one binary semaphore per process instance.
	instanceLocks map[string]chan struct{}
	lockHints     map[string]time.Time
}

var _ repository.JobStore = (*Store)(nil)

func New() *Store {
	return &Store{
		tables: map[domain.State]map[string]*domain.Job{
			domain.StateTimer:      {},
			domain.StateExecutable: {},
			domain.StateSuspended:  {},
			domain.StateDeadLetter: {},
		},
		instanceLocks: make(map[string]chan struct{}),
		lockHints:     make(map[string]time.Time),
	}
}

func (s *Store) AcquireDue(_ context.Context, owner string, limit int, now, leaseUntil time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Job
	for _, j := range s.tables[domain.StateExecutable] {
		if j.Due(now) && !j.Locked(now) {
			due = append(due, j)
		}
	}

	// Oldest due first; nil due dates are due "forever" and go first.
	sort.Slice(due, func(i, k int) bool {
		a, b := due[i].DueDate, due[k].DueDate
		switch {
		case a == nil && b == nil:
			return due[i].ID < due[k].ID
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	if len(due) > limit {
		due = due[:limit]
	}

	acquired := make([]*domain.Job, 0, len(due))
	for _, j := range due {
		o, until := owner, leaseUntil
		j.LockOwner = &o
		j.LockExpiration = &until
		acquired = append(acquired, clone(j))
	}
	return acquired, nil
}

func (s *Store) PromoteDueTimers(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers := s.tables[domain.StateTimer]
	var due []*domain.Job
	for _, j := range timers {
		if j.DueDate != nil && !j.DueDate.After(now) && !j.Locked(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].DueDate.Before(*due[k].DueDate) })
	if len(due) > limit {
		due = due[:limit]
	}

	for _, j := range due {
		delete(timers, j.ID)
		s.tables[domain.StateExecutable][j.ID] = j
	}
	return len(due), nil
}

func (s *Store) Insert(_ context.Context, state domain.State, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.table(state)
	if err != nil {
		return err
	}
	table[job.ID] = clone(job)
	return nil
}

func (s *Store) Update(_ context.Context, state domain.State, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.table(state)
	if err != nil {
		return err
	}
	if _, ok := table[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	table[job.ID] = clone(job)
	return nil
}

func (s *Store) Delete(_ context.Context, state domain.State, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.table(state)
	if err != nil {
		return err
	}
	if _, ok := table[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(table, id)
	return nil
}

func (s *Store) FindByID(_ context.Context, state domain.State, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.table(state)
	if err != nil {
		return nil, err
	}
	j, ok := table[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(j), nil
}

func (s *Store) FindByProcessInstance(_ context.Context, state domain.State, processInstanceID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.table(state)
	if err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	for _, j := range table {
		if j.ProcessInstanceID == processInstanceID {
			jobs = append(jobs, clone(j))
		}
	}
	sortByCreated(jobs)
	return jobs, nil
}

func (s *Store) List(_ context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.table(input.State)
	if err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	for _, j := range table {
		if input.TenantID != "" && j.TenantID != input.TenantID {
			continue
		}
		jobs = append(jobs, clone(j))
	}
	sortByCreated(jobs)
	if input.Limit > 0 && len(jobs) > input.Limit {
		jobs = jobs[:input.Limit]
	}
	return jobs, nil
}

func (s *Store) Locate(_ context.Context, id string) (*domain.Job, domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range []domain.State{
		domain.StateExecutable, domain.StateTimer, domain.StateSuspended, domain.StateDeadLetter,
	} {
		if j, ok := s.tables[state][id]; ok {
			return clone(j), state, nil
		}
	}
	return nil, "", domain.ErrJobNotFound
}

func (s *Store) Move(_ context.Context, from, to domain.State, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromTable, err := s.table(from)
	if err != nil {
		return err
	}
	toTable, err := s.table(to)
	if err != nil {
		return err
	}
	if _, ok := fromTable[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	delete(fromTable, job.ID)
	toTable[job.ID] = clone(job)
	return nil
}

func (s *Store) SuspendInstance(_ context.Context, processInstanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, state := range domain.ActiveStates {
		for id, j := range s.tables[state] {
			if j.ProcessInstanceID != processInstanceID {
				continue
			}
			delete(s.tables[state], id)
			s.tables[domain.StateSuspended][id] = j
			moved++
		}
	}
	return moved, nil
}

func (s *Store) ActivateInstance(_ context.Context, processInstanceID string, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers, executables := 0, 0
	for id, j := range s.tables[domain.StateSuspended] {
		if j.ProcessInstanceID != processInstanceID {
			continue
		}
		delete(s.tables[domain.StateSuspended], id)
		if j.DueDate != nil && j.DueDate.After(now) {
			s.tables[domain.StateTimer][id] = j
			timers++
		} else {
			s.tables[domain.StateExecutable][id] = j
			executables++
		}
	}
	return timers, executables, nil
}

func (s *Store) LockInstance(ctx context.Context, processInstanceID string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.instanceLocks[processInstanceID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.instanceLocks[processInstanceID] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) SetInstanceLockHint(_ context.Context, processInstanceID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockHints[processInstanceID] = until
	return nil
}

func (s *Store) ClearInstanceLockHint(_ context.Context, processInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lockHints, processInstanceID)
	return nil
}

// Count reports how many jobs sit in the given table. Test helper.
func (s *Store) Count(state domain.State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[state])
}

func (s *Store) table(state domain.State) (map[string]*domain.Job, error) {
	table, ok := s.tables[state]
	if !ok {
		return nil, domain.ErrInvalidArgument
	}
	return table, nil
}

func clone(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}

func sortByCreated(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
