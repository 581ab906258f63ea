package storage

import (
	"sync"

	"github.com/vea-project/runtime/pkg/types"
	"github.com/vea-project/runtime/pkg/verrors"
)

// MemStore is an in-memory Store double used by engine, dispatcher, and
// deps tests so they don't require a BoltDB file on disk (spec.md §5.4
// test tooling).
type MemStore struct {
	mu           sync.Mutex
	applications map[string]*types.Application
	executions   map[string]*types.Execution // executionId -> Execution
	currentExec  map[string]string           // appId -> executionId
	logs         map[string][]*types.LogRecord
	deps         map[string]map[string]*types.Dependency
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		applications: make(map[string]*types.Application),
		executions:   make(map[string]*types.Execution),
		currentExec:  make(map[string]string),
		logs:         make(map[string][]*types.LogRecord),
		deps:         make(map[string]map[string]*types.Dependency),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) CreateApplication(app *types.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applications[app.ID]; exists {
		return verrors.AlreadyExists(app.ID, "application already exists")
	}
	clone := *app
	s.applications[app.ID] = &clone
	return nil
}

func (s *MemStore) UpdateApplication(appID string, mutate func(*types.Application) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[appID]
	if !ok {
		return verrors.NotFound(appID, "application not found")
	}
	clone := *app
	if err := mutate(&clone); err != nil {
		return err
	}
	s.applications[appID] = &clone
	return nil
}

func (s *MemStore) GetApplication(appID string) (*types.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[appID]
	if !ok {
		return nil, verrors.NotFound(appID, "application not found")
	}
	clone := *app
	return &clone, nil
}

func (s *MemStore) ListApplications(filter types.AppFilter) ([]*types.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Application
	for _, app := range s.applications {
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		clone := *app
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemStore) DeleteApplication(appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applications[appID]; !ok {
		return verrors.NotFound(appID, "application not found")
	}
	delete(s.applications, appID)
	if execID, ok := s.currentExec[appID]; ok {
		delete(s.executions, execID)
		delete(s.currentExec, appID)
	}
	delete(s.logs, appID)
	delete(s.deps, appID)
	return nil
}

func (s *MemStore) UpsertExecution(exec *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *exec
	s.executions[exec.ID] = &clone
	s.currentExec[exec.AppID] = exec.ID
	return nil
}

func (s *MemStore) GetExecutionByAppID(appID string) (*types.Execution, error) {
	s.mu.Lock()
	execID, ok := s.currentExec[appID]
	s.mu.Unlock()
	if !ok {
		return nil, verrors.NotFound(appID, "no execution recorded for application")
	}
	return s.GetExecutionByExecutionID(execID)
}

func (s *MemStore) GetExecutionByExecutionID(executionID string) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, verrors.NotFound("", "execution not found: "+executionID)
	}
	clone := *exec
	return &clone, nil
}

func (s *MemStore) DeleteExecutionsForApp(appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if execID, ok := s.currentExec[appID]; ok {
		delete(s.executions, execID)
		delete(s.currentExec, appID)
	}
	return nil
}

func (s *MemStore) AppendLog(rec *types.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.logs[rec.AppID] = append(s.logs[rec.AppID], &clone)
	return nil
}

func (s *MemStore) ReadLogs(appID string, filter types.LogFilter) ([]*types.LogRecord, error) {
	s.mu.Lock()
	all := append([]*types.LogRecord{}, s.logs[appID]...)
	s.mu.Unlock()

	var records []*types.LogRecord
	for _, rec := range all {
		if filter.Stream != "" && rec.Stream != filter.Stream {
			continue
		}
		records = append(records, rec)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(records) {
			return nil, nil
		}
		records = records[filter.Offset:]
	}
	if filter.Tail > 0 && len(records) > filter.Tail {
		records = records[len(records)-filter.Tail:]
	}
	return records, nil
}

func (s *MemStore) PutDependency(dep *types.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appDeps, ok := s.deps[dep.AppID]
	if !ok {
		appDeps = make(map[string]*types.Dependency)
		s.deps[dep.AppID] = appDeps
	}
	clone := *dep
	appDeps[dep.Ecosystem+"/"+dep.Name] = &clone
	return nil
}

func (s *MemStore) ListDependencies(appID string) ([]*types.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Dependency
	for _, dep := range s.deps[appID] {
		clone := *dep
		out = append(out, &clone)
	}
	return out, nil
}
