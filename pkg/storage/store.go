package storage

import (
	"github.com/vea-project/runtime/pkg/types"
)

// Store is the Catalog Store (spec.md C1): the single durable record of
// Applications, Executions, Logs, and Dependencies. Every operation is
// atomic and fails with a *verrors.Error on I/O faults. A write that
// returns success is durable across process restart; concurrent callers
// are serialized internally and readers never block other readers.
type Store interface {
	// Applications
	CreateApplication(app *types.Application) error
	UpdateApplication(appID string, mutate func(*types.Application) error) error
	GetApplication(appID string) (*types.Application, error)
	ListApplications(filter types.AppFilter) ([]*types.Application, error)
	DeleteApplication(appID string) error

	// Executions
	UpsertExecution(exec *types.Execution) error
	GetExecutionByAppID(appID string) (*types.Execution, error)
	GetExecutionByExecutionID(executionID string) (*types.Execution, error)
	DeleteExecutionsForApp(appID string) error

	// Logs
	AppendLog(rec *types.LogRecord) error
	ReadLogs(appID string, filter types.LogFilter) ([]*types.LogRecord, error)

	// Dependencies
	PutDependency(dep *types.Dependency) error
	ListDependencies(appID string) ([]*types.Dependency, error)

	// Utility
	Close() error
}
