// Package engine runs strategy instances. It owns their lifecycle, ticks them
// under a per-account lock and persists every fill through the account's
// state file.
package engine

import (
	"context"

	"hedge-core/internal/state"
	"hedge-core/pkg/cache"
	"hedge-core/pkg/db"
)

// Service is what the API layer may do with instances. The API interacts
// with the engine only through this interface.
type Service interface {
	// Instance commands
	CreateInstance(ctx context.Context, req CreateRequest) (string, error)
	StartInstance(ctx context.Context, account, id string) error
	StopInstance(ctx context.Context, account, id string) error
	ForceStopAndClose(ctx context.Context, account, id string) error
	DeleteInstance(ctx context.Context, account, id string) error

	// Instance queries
	ListInstances(account string) []InstanceInfo
	GetInstance(account, id string) (InstanceInfo, error)
	Snapshot(account, id string) (PositionSnapshot, error)
	Orders(ctx context.Context, account, id string, limit int) ([]db.OrderRecord, error)

	// Account state
	BackupState(account string) (string, error)
	RestoreState(account, backupID string) error
	ListBackups(account string) ([]state.BackupInfo, error)

	Accounts() []string
	Prices() []cache.Quote
}

var _ Service = (*Manager)(nil)
