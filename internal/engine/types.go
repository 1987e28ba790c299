package engine

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hedge-core/internal/state"
)

// Status is the lifecycle state of a strategy instance.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// CreateRequest describes a new instance.
type CreateRequest struct {
	Account  string          `json:"-"`
	Platform string          `json:"platform"`
	Strategy string          `json:"strategy"`
	Symbol   string          `json:"symbol"`
	Params   json.RawMessage `json:"params"`
}

// InstanceInfo is the externally visible view of an instance.
type InstanceInfo struct {
	ID            string          `json:"id"`
	Account       string          `json:"account"`
	Platform      string          `json:"platform"`
	Strategy      string          `json:"strategy"`
	Symbol        string          `json:"symbol"`
	Status        Status          `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorCode string          `json:"last_error_code,omitempty"`
	StopRequested bool            `json:"stop_requested"`
	ForceClose    bool            `json:"force_close_requested"`
	Params        json.RawMessage `json:"params"`
	LastPrice     decimal.Decimal `json:"last_price"`
	LastTickAt    time.Time       `json:"last_tick_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PositionSnapshot is the current position of an instance's symbol.
type PositionSnapshot struct {
	InstanceID      string              `json:"instance_id"`
	Account         string              `json:"account"`
	Symbol          string              `json:"symbol"`
	Long            state.PositionState `json:"long"`
	Short           state.PositionState `json:"short"`
	LastPrice       decimal.Decimal     `json:"last_price"`
	UnrealizedLong  decimal.Decimal     `json:"unrealized_long"`
	UnrealizedShort decimal.Decimal     `json:"unrealized_short"`
	UnrealizedTotal decimal.Decimal     `json:"unrealized_total"`
	FaultUntil      int64               `json:"exchange_fault_until"`
	LastUpdate      int64               `json:"last_update"`
}

// Config tunes the manager.
type Config struct {
	// PendingTimeout is how long a partially filled order may stay open
	// before it is cancelled and finalized with the exchange quantity.
	PendingTimeout time.Duration
	// FaultCooldown pauses every instance of an account after an exchange
	// call exhausted its retry budget.
	FaultCooldown time.Duration
	// AutoResume restarts instances that were running at shutdown.
	AutoResume bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PendingTimeout: 2 * time.Minute,
		FaultCooldown:  time.Minute,
	}
}
