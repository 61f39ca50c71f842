package engine

import (
	"errors"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/risk"
)

var (
	// ErrAlreadyRunning is returned by Start on a live session.
	ErrAlreadyRunning = errors.New("engine: bot is already running")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("engine: bot is not running")
)

// Status is the session lifecycle state.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

// Result is the outcome of a control operation, shaped for the API layer.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

// StartParams is one bot start request. Zero fields fall back to the
// process defaults.
type StartParams struct {
	Strategy     string         `json:"strategy"`
	Symbols      []string       `json:"symbols,omitempty"`
	Stake        float64        `json:"stake,omitempty"`
	Duration     int            `json:"duration,omitempty"`
	DurationUnit string         `json:"duration_unit,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// SessionStatus is a point-in-time view of one user's session.
type SessionStatus struct {
	UserID        string           `json:"user_id"`
	Status        Status           `json:"status"`
	Detail        string           `json:"detail,omitempty"`
	Strategy      string           `json:"strategy"`
	Symbols       []string         `json:"symbols"`
	Stake         float64          `json:"stake"`
	DryRun        bool             `json:"dry_run"`
	StartedAt     time.Time        `json:"started_at,omitzero"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Risk          risk.Stats       `json:"risk"`
	Balance       balance.Snapshot `json:"balance"`
	SessionPnL    float64          `json:"session_pnl"`
}

// Statistics is the payload of the per-cycle statistics event.
type Statistics struct {
	Strategy   string           `json:"strategy"`
	Risk       risk.Stats       `json:"risk"`
	Balance    balance.Snapshot `json:"balance"`
	SessionPnL float64          `json:"session_pnl"`
}

// OrchestratorStats summarizes the session pool for the metrics API.
type OrchestratorStats struct {
	ActiveBots    int `json:"active_bots"`
	TotalSessions int `json:"total_sessions"`
	MaxBots       int `json:"max_bots"`
}
