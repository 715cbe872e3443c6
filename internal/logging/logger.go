// Package logging provides the Gateway's service logger and the append-only
// JSONL audit trail. Service logs go through zap; audit events are one JSON
// object per line in a date-named file under the audit directory.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger category names, used with Logger.Named so every component's
// entries carry a stable "logger" field.
const (
	CategoryGateway      = "gateway"
	CategoryOrchestrator = "orchestrator"
	CategoryHITL         = "hitl"
	CategorySandbox      = "sandbox"
	CategoryMCP          = "mcp"
	CategoryBridge       = "bridge"
	CategoryMemory       = "memory"
	CategoryTask         = "task"
	CategoryHeartbeat    = "heartbeat"
	CategorySoul         = "soul"
	CategorySkills       = "skills"
)

// New builds the service logger. Verbose lowers the level to debug.
func New(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}
