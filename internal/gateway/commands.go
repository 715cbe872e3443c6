package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gateway/internal/bridge"
	"gateway/internal/heartbeat"
	"gateway/internal/memory"
	"gateway/internal/session"
	"gateway/internal/soul"
)

// AuthBroker handles auth-* command frames. Concrete OAuth flows live in an
// external broker process; the default implementation only reports that
// nothing is configured.
type AuthBroker interface {
	Handle(ctx context.Context, command string, payload json.RawMessage) (interface{}, error)
}

// NullAuthBroker is the built-in stub broker.
type NullAuthBroker struct{}

func (NullAuthBroker) Handle(ctx context.Context, command string, payload json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"configured": false}, nil
}

// CommandMux routes command frames to the owning component.
type CommandMux struct {
	memories   *memory.Store
	sessions   *session.Store
	tasks      *session.TaskStore
	heartbeats *heartbeat.Scheduler
	soul       *soul.Manager
	auth       AuthBroker
	log        *zap.Logger
}

// NewCommandMux wires the mux. Any dependency may be nil; its commands then
// fail with a clear error instead of panicking.
func NewCommandMux(memories *memory.Store, sessions *session.Store, tasks *session.TaskStore, heartbeats *heartbeat.Scheduler, soulMgr *soul.Manager, auth AuthBroker, log *zap.Logger) *CommandMux {
	if log == nil {
		log = zap.NewNop()
	}
	if auth == nil {
		auth = NullAuthBroker{}
	}
	return &CommandMux{
		memories:   memories,
		sessions:   sessions,
		tasks:      tasks,
		heartbeats: heartbeats,
		soul:       soulMgr,
		auth:       auth,
		log:        log.Named("commands"),
	}
}

// Handle executes one command and returns its response data.
func (m *CommandMux) Handle(ctx context.Context, command string, payload json.RawMessage) (interface{}, error) {
	if strings.HasPrefix(command, bridge.AuthCommandPrefix) {
		return m.auth.Handle(ctx, command, payload)
	}

	switch command {
	case bridge.CmdMemoryList:
		return m.memoryList(ctx, payload)
	case bridge.CmdMemoryDelete:
		return m.memoryDelete(ctx, payload)
	case bridge.CmdSessionList:
		if m.sessions == nil {
			return nil, fmt.Errorf("session store unavailable")
		}
		return m.sessions.List(), nil
	case bridge.CmdTaskStop:
		return m.taskStop(payload)
	case bridge.CmdHeartbeatList:
		if m.heartbeats == nil {
			return nil, fmt.Errorf("heartbeats unavailable")
		}
		return m.heartbeats.List(), nil
	case bridge.CmdHeartbeatToggle:
		return m.heartbeatToggle(payload)
	case bridge.CmdSoulHistory:
		return m.soulHistory(ctx, payload)
	case bridge.CmdSoulRollback:
		return m.soulRollback(ctx, payload)
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

func (m *CommandMux) memoryList(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if m.memories == nil {
		return nil, fmt.Errorf("memory store unavailable")
	}
	var args struct {
		UserID   string `json:"userId"`
		Category string `json:"category,omitempty"`
		Limit    int    `json:"limit,omitempty"`
	}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.UserID == "" {
		return nil, fmt.Errorf("memory-list requires userId")
	}
	if args.Category != "" {
		return m.memories.GetByCategory(ctx, args.UserID, args.Category)
	}
	if args.Limit <= 0 {
		args.Limit = 100
	}
	return m.memories.List(ctx, args.UserID, args.Limit)
}

func (m *CommandMux) memoryDelete(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if m.memories == nil {
		return nil, fmt.Errorf("memory store unavailable")
	}
	var args struct {
		UserID string `json:"userId"`
		ID     string `json:"id,omitempty"`
		Topic  string `json:"topic,omitempty"`
	}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	switch {
	case args.UserID == "":
		return nil, fmt.Errorf("memory-delete requires userId")
	case args.ID != "":
		if err := m.memories.DeleteByID(ctx, args.UserID, args.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"deleted": 1}, nil
	case args.Topic != "":
		n, err := m.memories.DeleteByTopic(ctx, args.UserID, args.Topic)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"deleted": n}, nil
	}
	return nil, fmt.Errorf("memory-delete requires id or topic")
}

func (m *CommandMux) taskStop(payload json.RawMessage) (interface{}, error) {
	if m.tasks == nil {
		return nil, fmt.Errorf("task store unavailable")
	}
	var args struct {
		UserID string `json:"userId"`
	}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.UserID == "" {
		return nil, fmt.Errorf("task-stop requires userId")
	}
	return map[string]interface{}{"cancelled": m.tasks.Cancel(args.UserID)}, nil
}

func (m *CommandMux) heartbeatToggle(payload json.RawMessage) (interface{}, error) {
	if m.heartbeats == nil {
		return nil, fmt.Errorf("heartbeats unavailable")
	}
	var args struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if err := m.heartbeats.Toggle(args.Name, args.Enabled); err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": args.Name, "enabled": args.Enabled}, nil
}

func (m *CommandMux) soulHistory(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if m.soul == nil {
		return nil, fmt.Errorf("soul manager unavailable")
	}
	var args struct {
		Limit int `json:"limit,omitempty"`
	}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	return m.soul.History(ctx, args.Limit)
}

func (m *CommandMux) soulRollback(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if m.soul == nil {
		return nil, fmt.Errorf("soul manager unavailable")
	}
	var args struct {
		VersionID string `json:"versionId"`
	}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.VersionID == "" {
		return nil, fmt.Errorf("soul-rollback requires versionId")
	}
	return m.soul.Rollback(ctx, args.VersionID)
}

func decode(payload json.RawMessage, into interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("malformed command payload: %w", err)
	}
	return nil
}
