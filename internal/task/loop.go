// Package task drives multi-step tasks. Each iteration starts from a fresh
// message history carrying only the original request and the compressed plan
// state, so long tasks never accumulate a context window.
package task

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gateway/internal/orchestrator"
	"gateway/internal/session"
	"gateway/internal/types"
)

// ContinueSentinel in the assistant's final text requests another iteration.
const ContinueSentinel = "[CONTINUE]"

// logLineCap bounds each plan-log entry carried between iterations.
const logLineCap = 400

// TurnEngine runs one orchestrated turn. Satisfied by *orchestrator.Orchestrator.
type TurnEngine interface {
	Chat(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Outcome is the result of a completed task run.
type Outcome struct {
	Text       string `json:"text"`
	TaskID     string `json:"taskId"`
	Iterations int    `json:"iterations"`
	Completed  bool   `json:"completed"`
}

// Loop executes tasks against a turn engine.
type Loop struct {
	engine        TurnEngine
	tasks         *session.TaskStore
	maxIterations int
	log           *zap.Logger
}

// NewLoop builds a task loop. maxIterations <= 0 defaults to 10.
func NewLoop(engine TurnEngine, tasks *session.TaskStore, maxIterations int, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &Loop{
		engine:        engine,
		tasks:         tasks,
		maxIterations: maxIterations,
		log:           log.Named("task"),
	}
}

// Execute runs one task to a terminal status. Returns ErrTaskActive (via the
// store) when the user already has a running task.
func (l *Loop) Execute(ctx context.Context, userID, originalRequest, chatID, auditSessionID string) (*Outcome, error) {
	taskSession, err := l.tasks.Create(userID, originalRequest, l.maxIterations)
	if err != nil {
		return nil, err
	}
	taskID := taskSession.ID
	l.log.Info("task started", zap.String("taskId", taskID), zap.String("userId", userID))

	lastText := ""
	plan := session.Plan{Goal: originalRequest}

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if cancelled(taskSession) {
			l.tasks.Finish(taskID, session.TaskCancelled, "")
			return l.outcome(taskID, lastText, false), nil
		}

		// A stop request mid-iteration aborts the in-flight turn at its
		// next suspension point by cancelling the context.
		runCtx, cancel := context.WithCancel(ctx)
		stopWatcher := make(chan struct{})
		go func() {
			select {
			case <-taskSession.Cancelled():
				cancel()
			case <-stopWatcher:
			}
		}()

		result, err := l.engine.Chat(runCtx, orchestrator.Request{
			SessionID: auditSessionID,
			ChatID:    chatID,
			UserID:    userID,
			History:   freshHistory(originalRequest, iteration, plan),
		})
		close(stopWatcher)
		cancel()

		if err != nil {
			if cancelled(taskSession) {
				l.tasks.Finish(taskID, session.TaskCancelled, "")
				return l.outcome(taskID, lastText, false), nil
			}
			l.tasks.Finish(taskID, session.TaskFailed, err.Error())
			return nil, fmt.Errorf("task iteration %d: %w", iteration+1, err)
		}

		text := strings.TrimSpace(result.Text)
		if !strings.Contains(text, ContinueSentinel) {
			l.tasks.Advance(taskID, plan)
			l.tasks.Finish(taskID, session.TaskCompleted, "")
			return l.outcome(taskID, text, true), nil
		}

		lastText = strings.TrimSpace(strings.ReplaceAll(text, ContinueSentinel, ""))
		plan.Log = append(plan.Log, fmt.Sprintf("iteration %d: %s", iteration+1, clip(lastText, logLineCap)))
		l.tasks.Advance(taskID, plan)
	}

	l.tasks.Finish(taskID, session.TaskFailed, "iteration-cap")
	return l.outcome(taskID, lastText, false), nil
}

func (l *Loop) outcome(taskID, text string, completed bool) *Outcome {
	iterations := 0
	if snap, ok := l.tasks.Snapshot(taskID); ok {
		iterations = snap.Iteration
	}
	return &Outcome{Text: text, TaskID: taskID, Iterations: iterations, Completed: completed}
}

func cancelled(t *session.TaskSession) bool {
	select {
	case <-t.Cancelled():
		return true
	default:
		return false
	}
}

// freshHistory builds the single user turn an iteration starts from.
func freshHistory(originalRequest string, iteration int, plan session.Plan) []types.ConversationTurn {
	if iteration == 0 {
		return []types.ConversationTurn{types.TextTurn(types.RoleUser, originalRequest)}
	}
	var sb strings.Builder
	sb.WriteString(originalRequest)
	sb.WriteString("\n\nProgress so far:\n")
	for _, line := range plan.Log {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\nContinue from where you left off. End with ")
	sb.WriteString(ContinueSentinel)
	sb.WriteString(" if more work remains.")
	return []types.ConversationTurn{types.TextTurn(types.RoleUser, sb.String())}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
