package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"gateway/internal/bridge"
	"gateway/internal/logging"
	"gateway/internal/orchestrator"
	"gateway/internal/session"
	"gateway/internal/task"
	"gateway/internal/types"
)

// taskPrefix in a message routes the turn to the task loop instead of the
// plain chat loop.
const taskPrefix = "/task "

// TurnEngine runs one orchestrated chat turn.
type TurnEngine interface {
	Chat(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// TaskRunner runs one multi-iteration task to completion.
type TaskRunner interface {
	Execute(ctx context.Context, userID, originalRequest, chatID, auditSessionID string) (*task.Outcome, error)
}

// ApprovalResolver applies bridge approval decisions.
type ApprovalResolver interface {
	Resolve(ctx context.Context, approvalID, decision string) error
}

// Router turns inbound bridge frames into component calls.
type Router struct {
	sessions *session.Store
	engine   TurnEngine
	tasks    TaskRunner
	gate     ApprovalResolver
	commands *CommandMux
	auditor  *logging.Auditor
	log      *zap.Logger
}

// NewRouter wires the frame router.
func NewRouter(sessions *session.Store, engine TurnEngine, tasks TaskRunner, gate ApprovalResolver, commands *CommandMux, auditor *logging.Auditor, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		sessions: sessions,
		engine:   engine,
		tasks:    tasks,
		gate:     gate,
		commands: commands,
		auditor:  auditor,
		log:      log.Named("router"),
	}
}

// HandleFrame is the bridge server's message handler. Each frame runs on the
// caller's goroutine; the bridge server spawns one per connection, so turns
// from different clients proceed concurrently while the session store
// serialises turns per user.
func (r *Router) HandleFrame(ctx context.Context, clientID, frameType string, raw json.RawMessage, reply func(frame interface{})) {
	switch {
	case frameType == bridge.TypeSocketRequest:
		var req bridge.SocketRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			r.log.Warn("malformed socket request", zap.Error(err))
			return
		}
		r.handleTurn(ctx, req, reply)

	case frameType == bridge.TypeApprovalDecision:
		var decision bridge.ApprovalDecision
		if err := json.Unmarshal(raw, &decision); err != nil {
			r.log.Warn("malformed approval decision", zap.Error(err))
			return
		}
		if err := r.gate.Resolve(ctx, decision.ApprovalID, decision.Decision); err != nil {
			// Losing a resolution race is normal; anything else is logged.
			r.log.Info("approval decision not applied",
				zap.String("approvalId", decision.ApprovalID), zap.Error(err))
		}

	case bridge.IsCommand(frameType):
		var cmd bridge.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			r.log.Warn("malformed command frame", zap.Error(err))
			return
		}
		r.handleCommand(ctx, frameType, cmd, reply)

	default:
		r.log.Warn("unhandled frame type", zap.String("type", frameType))
	}
}

func (r *Router) handleTurn(ctx context.Context, req bridge.SocketRequest, reply func(frame interface{})) {
	userID := req.Message.UserID
	text := req.Message.Text
	chatID := req.ReplyTo.ChatID

	if strings.HasPrefix(text, taskPrefix) && r.tasks != nil {
		r.handleTask(ctx, req, strings.TrimPrefix(text, taskPrefix), reply)
		return
	}

	var finalText string
	var turnErr error
	r.sessions.WithSession(userID, func(sessionID string, history []types.ConversationTurn) []types.ConversationTurn {
		if r.auditor != nil {
			r.auditor.MessageReceived(sessionID, req.Message.Source, userID, len(text))
		}
		updated := append(history, types.TextTurn(types.RoleUser, text))

		result, err := r.engine.Chat(ctx, orchestrator.Request{
			SessionID: sessionID,
			ChatID:    chatID,
			UserID:    userID,
			History:   updated,
		})
		if err != nil {
			// A failed turn leaves the session exactly as it was.
			turnErr = err
			if r.auditor != nil {
				r.auditor.ErrorEvent(sessionID, "router", err)
			}
			return history
		}
		finalText = result.Text
		if r.auditor != nil {
			r.auditor.MessageSent(sessionID, chatID, len(finalText))
		}
		return result.History
	})

	resp := bridge.SocketResponse{
		Type:      bridge.TypeSocketResponse,
		RequestID: req.RequestID,
		Outgoing:  bridge.Outgoing{ChatID: chatID, Content: finalText, ReplyToID: req.ReplyTo.MessageID},
	}
	if turnErr != nil {
		resp.Error = turnErr.Error()
		resp.Outgoing.Content = "Something went wrong handling that message. Please try again."
	}
	reply(resp)
}

func (r *Router) handleTask(ctx context.Context, req bridge.SocketRequest, request string, reply func(frame interface{})) {
	sess := r.sessions.GetOrCreate(req.Message.UserID)
	if r.auditor != nil {
		r.auditor.MessageReceived(sess.ID, req.Message.Source, req.Message.UserID, len(request))
	}

	outcome, err := r.tasks.Execute(ctx, req.Message.UserID, request, req.ReplyTo.ChatID, sess.ID)
	resp := bridge.SocketResponse{
		Type:      bridge.TypeSocketResponse,
		RequestID: req.RequestID,
		Outgoing:  bridge.Outgoing{ChatID: req.ReplyTo.ChatID, ReplyToID: req.ReplyTo.MessageID},
	}
	switch {
	case err == session.ErrTaskActive:
		resp.Outgoing.Content = "You already have a task running. Stop it first with task-stop."
	case err != nil:
		resp.Error = err.Error()
		resp.Outgoing.Content = "The task failed: " + err.Error()
	default:
		resp.Outgoing.Content = outcome.Text
		if r.auditor != nil {
			r.auditor.MessageSent(sess.ID, req.ReplyTo.ChatID, len(outcome.Text))
		}
	}
	reply(resp)
}

func (r *Router) handleCommand(ctx context.Context, command string, cmd bridge.Command, reply func(frame interface{})) {
	data, err := r.commands.Handle(ctx, command, cmd.Payload)
	resp := bridge.CommandResponse{Type: command, RequestID: cmd.RequestID, OK: err == nil, Data: data}
	if err != nil {
		resp.Error = err.Error()
	}
	reply(resp)
}
