// Package orchestrator runs the agentic loop at the heart of every turn:
// prompt assembly, LLM round trips, gate checks and tool execution, until
// the model stops asking for tools or the iteration cap is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"gateway/internal/approval"
	"gateway/internal/hitl"
	"gateway/internal/logging"
	"gateway/internal/mcp"
	"gateway/internal/memory"
	"gateway/internal/prompt"
	"gateway/internal/sandbox"
	"gateway/internal/soul"
	"gateway/internal/types"
)

// MaxIterations bounds LLM round trips within one turn.
const MaxIterations = 10

const maxIterationsMessage = "I hit the maximum number of tool iterations for this turn. Tell me how you'd like to continue."

// ApprovalGate is the HITL gate surface the loop needs.
type ApprovalGate interface {
	Check(ctx context.Context, req hitl.Request) (hitl.Decision, error)
}

// Dispatcher runs one task in an ephemeral sandbox.
type Dispatcher interface {
	Dispatch(ctx context.Context, executorType string, task sandbox.Task) *sandbox.ExecutorResult
}

// MCPRouter exposes plug-in tools and routes prefixed calls.
type MCPRouter interface {
	Tools() []types.ToolDefinition
	CallTool(ctx context.Context, prefixedName string, args map[string]interface{}) (*mcp.CallResult, error)
	// DefaultTier is the owning server's configured classification tier
	// for the tool, or "" when unknown.
	DefaultTier(prefixedName string) string
}

// Request is one orchestrated turn.
type Request struct {
	SessionID string
	ChatID    string
	UserID    string
	History   []types.ConversationTurn
}

// Result is the outcome of a turn: the final assistant text and the full
// updated history to write back to the session store.
type Result struct {
	Text    string
	History []types.ConversationTurn
}

// Orchestrator drives the loop. Stateless across turns; all conversation
// state lives in the caller-supplied history.
type Orchestrator struct {
	llm            types.LLMClient
	prompts        *prompt.Builder
	gate           ApprovalGate
	dispatcher     Dispatcher
	mcp            MCPRouter
	memories       *memory.Store
	soul           *soul.Manager
	auditor        *logging.Auditor
	trustedDomains []string
	resultCap      int
	log            *zap.Logger
}

// Params wires an orchestrator. MCP, Soul and Auditor may be nil.
type Params struct {
	LLM            types.LLMClient
	Prompts        *prompt.Builder
	Gate           ApprovalGate
	Dispatcher     Dispatcher
	MCP            MCPRouter
	Memories       *memory.Store
	Soul           *soul.Manager
	Auditor        *logging.Auditor
	TrustedDomains []string
	// ResultCap truncates every tool_result fed back to the model.
	ResultCap int
	Log       *zap.Logger
}

// New builds an orchestrator from its dependencies.
func New(p Params) *Orchestrator {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	resultCap := p.ResultCap
	if resultCap <= 0 {
		resultCap = 30000
	}
	return &Orchestrator{
		llm:            p.LLM,
		prompts:        p.Prompts,
		gate:           p.Gate,
		dispatcher:     p.Dispatcher,
		mcp:            p.MCP,
		memories:       p.Memories,
		soul:           p.Soul,
		auditor:        p.Auditor,
		trustedDomains: p.TrustedDomains,
		resultCap:      resultCap,
		log:            log.Named("orchestrator"),
	}
}

// Chat runs one full turn. An LLM transport error aborts the turn; tool
// failures do not, they are fed back to the model as tool_results.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Result, error) {
	history := append([]types.ConversationTurn(nil), req.History...)
	lastUserText := lastUserMessage(history)

	tools := append([]types.ToolDefinition(nil), builtinTools...)
	if o.mcp != nil {
		tools = append(tools, o.mcp.Tools()...)
	}

	for iteration := 0; iteration < MaxIterations; iteration++ {
		system := o.prompts.Build(ctx, req.UserID, lastUserText)

		if o.auditor != nil {
			o.auditor.LLMRequest(req.SessionID, o.llm.Provider(), o.llm.Model(), len(history))
		}
		start := time.Now()
		resp, err := o.llm.Chat(ctx, types.ChatRequest{
			System:   system,
			Messages: history,
			Tools:    tools,
		})
		if err != nil {
			if o.auditor != nil {
				o.auditor.LLMResponse(req.SessionID, o.llm.Provider(), "", time.Since(start).Milliseconds(), err.Error())
				o.auditor.ErrorEvent(req.SessionID, "orchestrator", err)
			}
			return nil, fmt.Errorf("llm call failed: %w", err)
		}
		if o.auditor != nil {
			o.auditor.LLMResponse(req.SessionID, o.llm.Provider(), resp.StopReason, time.Since(start).Milliseconds(), "")
		}

		if resp.StopReason != types.StopToolUse {
			text := resp.Text()
			history = append(history, types.ConversationTurn{Role: types.RoleAssistant, Content: resp.Content})
			return &Result{Text: text, History: history}, nil
		}

		// Preserve the interleaved text and tool_call blocks as one turn.
		history = append(history, types.ConversationTurn{Role: types.RoleAssistant, Content: resp.Content})
		assistantText := resp.Text()

		results := make([]types.ContentBlock, 0, len(resp.ToolCalls()))
		for _, call := range resp.ToolCalls() {
			if o.auditor != nil {
				o.auditor.ToolCallEvent(req.SessionID, call.Name, call.Input)
			}
			content, isError, err := o.runTool(ctx, req, call, assistantText, lastUserText)
			if err != nil {
				return nil, err
			}
			results = append(results, types.ToolResultBlock(call.ID, o.capResult(content), isError))
			if o.auditor != nil {
				o.auditor.ToolResultEvent(req.SessionID, call.Name, !isError, 0, "")
			}
		}
		history = append(history, types.ConversationTurn{Role: types.RoleToolResults, Content: results})
	}

	o.log.Warn("iteration cap reached", zap.String("sessionId", req.SessionID))
	history = append(history, types.TextTurn(types.RoleAssistant, maxIterationsMessage))
	return &Result{Text: maxIterationsMessage, History: history}, nil
}

// runTool executes one tool call end to end: gate check, routing, and
// rendering of the result text. Only a cancelled gate wait returns an error;
// every other failure becomes tool_result content.
func (o *Orchestrator) runTool(ctx context.Context, req Request, call types.ContentBlock, assistantText, lastUserText string) (content string, isError bool, err error) {
	if memoryTools[call.Name] {
		content, isError = o.runMemoryTool(ctx, req.UserID, call)
		return content, isError, nil
	}

	defaultTier := ""
	if o.mcp != nil && mcp.IsMCPTool(call.Name) {
		defaultTier = o.mcp.DefaultTier(call.Name)
	}
	decision, err := o.gate.Check(ctx, hitl.Request{
		SessionID:   req.SessionID,
		ToolName:    call.Name,
		Input:       call.Input,
		ChatID:      req.ChatID,
		Reason:      assistantText,
		PlanContext: lastUserText,
		Capability:  o.capabilityPreview(call),
		DefaultTier: defaultTier,
	})
	if err != nil {
		return "", false, fmt.Errorf("gate check for %s: %w", call.Name, err)
	}
	if !decision.Proceed {
		if decision.Status == approval.StatusExpired {
			return fmt.Sprintf("The approval request for %s expired before the user decided. Do not retry; ask the user how to proceed.", call.Name), true, nil
		}
		return fmt.Sprintf("The call to %s was rejected by the user. Do not retry it; ask the user how to proceed instead.", call.Name), true, nil
	}

	switch {
	case mcp.IsMCPTool(call.Name):
		content, isError = o.runMCPTool(ctx, call)
	case inProcessTools[call.Name]:
		content, isError = o.runInProcessTool(ctx, req.UserID, call)
	default:
		content, isError = o.runExecutorTool(ctx, call)
	}
	return content, isError, nil
}

func (o *Orchestrator) runMemoryTool(ctx context.Context, userID string, call types.ContentBlock) (string, bool) {
	switch call.Name {
	case ToolSaveMemory:
		category := stringInput(call.Input, "category")
		topic := stringInput(call.Input, "topic")
		body := stringInput(call.Input, "content")
		if !memory.ValidCategory(category) {
			return fmt.Sprintf("invalid memory category %q", category), true
		}
		if topic == "" || body == "" {
			return "save_memory requires topic and content", true
		}
		if _, err := o.memories.Save(ctx, userID, category, topic, body); err != nil {
			return fmt.Sprintf("failed to save memory: %v", err), true
		}
		return fmt.Sprintf("Saved memory %q in category %s.", topic, category), false

	case ToolSearchMemory:
		query := stringInput(call.Input, "query")
		if query == "" {
			return "search_memory requires a query", true
		}
		hits, err := o.memories.Search(ctx, userID, query, 5)
		if err != nil {
			return fmt.Sprintf("memory search failed: %v", err), true
		}
		if len(hits) == 0 {
			return "No memories matched.", false
		}
		var sb strings.Builder
		for _, hit := range hits {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", hit.Category, hit.Topic, hit.Content)
		}
		return strings.TrimRight(sb.String(), "\n"), false
	}
	return fmt.Sprintf("unknown memory tool %s", call.Name), true
}

func (o *Orchestrator) runInProcessTool(ctx context.Context, userID string, call types.ContentBlock) (string, bool) {
	switch call.Name {
	case ToolProposeSoulUpdate:
		if o.soul == nil {
			return "persona updates are not available", true
		}
		proposed := stringInput(call.Input, "proposedContent")
		reason := stringInput(call.Input, "reason")
		if err := o.soul.Apply(ctx, proposed, reason); err != nil {
			return fmt.Sprintf("persona update failed: %v", err), true
		}
		return "Persona updated and recorded in version history.", false
	}
	return fmt.Sprintf("unknown tool %s", call.Name), true
}

func (o *Orchestrator) runMCPTool(ctx context.Context, call types.ContentBlock) (string, bool) {
	if o.mcp == nil {
		return "no MCP servers are configured", true
	}
	result, err := o.mcp.CallTool(ctx, call.Name, call.Input)
	if err != nil {
		return fmt.Sprintf("tool call failed: %v", err), true
	}
	return result.Text(), result.IsError
}

func (o *Orchestrator) runExecutorTool(ctx context.Context, call types.ContentBlock) (string, bool) {
	executorType, ok := executorForTool[call.Name]
	if !ok {
		return fmt.Sprintf("unknown tool %s", call.Name), true
	}

	task := sandbox.Task{Tool: call.Name, Input: call.Input}
	if call.Name == ToolBrowseWeb {
		task.AllowedDomains = o.browseDomains(stringInput(call.Input, "url"))
	}

	result := o.dispatcher.Dispatch(ctx, executorType, task)
	return renderExecutorResult(result), !result.Success
}

// browseDomains joins the configured trusted domains with the approved
// target host, so the web executor can reach the page the user just
// approved even when it is not pre-trusted.
func (o *Orchestrator) browseDomains(rawURL string) []string {
	domains := append([]string(nil), o.trustedDomains...)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return domains
	}
	host := strings.ToLower(parsed.Hostname())
	for _, d := range domains {
		if d == host {
			return domains
		}
	}
	return append(domains, host)
}

// capabilityPreview renders the authority an approver would be granting.
// Best effort; an empty preview only degrades the approval card.
func (o *Orchestrator) capabilityPreview(call types.ContentBlock) string {
	executorType, ok := executorForTool[call.Name]
	if !ok {
		return ""
	}
	preview := map[string]interface{}{
		"executorType": executorType,
		"tool":         call.Name,
	}
	if call.Name == ToolBrowseWeb {
		preview["allowedDomains"] = o.browseDomains(stringInput(call.Input, "url"))
	}
	encoded, err := json.Marshal(preview)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func renderExecutorResult(result *sandbox.ExecutorResult) string {
	if result.Success {
		if strings.TrimSpace(result.Stdout) == "" {
			return "(no output)"
		}
		return result.Stdout
	}
	var sb strings.Builder
	if result.Error != "" {
		fmt.Fprintf(&sb, "error: %s\n", result.Error)
	}
	if result.Stderr != "" {
		sb.WriteString(result.Stderr)
	}
	if sb.Len() == 0 {
		fmt.Fprintf(&sb, "executor exited with code %d", result.ExitCode)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (o *Orchestrator) capResult(content string) string {
	if len(content) <= o.resultCap {
		return content
	}
	return content[:o.resultCap] + "\n[output truncated]"
}

func lastUserMessage(history []types.ConversationTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			return history[i].Text()
		}
	}
	return ""
}
