// Package mcp manages long-lived plug-in servers speaking the
// Model-Context-Protocol: JSON-RPC 2.0 over container stdio, plus the
// HTTP-CONNECT proxy that enforces each server's domain allow-list.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

const protocolVersion = "2024-11-05"

// ErrServerExited fails every call pending when a server's container dies.
var ErrServerExited = errors.New("mcp server exited")

// ServerError wraps any failure attributable to one MCP server. The
// manager marks that server's tools unavailable; other servers are not
// affected.
type ServerError struct {
	Server string
	Err    error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcp server %s: %v", e.Server, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

// ToolSchema is one tool as reported by tools/list.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ContentItem is one fragment of a tools/call result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the normalised outcome of a tools/call.
type CallResult struct {
	IsError bool          `json:"isError"`
	Content []ContentItem `json:"content"`
}

// Text concatenates the result's text items.
func (r *CallResult) Text() string {
	out := ""
	for _, item := range r.Content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}

// ToolPrefix builds the exposed name for a server's tool.
func ToolPrefix(server string) string {
	return "mcp_" + server + "__"
}

// SplitToolName resolves an exposed mcp_{server}__{tool} name.
func SplitToolName(prefixed string) (server, tool string, ok bool) {
	if len(prefixed) < 5 || prefixed[:4] != "mcp_" {
		return "", "", false
	}
	rest := prefixed[4:]
	for i := 0; i+1 < len(rest); i++ {
		if rest[i] == '_' && rest[i+1] == '_' {
			server, tool = rest[:i], rest[i+2:]
			if server == "" || tool == "" {
				return "", "", false
			}
			return server, tool, true
		}
	}
	return "", "", false
}

// IsMCPTool reports whether a tool name routes to an MCP server.
func IsMCPTool(name string) bool {
	_, _, ok := SplitToolName(name)
	return ok
}
