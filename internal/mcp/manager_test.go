package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"gateway/internal/config"
)

// pipeProcess is an in-process MCP server used as a fake container.
type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	stop   func()
}

func (p *pipeProcess) Stdin() io.Writer  { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader { return p.stdout }
func (p *pipeProcess) Stop() error {
	p.stop()
	return nil
}

// fakeLauncher serves the given tools for every configured server.
func fakeLauncher(tools []ToolSchema) Launcher {
	return func(ctx context.Context, cfg config.MCPServerConfig, proxyAddr string) (Process, error) {
		clientReader, serverWriter := io.Pipe()
		serverReader, clientWriter := io.Pipe()

		go func() {
			scanner := bufio.NewScanner(serverReader)
			for scanner.Scan() {
				var req rpcRequest
				if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
					continue
				}
				var result interface{}
				switch req.Method {
				case "initialize":
					result = map[string]interface{}{"protocolVersion": protocolVersion}
				case "tools/list":
					result = map[string]interface{}{"tools": tools}
				case "tools/call":
					var params struct {
						Name string `json:"name"`
					}
					raw, _ := json.Marshal(req.Params)
					json.Unmarshal(raw, &params)
					result = &CallResult{Content: []ContentItem{{Type: "text", Text: "ran " + params.Name}}}
				}
				rawResult, _ := json.Marshal(result)
				resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: *req.ID, Result: rawResult})
				serverWriter.Write(append(resp, '\n'))
			}
		}()

		return &pipeProcess{
			stdin:  clientWriter,
			stdout: clientReader,
			stop: func() {
				serverWriter.Close()
				serverReader.Close()
			},
		}, nil
	}
}

func TestManagerPrefixingAndRouting(t *testing.T) {
	tools := []ToolSchema{
		{Name: "create_issue", Description: "create an issue"},
		{Name: "list_repos", Description: "list repositories"},
	}
	m := NewManager(fakeLauncher(tools), nil, time.Minute, nil)
	defer m.Shutdown()

	err := m.Start(context.Background(), []config.MCPServerConfig{{Name: "github", Image: "x"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	defs := m.Tools()
	if len(defs) != 2 {
		t.Fatalf("tools = %d, want 2", len(defs))
	}
	names := []string{defs[0].Name, defs[1].Name}
	sort.Strings(names)
	if names[0] != "mcp_github__create_issue" || names[1] != "mcp_github__list_repos" {
		t.Fatalf("names = %v", names)
	}

	result, err := m.CallTool(context.Background(), "mcp_github__create_issue", map[string]interface{}{"title": "t"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "ran create_issue" {
		t.Fatalf("result = %+v", result)
	}
}

func TestManagerUnknownServer(t *testing.T) {
	m := NewManager(fakeLauncher(nil), nil, time.Minute, nil)
	defer m.Shutdown()

	_, err := m.CallTool(context.Background(), "mcp_ghost__tool", nil)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.CallTool(context.Background(), "read_file", nil); err == nil {
		t.Fatal("expected error for non-mcp name")
	}
}

func TestFilterTools(t *testing.T) {
	tools := []ToolSchema{{Name: "c"}, {Name: "a"}, {Name: "b"}, {Name: "d"}}

	got := filterTools(tools, config.MCPServerConfig{IncludeTools: []string{"a", "b", "c"}})
	if len(got) != 3 {
		t.Fatalf("include filter kept %d", len(got))
	}

	got = filterTools(tools, config.MCPServerConfig{ExcludeTools: []string{"b"}})
	if len(got) != 3 {
		t.Fatalf("exclude filter kept %d", len(got))
	}
	for _, tool := range got {
		if tool.Name == "b" {
			t.Fatal("excluded tool survived")
		}
	}

	got = filterTools(tools, config.MCPServerConfig{MaxTools: 2})
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("maxTools kept %+v", got)
	}
}

func TestServerRestartAfterExit(t *testing.T) {
	tools := []ToolSchema{{Name: "echo"}}
	launcher := fakeLauncher(tools)
	server := NewServer(config.MCPServerConfig{Name: "s", Image: "x"}, launcher, time.Minute, nil)
	defer server.Stop()

	if err := server.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Kill the fake container out from under the channel.
	server.mu.Lock()
	process := server.process
	server.mu.Unlock()
	process.Stop()
	time.Sleep(100 * time.Millisecond)

	// The next call should restart once and succeed.
	result, err := server.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool after exit: %v", err)
	}
	if result.Text() != "ran echo" {
		t.Fatalf("result = %+v", result)
	}
}
