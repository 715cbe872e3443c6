package orchestrator

import (
	"gateway/internal/types"
)

// Built-in tool names. Everything else routes to MCP by prefix.
const (
	ToolRunShellCommand   = "run_shell_command"
	ToolReadFile          = "read_file"
	ToolWriteFile         = "write_file"
	ToolListDirectory     = "list_directory"
	ToolSearchFiles       = "search_files"
	ToolBrowseWeb         = "browse_web"
	ToolSaveMemory        = "save_memory"
	ToolSearchMemory      = "search_memory"
	ToolProposeSoulUpdate = "propose_soul_update"
)

// executorForTool maps executor-routed tools to their sandbox type.
var executorForTool = map[string]string{
	ToolRunShellCommand: "shell",
	ToolReadFile:        "file",
	ToolWriteFile:       "file",
	ToolListDirectory:   "file",
	ToolSearchFiles:     "file",
	ToolBrowseWeb:       "web",
}

// inProcessTools run inside the Gateway process itself.
var inProcessTools = map[string]bool{
	ToolSaveMemory:        true,
	ToolSearchMemory:      true,
	ToolProposeSoulUpdate: true,
}

// memoryTools bypass the HITL gate entirely; saving or searching memories
// is never a dangerous action.
var memoryTools = map[string]bool{
	ToolSaveMemory:   true,
	ToolSearchMemory: true,
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// builtinTools is the catalog shown to the LLM on every turn, before any
// MCP tools are appended.
var builtinTools = []types.ToolDefinition{
	{
		Name:        ToolRunShellCommand,
		Description: "Run a shell command in a sandboxed container and return its output.",
		InputSchema: objectSchema([]string{"command"}, map[string]interface{}{
			"command": stringProp("The shell command to execute."),
		}),
	},
	{
		Name:        ToolReadFile,
		Description: "Read a file from the sandboxed workspace.",
		InputSchema: objectSchema([]string{"path"}, map[string]interface{}{
			"path": stringProp("Path of the file to read."),
		}),
	},
	{
		Name:        ToolWriteFile,
		Description: "Write content to a file in the sandboxed workspace.",
		InputSchema: objectSchema([]string{"path", "content"}, map[string]interface{}{
			"path":    stringProp("Path of the file to write."),
			"content": stringProp("Full content to write."),
		}),
	},
	{
		Name:        ToolListDirectory,
		Description: "List the entries of a workspace directory.",
		InputSchema: objectSchema([]string{"path"}, map[string]interface{}{
			"path": stringProp("Directory path to list."),
		}),
	},
	{
		Name:        ToolSearchFiles,
		Description: "Search workspace files by name pattern or content query.",
		InputSchema: objectSchema(nil, map[string]interface{}{
			"pattern": stringProp("Filename glob to match."),
			"query":   stringProp("Content text to search for."),
			"path":    stringProp("Directory to search under."),
		}),
	},
	{
		Name:        ToolBrowseWeb,
		Description: "Fetch a web page through the sandboxed browser and return its content.",
		InputSchema: objectSchema([]string{"url"}, map[string]interface{}{
			"url": stringProp("The URL to fetch."),
		}),
	},
	{
		Name:        ToolSaveMemory,
		Description: "Save a long-term memory about the user or their projects.",
		InputSchema: objectSchema([]string{"category", "topic", "content"}, map[string]interface{}{
			"category": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"user", "preference", "project", "fact", "environment"},
				"description": "Memory category.",
			},
			"topic":   stringProp("Short unique topic for this memory."),
			"content": stringProp("The content to remember."),
		}),
	},
	{
		Name:        ToolSearchMemory,
		Description: "Search saved long-term memories.",
		InputSchema: objectSchema([]string{"query"}, map[string]interface{}{
			"query": stringProp("What to look for."),
		}),
	},
	{
		Name:        ToolProposeSoulUpdate,
		Description: "Propose a change to your own persona file. Always requires explicit user approval.",
		InputSchema: objectSchema([]string{"proposedContent", "reason"}, map[string]interface{}{
			"proposedContent": stringProp("The complete new persona content."),
			"reason":          stringProp("Why this change is proposed."),
		}),
	},
}

func stringInput(input map[string]interface{}, key string) string {
	if raw, ok := input[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}
