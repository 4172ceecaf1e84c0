package tools

import (
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

const (
	ExecuteCommand      = "execute_command"
	ListDirectory       = "list_directory"
	ReadFile            = "read_file"
	WriteFile           = "write_file"
	GetSystemInfo       = "get_system_info"
	GetCurrentDirectory = "get_current_directory"
)

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// builtinDefinitions returns the fixed tool set in presentation order.
func builtinDefinitions() []mcptypes.Tool {
	return []mcptypes.Tool{
		{
			Name:        ExecuteCommand,
			Description: "Run a shell command on the local machine and return stdout, stderr and the exit code",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"command": prop("string", "The shell command to run"),
					"cwd":     prop("string", "Working directory for the command"),
					"timeout": prop("number", "Timeout in seconds (default 30)"),
				},
				Required: []string{"command"},
			},
		},
		{
			Name:        ListDirectory,
			Description: "List the entries of a directory",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"path":     prop("string", "Directory to list (default .)"),
					"detailed": prop("boolean", "Include size, permissions and modification time"),
				},
			},
		},
		{
			Name:        ReadFile,
			Description: "Read a text file and return its contents",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"path": prop("string", "Path of the file to read"),
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        WriteFile,
			Description: "Write text to a file, replacing it unless append is set",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"path":    prop("string", "Path of the file to write"),
					"content": prop("string", "Text to write"),
					"append":  prop("boolean", "Append instead of overwriting"),
				},
				Required: []string{"path", "content"},
			},
		},
		{
			Name:        GetSystemInfo,
			Description: "Report operating system, architecture, hostname, CPU count and user information",
			InputSchema: mcptypes.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{},
			},
		},
		{
			Name:        GetCurrentDirectory,
			Description: "Return the current working directory",
			InputSchema: mcptypes.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{},
			},
		},
	}
}
