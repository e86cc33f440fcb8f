package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kontermux/kon/internal/shell"
	"github.com/kontermux/kon/internal/types"
)

// shellArgs are the arguments accepted by the Shell tool.
type shellArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

// shellSchema is the Shell tool's JSON Schema parameter description.
var shellSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "The shell command to execute"},
		"timeout": {"type": "integer", "description": "Timeout in seconds (default 180; longer values are capped at 180)"}
	},
	"required": ["command"]
}`)

// NewShellTool registers a Shell tool backed by sh, an in-process POSIX
// interpreter. It exercises the executor contract end to end: cooperative
// cancellation via the shared CancelToken, a process-group kill on
// timeout/cancel (sh.Exec honors ctx cancellation, which mvdan.cc/sh
// propagates to any spawned external commands), and sanitized/truncated
// output via Execute.
func NewShellTool(sh *shell.Shell) Tool {
	return Tool{
		Name:        "shell",
		Description: "Execute a shell command in an in-process POSIX interpreter rooted at the project directory.",
		Schema:      shellSchema,
		Timeout:     DefaultTimeout,
		Handler:     makeShellHandler(sh),
	}
}

func makeShellHandler(sh *shell.Shell) Handler {
	return func(ctx context.Context, params json.RawMessage, cancel *CancelToken) types.ToolResult {
		var args shellArgs
		if err := json.Unmarshal(params, &args); err != nil {
			return types.ToolResult{Success: false, ResultText: "invalid arguments: " + err.Error()}
		}
		if args.Command == "" {
			return types.ToolResult{Success: false, ResultText: "command is required"}
		}
		if args.Timeout > 0 {
			var stopTimeout context.CancelFunc
			ctx, stopTimeout = context.WithTimeout(ctx, time.Duration(args.Timeout)*time.Second)
			defer stopTimeout()
		}

		// Cooperative cancellation: stop the shell command the instant the
		// shared token fires, without waiting for the execCtx deadline.
		runCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-cancel.Done():
				stop()
			case <-runCtx.Done():
			}
		}()

		stdout, stderr, err := sh.Exec(runCtx, args.Command)
		exitCode := shell.ExitCode(err)
		output := stdout
		if stderr != "" {
			output += "\n" + stderr
		}
		if output == "" {
			output = "(no output)"
		}
		if exitCode != 0 {
			return types.ToolResult{Success: false, ResultText: output}
		}
		return types.ToolResult{Success: true, ResultText: output}
	}
}
