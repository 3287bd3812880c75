// Package toolexec runs the tools a model may call during an autonomous run.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/approval"
	"github.com/t77yq/promptcron/internal/model"
)

// ToolWebFetch downloads a page and returns it as Markdown
const ToolWebFetch = "web_fetch"

const (
	defaultShell     = "/bin/sh"
	defaultPython    = "python3"
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 16 * 1024

	truncatedMarker = "\n[output truncated]"
)

var (
	// ErrApprovalRequired is returned when a command needs a human to approve it
	ErrApprovalRequired = errors.New("command requires approval")

	// ErrUnknownTool is returned for tools that are not enabled or do not exist
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidInput is returned when the tool input is missing required fields
	ErrInvalidInput = errors.New("invalid tool input")
)

// Config defines configuration for the runner
type Config struct {
	Shell     string
	Python    string
	Timeout   time.Duration
	MaxOutput int
	WorkDir   string
}

func (c Config) withDefaults() Config {
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.Python == "" {
		c.Python = defaultPython
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = defaultMaxOutput
	}
	return c
}

// Definition describes a tool to the model
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Runner executes tool invocations behind the approval gate
type Runner struct {
	logger  *zap.Logger
	config  Config
	fetcher *fetcher
}

// NewRunner creates a new tool runner
func NewRunner(config Config, logger *zap.Logger) *Runner {
	config = config.withDefaults()
	return &Runner{
		logger:  logger.Named("toolexec"),
		config:  config,
		fetcher: newFetcher(config.Timeout),
	}
}

// Definitions returns the tools available under opts
func (r *Runner) Definitions(opts model.ExecutionOptions) []Definition {
	var defs []Definition
	for _, name := range allowedTools(opts) {
		if def, ok := definitions[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Run executes one invocation and returns the text reported back to the model.
// Shell-executing tools are refused with ErrApprovalRequired when approval is
// required for the run or a blacklist rule matches the command.
func (r *Runner) Run(ctx context.Context, inv approval.Invocation, opts model.ExecutionOptions) (string, error) {
	if !isAllowed(inv.ToolName, opts) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, inv.ToolName)
	}

	if approval.IsShellTool(inv.ToolName) {
		if opts.RequireApproval {
			return "", fmt.Errorf("%w: approval is required for every command", ErrApprovalRequired)
		}
		if approval.ShouldForceApproval(inv, opts.ApprovalRules) {
			r.logger.Warn("Command matched approval blacklist",
				zap.String("tool", inv.ToolName),
				zap.Strings("candidates", approval.Candidates(inv)))
			return "", fmt.Errorf("%w: command matches the approval blacklist", ErrApprovalRequired)
		}
	}

	switch inv.ToolName {
	case approval.ToolShellExec:
		return r.runShell(ctx, inv.Input)
	case approval.ToolPythonExec:
		return r.runPython(ctx, inv.Input)
	case ToolWebFetch:
		return r.runWebFetch(ctx, inv.Input)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, inv.ToolName)
	}
}

// runShell executes the input exactly as approval.ParseInput decoded it for
// the gate.
func (r *Runner) runShell(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := approval.ParseInput(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if strings.TrimSpace(in.Command) != "" {
		return r.exec(ctx, r.config.Shell, "-c", in.Command)
	}
	if strings.TrimSpace(in.CommandPath) == "" {
		return "", fmt.Errorf("%w: command or command_path is required", ErrInvalidInput)
	}
	return r.exec(ctx, in.CommandPath, in.Arguments...)
}

func (r *Runner) runPython(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := approval.ParseInput(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(in.Code) == "" {
		return "", fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	return r.exec(ctx, r.config.Python, "-c", in.Code)
}

// exec runs a process and reports its exit code with the combined output.
// A non-zero exit is a result, not an error.
func (r *Runner) exec(ctx context.Context, name string, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.WaitDelay = time.Second
	if r.config.WorkDir != "" {
		cmd.Dir = r.config.WorkDir
	}

	r.logger.Info("Executing command",
		zap.String("command", name),
		zap.Strings("args", args))

	output, err := cmd.CombinedOutput()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command execution timed out after %s", r.config.Timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to run command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return fmt.Sprintf("exit_code: %d\n%s", exitCode, limitOutput(string(output), r.config.MaxOutput)), nil
}

func limitOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "") + truncatedMarker
}

func allowedTools(opts model.ExecutionOptions) []string {
	tools := append([]string(nil), opts.EnabledTools...)
	if opts.WebSearch && !contains(tools, ToolWebFetch) {
		tools = append(tools, ToolWebFetch)
	}
	return tools
}

func isAllowed(name string, opts model.ExecutionOptions) bool {
	return contains(allowedTools(opts), name)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var definitions = map[string]Definition{
	approval.ToolShellExec: {
		Name:        approval.ToolShellExec,
		Description: "Run a shell command. Pass either command, or command_path with arguments.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command":      map[string]interface{}{"type": "string", "description": "Command line run by the shell"},
				"command_path": map[string]interface{}{"type": "string", "description": "Executable to run without a shell"},
				"arguments": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
		},
	},
	approval.ToolPythonExec: {
		Name:        approval.ToolPythonExec,
		Description: "Run a Python snippet and return its output.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code": map[string]interface{}{"type": "string"},
			},
			"required": []string{"code"},
		},
	},
	ToolWebFetch: {
		Name:        ToolWebFetch,
		Description: "Fetch a web page and return its content as Markdown.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string"},
			},
			"required": []string{"url"},
		},
	},
}
