package approval

import (
	"encoding/json"
	"path"
	"strings"
)

// Shell-executing tools recognized by the gate.
const (
	ToolShellExec  = "shell_exec"
	ToolPythonExec = "python_exec"
)

// Invocation is a tool call proposed by the model.
type Invocation struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// IsShellTool reports whether the named tool runs user supplied commands.
func IsShellTool(name string) bool {
	return name == ToolShellExec || name == ToolPythonExec
}

// ShouldForceApproval reports whether any rule matches any command candidate
// extracted from the invocation. Input that ParseInput rejects yields no
// candidates; the tool runner refuses to execute it instead.
func ShouldForceApproval(inv Invocation, rules []string) bool {
	if len(rules) == 0 || !IsShellTool(inv.ToolName) {
		return false
	}
	candidates := Candidates(inv)
	for _, rule := range rules {
		for _, candidate := range candidates {
			if matchesRule(candidate, rule) {
				return true
			}
		}
	}
	return false
}

// Candidates returns the command strings the rules are matched against.
// Input that ParseInput rejects has none; the tool runner refuses to execute
// such input.
func Candidates(inv Invocation) []string {
	if !IsShellTool(inv.ToolName) {
		return nil
	}
	in, err := ParseInput(inv.Input)
	if err != nil {
		return nil
	}
	if inv.ToolName == ToolPythonExec {
		return buildCandidates(in.Code)
	}
	return buildCandidates(in.CommandLine())
}

// CommandLine returns the shell command described by a shell_exec input:
// the command field when present, else command_path followed by arguments.
func CommandLine(input []byte) string {
	in, err := ParseInput(input)
	if err != nil {
		return ""
	}
	return in.CommandLine()
}

func buildCandidates(raw string) []string {
	normalized := normalizeWhitespace(raw)
	if normalized == "" {
		return nil
	}
	candidates := []string{normalized}

	firstToken, remainder, _ := strings.Cut(normalized, " ")
	if !strings.Contains(firstToken, "/") {
		return candidates
	}
	executable := path.Base(firstToken)
	if strings.HasSuffix(firstToken, "/") || executable == "" || executable == "/" || executable == "." {
		return candidates
	}
	simplified := executable
	if remainder != "" {
		simplified += " " + remainder
	}
	if simplified != normalized {
		candidates = append(candidates, simplified)
	}
	return candidates
}
