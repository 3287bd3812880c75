package approval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRules(t *testing.T) {
	rules := ParseRules("rm -rf\nshutdown\nrm -rf\nreboot, poweroff")
	assert.Equal(t, []string{"rm -rf", "shutdown", "reboot", "poweroff"}, rules)

	t.Run("full-width comma and whitespace runs", func(t *testing.T) {
		rules := ParseRules("  rm    -rf ，mkfs\r\n\r\n  ,, dd   if=")
		assert.Equal(t, []string{"rm -rf", "mkfs", "dd if="}, rules)
	})

	t.Run("blank input", func(t *testing.T) {
		assert.Empty(t, ParseRules(" \n , \r\n"))
	})
}

func TestShouldForceApproval(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		rules []string
		want  bool
	}{
		{"command containing rule", ToolShellExec, `{"command":"ls -la && rm -rf /tmp/demo"}`, []string{"rm"}, true},
		{"multi word rule", ToolShellExec, `{"command":"ls -la && rm -rf /tmp/demo"}`, []string{"rm -rf"}, true},
		{"substring inside a word", ToolShellExec, `{"command":"format /tmp"}`, []string{"rm"}, false},
		{"rule is a token prefix", ToolShellExec, `{"command":"rmdir /tmp/demo"}`, []string{"rm"}, false},
		{"rule inside a subshell", ToolShellExec, `{"command":"echo $(rm x)"}`, []string{"rm"}, true},
		{"whitespace is normalized", ToolShellExec, `{"command":"rm\t\t  -rf   /"}`, []string{"rm -rf"}, true},
		{"command path basename", ToolShellExec, `{"command_path":"/usr/bin/rm","arguments":["-rf","/tmp"]}`, []string{"rm"}, true},
		{"command path without arguments", ToolShellExec, `{"command_path":"/sbin/reboot"}`, []string{"reboot"}, true},
		{"blank command falls back to command path", ToolShellExec, `{"command":"  ","command_path":"/bin/shutdown","arguments":["now"]}`, []string{"shutdown now"}, true},
		{"full path rule", ToolShellExec, `{"command_path":"/usr/bin/rm","arguments":["-rf"]}`, []string{"/usr/bin/rm -rf"}, true},
		{"python code", ToolPythonExec, `{"code":"import os\nos.system('rm -rf /tmp/demo')"}`, []string{"rm -rf"}, true},
		{"python code without match", ToolPythonExec, `{"code":"print('format')"}`, []string{"rm"}, false},
		{"non shell tool", "web_fetch", `{"command":"rm -rf /"}`, []string{"rm"}, false},
		{"javascript tool", "eval_javascript", `{"code":"1+1"}`, []string{"1+1"}, false},
		{"no rules", ToolShellExec, `{"command":"rm -rf /"}`, nil, false},
		{"malformed input fails open", ToolShellExec, `{"command":`, []string{"rm"}, false},
		{"wrong field type fails open", ToolShellExec, `{"command":42}`, []string{"42"}, false},
		{"missing fields", ToolPythonExec, `{}`, []string{"rm"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := Invocation{ToolName: tt.tool, Input: json.RawMessage(tt.input)}
			assert.Equal(t, tt.want, ShouldForceApproval(inv, tt.rules))
		})
	}
}

func TestCandidates(t *testing.T) {
	inv := Invocation{
		ToolName: ToolShellExec,
		Input:    json.RawMessage(`{"command_path":"/data/usr/bin/rm","arguments":["-rf",1,true,null,"/tmp/demo"]}`),
	}
	assert.Equal(t, []string{
		"/data/usr/bin/rm -rf 1 true /tmp/demo",
		"rm -rf 1 true /tmp/demo",
	}, Candidates(inv))

	inv = Invocation{ToolName: ToolShellExec, Input: json.RawMessage(`{"command":"./bin/ echo"}`)}
	assert.Equal(t, []string{"./bin/ echo"}, Candidates(inv))
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, "echo hi", CommandLine([]byte(`{"command":"echo hi","command_path":"/bin/ls"}`)))
	assert.Equal(t, "/bin/ls -la a b", CommandLine([]byte(`{"command_path":"/bin/ls","arguments":["-la","a b"]}`)))
	assert.Equal(t, "", CommandLine([]byte(`not json`)))
}
