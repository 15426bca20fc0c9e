package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// denyPatterns blocks commands that destroy data or the host.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`(?i)(?:^|[;&|]\s*)format\b`),
	regexp.MustCompile(`(?i)\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/sd`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// ExecTool executes shell commands inside the workspace boundary with a
// filtered environment and a hard timeout.
type ExecTool struct {
	boundary       *Boundary
	workingDir     string
	timeout        time.Duration
	secretSuffixes []string
}

// NewExecTool creates an ExecTool. Environment variables whose names end in
// one of secretSuffixes are withheld from child processes.
func NewExecTool(boundary *Boundary, workingDir string, timeoutSeconds int, secretSuffixes []string) *ExecTool {
	t := 60
	if timeoutSeconds > 0 {
		t = timeoutSeconds
	}
	return &ExecTool{
		boundary:       boundary,
		workingDir:     workingDir,
		timeout:        time.Duration(t) * time.Second,
		secretSuffixes: secretSuffixes,
	}
}

func (e *ExecTool) Name() string               { return "exec" }
func (e *ExecTool) Danger() schema.DangerClass { return schema.DangerCritical }
func (e *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}
func (e *ExecTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to execute"
			},
			"working_dir": {
				"type": "string",
				"description": "Optional working directory for the command"
			}
		},
		"required": ["command"]
	}`)
}

func (e *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return "Error: command is required", nil
	}

	cwd := e.workingDir
	if wd, ok := params["working_dir"].(string); ok && wd != "" {
		checked, err := e.boundary.CheckPath(wd)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		cwd = checked
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	if guard := guardCommand(command); guard != "" {
		return guard, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = e.filteredEnv()
	// A fresh process group so a timeout kills the whole tree, not just sh.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if cmdCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: Command timed out after %v", e.timeout), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var parts []string
	if out := stdout.String(); out != "" {
		parts = append(parts, out)
	}
	if errOut := stderr.String(); strings.TrimSpace(errOut) != "" {
		parts = append(parts, "STDERR:\n"+errOut)
	}
	if runErr != nil && cmd.ProcessState != nil && cmd.ProcessState.ExitCode() != 0 {
		parts = append(parts, fmt.Sprintf("\nExit code: %d", cmd.ProcessState.ExitCode()))
	}

	result := strings.Join(parts, "\n")
	if result == "" {
		result = "(no output)"
	}
	const maxLen = 10000
	if len(result) > maxLen {
		result = result[:maxLen] + fmt.Sprintf("\n... (truncated, %d more chars)", len(result)-maxLen)
	}
	return result, nil
}

// envPrefix marks the daemon's own variables; children never see them.
const envPrefix = "DUSKPETREL_"

// filteredEnv returns the process environment minus credential-looking
// variables and the daemon's own configuration.
func (e *ExecTool) filteredEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && isSecretName(name, e.secretSuffixes) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isSecretName(name string, suffixes []string) bool {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, envPrefix) {
		return true
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(upper, strings.ToUpper(suffix)) {
			return true
		}
	}
	return false
}

// guardCommand rejects commands matching a deny pattern.
func guardCommand(command string) string {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, p := range denyPatterns {
		if p.MatchString(lower) {
			return "Error: Command blocked by safety guard (dangerous pattern detected)"
		}
	}
	return ""
}
