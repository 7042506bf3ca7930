package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/models"
)

// mainTemplate wraps the user body. The body is the content of an async
// main(); its return value is the run's result. Prints are captured and
// flushed before the sentinel so the host can split logs from result.
const mainTemplate = `import asyncio
import io
import json
import sys
import traceback

_REAL_STDOUT = sys.stdout
_CAPTURE = io.StringIO()
sys.stdout = _CAPTURE
sys.stderr = _CAPTURE

from toolbox import *  # noqa: F401,F403
from toolbox import helpers  # noqa: F401


async def main():
%s

def _run():
    try:
        result = asyncio.run(main())
        payload = {"successful": True, "data": result, "error": None}
    except BaseException as exc:  # noqa: BLE001
        payload = {
            "successful": False,
            "data": None,
            "error": "".join(traceback.format_exception(type(exc), exc, exc.__traceback__)),
        }
    sys.stdout = _REAL_STDOUT
    sys.stderr = sys.__stderr__
    logs = _CAPTURE.getvalue()
    if logs:
        _REAL_STDOUT.write(logs)
        if not logs.endswith("\n"):
            _REAL_STDOUT.write("\n")
    _REAL_STDOUT.write(%q + json.dumps(payload, default=str))
    _REAL_STDOUT.flush()


_run()
`

// RunParams describes one sandbox execution.
type RunParams struct {
	// Code is the user-authored statement body.
	Code string
	// Label names this run for raw-output keys and retry accounting.
	Label string
	// Descriptors are the tools exposed to this run's toolbox.
	Descriptors []*models.ToolDescriptor
	// Bridge carries tool calls back to the host.
	Bridge *Bridge
	// Timeout overrides the configured default when positive.
	Timeout time.Duration

	// Identity forwarded into the subprocess environment.
	UserID    string
	RequestID string
}

// Runner spawns sandbox subprocesses.
type Runner struct {
	cfg config.SandboxConfig
}

// NewRunner creates a runner with the given sandbox config.
func NewRunner(cfg config.SandboxConfig) *Runner {
	if cfg.PythonBinary == "" {
		cfg.PythonBinary = config.DefaultPythonBinary
	}
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = int(config.DefaultSandboxTimeout.Seconds())
	}
	return &Runner{cfg: cfg}
}

// Run generates the toolbox, spawns the subprocess, and parses the
// sentinel-framed result. The subprocess is guaranteed dead and the temp
// directory removed before Run returns, timeout included.
func (r *Runner) Run(ctx context.Context, params RunParams) (*Result, error) {
	if params.Bridge == nil {
		return nil, fmt.Errorf("sandbox run requires a bridge")
	}

	toolboxDir, err := GenerateToolbox(params.Descriptors)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(toolboxDir); rmErr != nil {
			slog.Warn("Failed to remove sandbox toolbox dir", "dir", toolboxDir, "error", rmErr)
		}
	}()

	script := fmt.Sprintf(mainTemplate, indentBody(params.Code), Sentinel)
	scriptPath := filepath.Join(toolboxDir, "__tandem_main__.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write sandbox script: %w", err)
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.PythonBinary, scriptPath)
	// Clean environment: only the toolbox import path, the host PATH, run
	// identity, and the bridge endpoint and token. Nothing else from the
	// host leaks in.
	cmd.Env = []string{
		"PYTHONPATH=" + toolboxDir,
		"PATH=" + os.Getenv("PATH"),
		"RUN_USER_ID=" + params.UserID,
		"RUN_REQUEST_ID=" + params.RequestID,
		"TANDEM_BRIDGE_URL=" + params.Bridge.URL(),
		"TANDEM_BRIDGE_TOKEN=" + params.Bridge.Token(),
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{
			Success:  false,
			TimedOut: true,
			Logs:     capLogLines(stdout.String(), MaxFailureLogLines),
			Stderr:   capLogLines(stderr.String(), MaxFailureLogLines),
			ExitCode: exitCode(cmd, runErr),
			Error:    fmt.Sprintf("sandbox timed out after %s", timeout),
		}, nil
	}

	logs, value, parseErr := parseStdout(stdout.String())

	if runErr != nil {
		return &Result{
			Success:  false,
			Logs:     capLogLines(logs, MaxFailureLogLines),
			Stderr:   capLogLines(stderr.String(), MaxFailureLogLines),
			ExitCode: exitCode(cmd, runErr),
			Error:    extractError(stderr.String(), runErr),
		}, nil
	}
	if parseErr != nil {
		return &Result{
			Success:  false,
			Logs:     capLogLines(logs, MaxFailureLogLines),
			Stderr:   capLogLines(stderr.String(), MaxFailureLogLines),
			ExitCode: 0,
			Error:    parseErr.Error(),
		}, nil
	}

	// The wrapper always emits an envelope; successful=false means the
	// user body raised, and error then carries the traceback.
	success := true
	var errText string
	if env, ok := value.(map[string]any); ok {
		if succ, ok := env["successful"].(bool); ok && !succ {
			success = false
			if msg, ok := env["error"].(string); ok {
				errText = msg
			}
		}
	}

	result := &Result{
		Success:  success,
		Value:    value,
		Logs:     logs,
		Stderr:   stderr.String(),
		ExitCode: 0,
		Error:    errText,
	}
	if !success {
		result.Logs = capLogLines(result.Logs, MaxFailureLogLines)
	}
	return result, nil
}

// indentBody indents the user body one level under "async def main():".
// An empty body becomes a bare pass.
func indentBody(code string) string {
	trimmed := strings.TrimRight(code, "\n")
	if strings.TrimSpace(trimmed) == "" {
		return "    pass"
	}
	lines := strings.Split(trimmed, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}

// extractError pulls the most useful error text out of stderr.
func extractError(stderr string, runErr error) string {
	trimmed := strings.TrimSpace(stderr)
	if trimmed != "" {
		lines := strings.Split(trimmed, "\n")
		// Last stderr line is usually the exception summary.
		return lines[len(lines)-1]
	}
	return runErr.Error()
}

func exitCode(cmd *exec.Cmd, runErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
