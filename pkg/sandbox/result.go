// Package sandbox executes planner-authored code bodies in an isolated
// subprocess against a generated provider-stub toolbox. The subprocess
// reaches tools only through the loopback bridge; results come back as a
// single sentinel-framed JSON message on stdout.
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel frames the result JSON on the subprocess stdout. Everything
// before it is logs; the JSON after it is the result envelope.
const Sentinel = "__TANDEM_RESULT__:"

// MaxFailureLogLines caps the log lines preserved on failure paths.
const MaxFailureLogLines = 50

// Result is the outcome of one sandbox run.
type Result struct {
	Success  bool
	TimedOut bool

	// Value is the decoded wrapper envelope {successful, data, error};
	// on success, data holds the user body's return value.
	Value any

	Logs     string
	Stderr   string
	ExitCode int
	Error    string
}

// parseStdout splits subprocess stdout around the sentinel and decodes
// the result JSON. Missing sentinel means the process died before
// emitting a result.
func parseStdout(stdout string) (logs string, value any, err error) {
	idx := strings.LastIndex(stdout, Sentinel)
	if idx < 0 {
		return stdout, nil, fmt.Errorf("no result sentinel in sandbox output")
	}
	logs = stdout[:idx]
	rawResult := strings.TrimSpace(stdout[idx+len(Sentinel):])

	if unmarshalErr := json.Unmarshal([]byte(rawResult), &value); unmarshalErr != nil {
		return logs, nil, fmt.Errorf("failed to decode sandbox result JSON: %w", unmarshalErr)
	}
	return logs, value, nil
}

// capLogLines truncates logs to the last n lines, used on failure paths
// so error reports stay bounded.
func capLogLines(logs string, n int) string {
	lines := strings.Split(logs, "\n")
	if len(lines) <= n {
		return logs
	}
	kept := lines[len(lines)-n:]
	return fmt.Sprintf("[... %d earlier log lines dropped]\n%s",
		len(lines)-n, strings.Join(kept, "\n"))
}
