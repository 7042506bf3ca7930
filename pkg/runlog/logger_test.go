package runlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	return records
}

func TestNewRunDir(t *testing.T) {
	root := t.TempDir()
	dir, err := NewRunDir(root, "find emails from alice")
	require.NoError(t, err)

	assert.Contains(t, filepath.Base(dir), TaskHash("find emails from alice"))

	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "find emails from alice", meta.Task)
	assert.Equal(t, TaskHash("find emails from alice"), meta.TaskHash)
	assert.NotEmpty(t, meta.Timestamp)
}

func TestLoggerStreams(t *testing.T) {
	root := t.TempDir()
	dir, err := NewRunDir(root, "task")
	require.NoError(t, err)

	logger := New(dir)
	logger.Event("orchestrator.started", map[string]any{"task": "task"})

	planner := logger.Child("planner")
	planner.Event("planner.step", map[string]any{"index": 0})
	planner.Event("planner.step", map[string]any{"index": 1})

	logger.Child("translator").Event("translator.completed", map[string]any{"path": "fallback"})

	orchRecords := readRecords(t, filepath.Join(dir, "orchestrator", "main.jsonl"))
	require.Len(t, orchRecords, 1)
	assert.Equal(t, "orchestrator.started", orchRecords[0]["event"])

	plannerRecords := readRecords(t, filepath.Join(dir, "orchestrator", "planner", "main.jsonl"))
	assert.Len(t, plannerRecords, 2)

	translatorRecords := readRecords(t, filepath.Join(dir, "orchestrator", "translator", "main.jsonl"))
	assert.Len(t, translatorRecords, 1)
}

func TestLoggerTruncatesLongValues(t *testing.T) {
	root := t.TempDir()
	dir, err := NewRunDir(root, "task")
	require.NoError(t, err)

	logger := New(dir)
	logger.Event("llm.call", map[string]any{"response_text": strings.Repeat("a", 2000)})

	records := readRecords(t, filepath.Join(dir, "orchestrator", "main.jsonl"))
	require.Len(t, records, 1)
	text := records[0]["response_text"].(string)
	assert.Less(t, len(text), 600)
	assert.Contains(t, text, "truncated")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Event("anything", nil) // must not panic
}

func TestContextBinding(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	logger := New(t.TempDir())
	ctx := WithLogger(context.Background(), logger)
	assert.Equal(t, logger, FromContext(ctx))
}
