package analytics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohitkumar/approvy/model"
	"github.com/stretchr/testify/require"
)

func TestLogFileDataCollector(t *testing.T) {
	file := filepath.Join(t.TempDir(), "trail.log")
	c, err := NewDataCollector(DataCollectorConfig{FileName: file, CollectorType: LOG_FILE_DATA_COLLECTOR})
	require.NoError(t, err)

	sub := &model.WorkflowSubject{WorkflowId: "wf-1", State: model.STATE_APPROVED, Version: 4}
	c.RecordTransition(sub, model.STATE_TASKS_PENDING, "alice")
	c.RecordAgentDecision("wf-1", model.AgentDecision{Agent: "margin", Success: true, RecommendedAction: model.ACTION_CONTINUE})
	require.NoError(t, c.(*LogFileDataCollector).Sync())

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "transition", lines[0]["msg"])
	require.Equal(t, "TASKS_PENDING", lines[0]["from"])
	require.Equal(t, "APPROVED", lines[0]["to"])
	require.Equal(t, "margin", lines[1]["agent"])
}

func TestNoopCollector(t *testing.T) {
	c, err := NewDataCollector(DataCollectorConfig{})
	require.NoError(t, err)
	require.IsType(t, NoopDataCollector{}, c)
}
