package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
)

func TestWriteComparisonList(t *testing.T) {
	a := newTestApp(t)
	runAccounts(t, a)
	list, err := a.service.List(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeComparisonList(&buf, list, nil, false))
	out := buf.String()
	assert.Contains(t, out, "accounts")
	assert.Contains(t, out, string(comparison.StageCompleted))
	assert.Contains(t, out, comparison.ResultsTableName("accounts"))

	running := map[string]*TaskInfo{"accounts": {ComparisonID: "accounts", Stage: comparison.StageInserting, Progress: 0.5}}
	buf.Reset()
	require.NoError(t, writeComparisonList(&buf, list, running, false))
	assert.Contains(t, buf.String(), "inserting  50%")

	buf.Reset()
	require.NoError(t, writeComparisonList(&buf, list, nil, true))
	var summaries []ComparisonSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(3), summaries[0].DiffRows)

	buf.Reset()
	require.NoError(t, writeComparisonList(&buf, nil, nil, false))
	assert.Contains(t, buf.String(), "No comparisons stored yet.")
}

func TestWriteComparisonDetail(t *testing.T) {
	a := newTestApp(t)
	runAccounts(t, a)
	c, err := a.service.Get(context.Background(), "accounts")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeComparisonDetail(&buf, c, nil, false))
	out := buf.String()
	assert.Contains(t, out, "Source A:       accounts")
	assert.Contains(t, out, "Source B:       accounts_replica")
	assert.Contains(t, out, "Keys:           id")
	assert.Contains(t, out, "Only in A:      1")
	assert.Contains(t, out, "Differs:        2")
	assert.NotContains(t, out, "Running in pid")

	task := &TaskInfo{PID: os.Getpid(), StartTime: time.Now(), Stage: comparison.StageCounting, DiffRows: 1, CancelRequested: true}
	buf.Reset()
	require.NoError(t, writeComparisonDetail(&buf, c, task, false))
	assert.Contains(t, buf.String(), "Running in pid")
	assert.Contains(t, buf.String(), "Cancellation requested")

	buf.Reset()
	require.NoError(t, writeComparisonDetail(&buf, c, task, true))
	var detail map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &detail))
	assert.Equal(t, "accounts", detail["id"])
	assert.Contains(t, detail, "running")
}

func TestRunningTask(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	assert.Nil(t, runningTask("accounts"))

	require.NoError(t, WriteTaskInfo(&TaskInfo{PID: os.Getpid(), ComparisonID: "accounts", Stage: comparison.StageCounting}))
	task := runningTask("accounts")
	require.NotNil(t, task)
	assert.Equal(t, comparison.StageCounting, task.Stage)
	assert.Contains(t, runningTasks(), "accounts")
}
