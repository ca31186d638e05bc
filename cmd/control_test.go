package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
)

func seedPipeline(t *testing.T, st interface {
	CreatePipeline(context.Context, *model.PipelineState) (*model.PipelineState, bool, error)
}, bomID string, status model.PipelineStatus) {
	t.Helper()
	seed := model.NewPipelineState(model.BOMProcessingRequest{
		BOMID:          bomID,
		OrganizationID: "org-1",
		Filename:       bomID + ".csv",
	}, time.Now().UTC())
	seed.Status = status
	_, created, err := st.CreatePipeline(context.Background(), seed)
	require.NoError(t, err)
	require.True(t, created)
}

func TestSendSignal_QueuesForOwner(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	m, st, err := openControl(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	seedPipeline(t, st, "bom-q", model.PipelineStatusRunning)

	var buf bytes.Buffer
	require.NoError(t, sendSignal(ctx, &buf, m, "bom-q", model.SignalPause))
	assert.Contains(t, buf.String(), "bom-q: pause signal recorded (status running")

	pending, err := st.PendingSignals(ctx, "bom-q")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SignalPause, pending[0].Kind)
}

func TestSendSignal_TerminalIgnored(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	m, st, err := openControl(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	seedPipeline(t, st, "bom-done", model.PipelineStatusCompleted)

	var buf bytes.Buffer
	require.NoError(t, sendSignal(ctx, &buf, m, "bom-done", model.SignalCancel))
	assert.Contains(t, buf.String(), "pipeline is completed, cancel ignored")

	pending, err := st.PendingSignals(ctx, "bom-done")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSendSignal_UnknownPipeline(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	m, st, err := openControl(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	var buf bytes.Buffer
	err = sendSignal(ctx, &buf, m, "nope", model.SignalResume)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)
	assert.Empty(t, buf.String())
}

func TestImportCommand(t *testing.T) {
	dir := useTestConfig(t)
	path := writeCSV(t, dir, "import.csv", 3)

	importBOMID, importFile = "bom-imp", path
	t.Cleanup(func() { importBOMID, importFile = "", "" })

	importCmd.SetContext(context.Background())
	require.NoError(t, importCmd.RunE(importCmd, nil))

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	n, err := st.CountLineItems(context.Background(), "bom-imp")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestImportCommand_NoMPNColumn(t *testing.T) {
	dir := useTestConfig(t)
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("Name,Qty\nwidget,2\n"), 0o644))

	importBOMID, importFile = "bom-bad", path
	t.Cleanup(func() { importBOMID, importFile = "", "" })

	importCmd.SetContext(context.Background())
	err := importCmd.RunE(importCmd, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrInputInvalid)
}
