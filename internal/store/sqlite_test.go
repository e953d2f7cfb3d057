package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-agentic/internal/workflow"
	"go-agentic/pkg/models"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "agentic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentic.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, len(migrations), version)
	assert.Equal(t, path, db.Path())
}

func TestSQLite_WorkflowRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.LoadWorkflow(ctx, "missing")
	require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w := &workflow.Instance{
		ID:           "wf-1",
		DefinitionID: "go_standard",
		Status:       workflow.StatusRunning,
		CurrentPhase: "generate",
		Requirements: "todo api",
		Technology:   "go",
		ApprovalMode: workflow.ApprovalInteractive,
		Phases: []workflow.Phase{
			{ID: "generate", AgentType: "codegen", Method: "generate_code", Status: workflow.PhaseRunning, MaxRetries: 3, Timeout: time.Minute},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, db.SaveWorkflow(ctx, w))

	w.Status = workflow.StatusCompleted
	w.Phases[0].Status = workflow.PhaseCompleted
	w.Phases[0].Result = map[string]any{"generate_result": "package main"}
	require.NoError(t, db.SaveWorkflow(ctx, w))

	got, err := db.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, "generate", got.CurrentPhase)
	assert.Equal(t, time.Minute, got.Phases[0].Timeout)
	assert.Equal(t, "package main", got.Phases[0].Result["generate_result"])
	assert.True(t, created.Equal(got.CreatedAt))

	list, err := db.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf-1", list[0].ID)
}

func TestSQLite_AuditOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, action := range []string{workflow.AuditWorkflowStarted, "approval_approve", workflow.AuditWorkflowCompleted} {
		require.NoError(t, db.AppendAudit(ctx, workflow.AuditEntry{
			ID:         action,
			WorkflowID: "wf-1",
			Action:     action,
			UserID:     "alice",
			Data:       map[string]any{"n": i},
			Timestamp:  ts.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, db.AppendAudit(ctx, workflow.AuditEntry{ID: "other", WorkflowID: "wf-2", Action: "x", Timestamp: ts}))

	entries, err := db.ListAudit(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, workflow.AuditWorkflowStarted, entries[0].Action)
	assert.Equal(t, workflow.AuditWorkflowCompleted, entries[2].Action)
	assert.Equal(t, "alice", entries[1].UserID)
	assert.Equal(t, float64(1), entries[1].Data["n"])
	assert.True(t, ts.Add(2*time.Second).Equal(entries[2].Timestamp))
}

type okAgent struct{}

func (okAgent) Execute(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func (okAgent) HealthCheck(context.Context) (models.Health, error) {
	return models.Health{Status: models.Healthy}, nil
}

func TestSQLite_BacksEngine(t *testing.T) {
	db := openTestDB(t)
	defs, err := workflow.NewDefinitions(workflow.Definition{ID: "one", Phases: []workflow.Phase{
		{ID: "a", AgentType: "ok", Method: "run"},
	}})
	require.NoError(t, err)
	e := workflow.NewEngine(actor.NewActorSystem().Root, defs, db, workflow.Config{Backoff: workflow.FixedBackoff(0)})
	t.Cleanup(e.Stop)
	e.RegisterAgent("ok", okAgent{})

	res, err := e.StartWorkflow(context.Background(), workflow.StartRequest{DefinitionID: "one"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w, err := db.LoadWorkflow(context.Background(), res.WorkflowID)
		return err == nil && w.Status == workflow.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	audit, err := e.AuditLog(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, workflow.AuditWorkflowStarted, audit[0].Action)
	assert.Equal(t, workflow.AuditWorkflowCompleted, audit[len(audit)-1].Action)
}
