package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"

	"task-automation-service/internal/automation/db"
	"task-automation-service/internal/automation/dispatch"
	"task-automation-service/internal/automation/interpreter"
	"task-automation-service/internal/automation/services"
)

// nopRegistrar satisfies the approval gate without a live scheduler; handler
// tests assert persistence and status codes, not timer behavior.
type nopRegistrar struct{}

func (nopRegistrar) RegisterTask(taskID uint) error { return nil }
func (nopRegistrar) UnregisterTask(taskID uint)     {}

func setupTestAppWithRoutes(t *testing.T) (*route.Engine, *db.TaskStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "api_test.db")
	gormDB, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := gormDB.AutoMigrate(&db.TaskDefinition{}, &db.ExecutionRecord{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	store := db.NewTaskStore(gormDB)

	hlog.SetLevel(hlog.LevelFatal)

	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)

	approvals := services.NewApprovalService(store, nopRegistrar{}, nil)
	draftHandler := NewDraftHandler(approvals)
	taskHandler := NewTaskHandler(store, approvals)

	draftGroup := h.Group("/drafts")
	{
		draftGroup.POST("/validate", draftHandler.ValidateDraft)
		draftGroup.POST("/preview", draftHandler.PreviewDraft)
	}
	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.CreateTask)
		taskGroup.GET("", taskHandler.GetTasks)
		taskGroup.GET("/:id", taskHandler.GetTaskByID)
		taskGroup.DELETE("/:id", taskHandler.DeleteTask)
		taskGroup.POST("/:id/approve", taskHandler.ApproveTask)
		taskGroup.POST("/:id/reject", taskHandler.RejectTask)
		taskGroup.GET("/:id/executions", taskHandler.GetTaskExecutions)
	}
	return h.Engine, store
}

func apiDraft() interpreter.Draft {
	return interpreter.Draft{
		Name:        "weekly report",
		Description: "search then mail",
		Schedule:    interpreter.Schedule{CronExpression: "0 9 * * 1", Timezone: "UTC"},
		Actions: []dispatch.ActionSpec{
			{Service: dispatch.ServiceSearch, Operation: "web_search", Parameters: map[string]interface{}{"query": "sales"}},
			{Service: dispatch.ServiceMail, Operation: "send", Parameters: map[string]interface{}{
				"recipients": []interface{}{"team@example.com"},
				"subject":    "Weekly sales",
			}},
		},
	}
}

func postJSON(router *route.Engine, method, url string, payload interface{}, owner string) *ut.ResponseRecorder {
	var headers []ut.Header
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	if owner != "" {
		headers = append(headers, ut.Header{Key: "X-Owner-ID", Value: owner})
	}
	if payload == nil {
		return ut.PerformRequest(router, method, url, nil, headers...)
	}
	payloadBytes, _ := json.Marshal(payload)
	return ut.PerformRequest(router, method, url, &ut.Body{Body: bytes.NewReader(payloadBytes), Len: len(payloadBytes)}, headers...)
}

func TestCreateTaskAPI(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)

	resp := postJSON(router, "POST", "/tasks", apiDraft(), "owner-1").Result()
	assert.Equal(t, http.StatusCreated, resp.StatusCode())

	var created db.TaskDefinition
	require.NoError(t, json.Unmarshal(resp.Body(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, db.TaskStatusPendingApproval, created.Status)
	assert.False(t, created.Enabled)
	assert.Equal(t, "owner-1", created.OwnerID)
}

func TestCreateTaskAPI_MissingOwner(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)
	resp := postJSON(router, "POST", "/tasks", apiDraft(), "").Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
}

func TestCreateTaskAPI_InvalidDraft(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)
	draft := apiDraft()
	draft.Schedule.CronExpression = "not a cron"
	resp := postJSON(router, "POST", "/tasks", draft, "owner-1").Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "invalid cron expression")
}

func TestValidateDraftAPI(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)
	draft := apiDraft()
	draft.Actions = nil
	resp := postJSON(router, "POST", "/drafts/validate", draft, "owner-1").Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var result interpreter.ValidationResult
	require.NoError(t, json.Unmarshal(resp.Body(), &result))
	assert.False(t, result.Valid)
}

func TestValidateDraftAPI_MissingOwner(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)
	resp := postJSON(router, "POST", "/drafts/validate", apiDraft(), "").Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
}

func TestValidateDraftAPI_AgreesWithCreate(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)
	draft := apiDraft() // owner comes from the header, not the payload

	resp := postJSON(router, "POST", "/drafts/validate", draft, "owner-1").Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())
	var result interpreter.ValidationResult
	require.NoError(t, json.Unmarshal(resp.Body(), &result))
	assert.True(t, result.Valid, "a draft task creation accepts must validate clean: %v", result.Errors)

	createResp := postJSON(router, "POST", "/tasks", draft, "owner-1").Result()
	assert.Equal(t, http.StatusCreated, createResp.StatusCode())
}

func TestApproveAndRejectAPI(t *testing.T) {
	router, store := setupTestAppWithRoutes(t)

	createResp := postJSON(router, "POST", "/tasks", apiDraft(), "owner-1").Result()
	require.Equal(t, http.StatusCreated, createResp.StatusCode())
	var created db.TaskDefinition
	require.NoError(t, json.Unmarshal(createResp.Body(), &created))
	idPath := "/tasks/" + strconv.FormatUint(uint64(created.ID), 10)

	resp := postJSON(router, "POST", idPath+"/approve", nil, "owner-1").Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	stored, err := store.GetTask(created.ID)
	require.NoError(t, err)
	assert.True(t, stored.Schedulable())

	// Approving an already-approved task is a state conflict.
	resp = postJSON(router, "POST", idPath+"/approve", nil, "owner-1").Result()
	assert.Equal(t, http.StatusConflict, resp.StatusCode())

	// So is rejecting it.
	resp = postJSON(router, "POST", idPath+"/reject", nil, "owner-1").Result()
	assert.Equal(t, http.StatusConflict, resp.StatusCode())
}

func TestGetTaskAPI_OwnerScoping(t *testing.T) {
	router, _ := setupTestAppWithRoutes(t)

	createResp := postJSON(router, "POST", "/tasks", apiDraft(), "owner-1").Result()
	require.Equal(t, http.StatusCreated, createResp.StatusCode())
	var created db.TaskDefinition
	require.NoError(t, json.Unmarshal(createResp.Body(), &created))
	idPath := "/tasks/" + strconv.FormatUint(uint64(created.ID), 10)

	resp := postJSON(router, "GET", idPath, nil, "owner-1").Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	resp = postJSON(router, "GET", idPath, nil, "intruder").Result()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
}

func TestDeleteTaskAPI_RemovesHistory(t *testing.T) {
	router, store := setupTestAppWithRoutes(t)

	createResp := postJSON(router, "POST", "/tasks", apiDraft(), "owner-1").Result()
	require.Equal(t, http.StatusCreated, createResp.StatusCode())
	var created db.TaskDefinition
	require.NoError(t, json.Unmarshal(createResp.Body(), &created))

	rec := &db.ExecutionRecord{TaskID: created.ID, StartedAt: time.Now().UTC(), Status: db.ExecutionStatusCompleted}
	require.NoError(t, store.CreateExecution(rec))

	idPath := "/tasks/" + strconv.FormatUint(uint64(created.ID), 10)
	resp := postJSON(router, "DELETE", idPath, nil, "owner-1").Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	records, err := store.ListExecutions(created.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetExecutionsAPI(t *testing.T) {
	router, store := setupTestAppWithRoutes(t)

	createResp := postJSON(router, "POST", "/tasks", apiDraft(), "owner-1").Result()
	require.Equal(t, http.StatusCreated, createResp.StatusCode())
	var created db.TaskDefinition
	require.NoError(t, json.Unmarshal(createResp.Body(), &created))

	now := time.Now().UTC()
	rec := &db.ExecutionRecord{TaskID: created.ID, StartedAt: now.Add(-time.Minute), Status: db.ExecutionStatusRunning}
	require.NoError(t, store.CreateExecution(rec))
	rec.Status = db.ExecutionStatusCompleted
	rec.Result = `{"outputs":[]}`
	rec.CompletedAt = &now
	rec.ExecutionTimeMs = 60000
	require.NoError(t, store.FinalizeExecution(rec))

	idPath := "/tasks/" + strconv.FormatUint(uint64(created.ID), 10)
	resp := postJSON(router, "GET", idPath+"/executions", nil, "owner-1").Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var records []db.ExecutionRecord
	require.NoError(t, json.Unmarshal(resp.Body(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, db.ExecutionStatusCompleted, records[0].Status)
	assert.Equal(t, int64(60000), records[0].ExecutionTimeMs)
}
