package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opengrid/requestor/internal/marketplace"
	"github.com/opengrid/requestor/internal/resource"
	"github.com/opengrid/requestor/internal/resource/drivers"
	"github.com/opengrid/requestor/internal/task/appclient"
	"github.com/opengrid/requestor/internal/task/envs"
	"github.com/opengrid/requestor/internal/task/manager"
	"github.com/opengrid/requestor/internal/task/model"
	"github.com/opengrid/requestor/internal/task/store"
	"github.com/opengrid/requestor/internal/task/taskapi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubAppClient is a canned application backend for handler tests.
type stubAppClient struct {
	mu        sync.Mutex
	pending   bool
	verifyOK  bool
	nextID    model.SubtaskID
	shutdowns int
}

func (c *stubAppClient) CreateTask(ctx context.Context, taskID model.TaskID, maxSubtasks int, appParams json.RawMessage) error {
	return nil
}

func (c *stubAppClient) HasPendingSubtasks(ctx context.Context, taskID model.TaskID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *stubAppClient) NextSubtask(ctx context.Context, taskID model.TaskID) (appclient.Subtask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return appclient.Subtask{
		SubtaskID: c.nextID,
		Params:    json.RawMessage(`{"frame":1}`),
		Resources: []string{"scene.blend"},
	}, nil
}

func (c *stubAppClient) Verify(ctx context.Context, taskID model.TaskID, subtaskID model.SubtaskID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyOK, nil
}

func (c *stubAppClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
	return nil
}

type apiFixture struct {
	router  *gin.Engine
	manager *manager.Manager
	envs    *envs.Manager
	client  *stubAppClient
}

func setupAPI(t *testing.T, token string) *apiFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := store.New(db)
	assert.NoError(t, err)

	envManager := envs.NewManager()
	envManager.Register(envs.NewExternalEnvironment("docker", "http://app.invalid"), envs.DefaultPayloadBuilder{})

	client := &stubAppClient{pending: true, verifyOK: true, nextID: "s1"}
	dialer := func(ctx context.Context, svc *taskapi.Service) (appclient.Client, error) {
		return client, nil
	}

	m, err := manager.New(s, envManager, []byte("0xdeadbeef"), t.TempDir(),
		manager.WithClientDialer(dialer),
	)
	assert.NoError(t, err)

	driver, err := drivers.NewLocalFSDriver(t.TempDir(), "/api/v1/storage")
	assert.NoError(t, err)

	server := NewServer(m, s, marketplace.NewPool(), resource.NewStaging(driver), db)
	return &apiFixture{
		router:  server.Router(token),
		manager: m,
		envs:    envManager,
		client:  client,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func createTaskRequestBody() map[string]any {
	return map[string]any{
		"appId":           "app-a",
		"name":            "render",
		"environment":     "docker",
		"taskTimeout":     60000,
		"subtaskTimeout":  1000,
		"maxSubtasks":     1,
		"maxPricePerHour": 100,
		"appParams":       map[string]any{},
	}
}

func (f *apiFixture) createTask(t *testing.T) string {
	t.Helper()
	w := f.request(t, http.MethodPost, "/api/v1/tasks", createTaskRequestBody())
	assert.Equal(t, http.StatusCreated, w.Code)
	return decodeBody(t, w)["taskId"].(string)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := setupAPI(t, "")
	taskID := f.createTask(t)

	w := f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/init", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["active"])

	w = f.request(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/subtasks/pending", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["pending"])

	w = f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/subtasks/next",
		map[string]any{"nodeId": "abc", "nodeName": "provider-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", decodeBody(t, w)["subtaskId"])

	w = f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/subtasks/s1/verify", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["verified"])

	// The only subtask finished, so the task is completed and the app
	// client has been swept.
	w = f.request(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["completed"])
	assert.Equal(t, 1, f.client.shutdowns)
}

func TestTaskDirs(t *testing.T) {
	f := setupAPI(t, "")
	taskID := f.createTask(t)

	w := f.request(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/dirs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body["networkResourcesDir"], taskID)
	assert.Contains(t, body["subtasksOutputsDir"], taskID)

	w = f.request(t, http.MethodGet, "/api/v1/tasks/unknown-id/dirs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorMapping(t *testing.T) {
	f := setupAPI(t, "")

	t.Run("Unknown Task", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/tasks/unknown-id", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Double Start", func(t *testing.T) {
		taskID := f.createTask(t)
		assert.Equal(t, http.StatusNoContent,
			f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil).Code)
		assert.Equal(t, http.StatusConflict,
			f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil).Code)
	})

	t.Run("Assignment Refused", func(t *testing.T) {
		taskID := f.createTask(t)
		// Not started yet, so the task is not active.
		w := f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/subtasks/next",
			map[string]any{"nodeId": "abc"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Environment Disabled", func(t *testing.T) {
		f.envs.SetEnabled("docker", false)
		t.Cleanup(func() { f.envs.SetEnabled("docker", true) })

		taskID := f.createTask(t)
		w := f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/init", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Bad Request Body", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/tasks", map[string]any{"appId": "a"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBearerAuth(t *testing.T) {
	f := setupAPI(t, "secret-token")

	w := f.request(t, http.MethodGet, "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListTasksPagination(t *testing.T) {
	f := setupAPI(t, "")
	for i := 0; i < 3; i++ {
		f.createTask(t)
	}

	w := f.request(t, http.MethodGet, "/api/v1/tasks?limit=2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["tasks"], 2)
}

func TestOffers(t *testing.T) {
	f := setupAPI(t, "")

	w := f.request(t, http.MethodPost, "/api/v1/tasks/unknown-id/offers",
		map[string]any{"nodeId": "abc"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	taskID := f.createTask(t)
	w = f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/offers",
		map[string]any{"nodeId": "abc", "nodeName": "provider-1", "pricePerHour": 90})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/offers/count", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestStageResourceAndArchiveOutputs(t *testing.T) {
	f := setupAPI(t, "")
	taskID := f.createTask(t)

	req := httptest.NewRequest(http.MethodPut,
		"/api/v1/tasks/"+taskID+"/resources/scene.blend",
		strings.NewReader("blender-bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["key"], "scene.blend")

	// Place one output file, then archive the outputs directory.
	outputsDir, err := f.manager.SubtasksOutputsDir(model.TaskID(taskID))
	assert.NoError(t, err)
	assert.NoError(t, os.WriteFile(filepath.Join(outputsDir, "result.png"), []byte("png"), 0o644))

	w := f.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/outputs/archive", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["archived"])
}

func TestHealthz(t *testing.T) {
	f := setupAPI(t, "")
	w := f.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}
