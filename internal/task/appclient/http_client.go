package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opengrid/requestor/internal/task/model"
	"github.com/opengrid/requestor/internal/task/taskapi"
)

const dialTimeout = 30 * time.Second

// httpClient speaks the task API verbs as JSON over HTTP to a started
// application service.
type httpClient struct {
	baseURL string
	http    *http.Client
	svc     *taskapi.Service

	mu     sync.Mutex
	closed bool
}

// Dial starts the task API service and connects a client to the address it
// reports. The service is stopped again if the handshake fails.
func Dial(ctx context.Context, svc *taskapi.Service) (Client, error) {
	addr, err := svc.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start app service: %w", err)
	}

	c := &httpClient{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: dialTimeout},
		svc:     svc,
	}
	if err := c.handshake(ctx); err != nil {
		_ = svc.Stop(ctx)
		return nil, err
	}

	slog.InfoContext(ctx, "app client connected", "addr", addr)
	return c, nil
}

func (c *httpClient) handshake(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("app service handshake failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("app service handshake failed: status %d", resp.StatusCode)
	}
	return nil
}

// call performs one JSON round trip. A nil out discards the response body.
func (c *httpClient) call(ctx context.Context, method, path string, in, out any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("app service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("app service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type createTaskRequest struct {
	TaskID      model.TaskID    `json:"taskId"`
	MaxSubtasks int             `json:"maxSubtasks"`
	AppParams   json.RawMessage `json:"appParams"`
}

func (c *httpClient) CreateTask(ctx context.Context, taskID model.TaskID, maxSubtasks int, appParams json.RawMessage) error {
	in := createTaskRequest{TaskID: taskID, MaxSubtasks: maxSubtasks, AppParams: appParams}
	return c.call(ctx, http.MethodPost, "/tasks", in, nil)
}

func (c *httpClient) HasPendingSubtasks(ctx context.Context, taskID model.TaskID) (bool, error) {
	var out struct {
		Pending bool `json:"pending"`
	}
	err := c.call(ctx, http.MethodGet, "/tasks/"+string(taskID)+"/subtasks/pending", nil, &out)
	return out.Pending, err
}

func (c *httpClient) NextSubtask(ctx context.Context, taskID model.TaskID) (Subtask, error) {
	var out Subtask
	err := c.call(ctx, http.MethodPost, "/tasks/"+string(taskID)+"/subtasks/next", nil, &out)
	return out, err
}

func (c *httpClient) Verify(ctx context.Context, taskID model.TaskID, subtaskID model.SubtaskID) (bool, error) {
	var out struct {
		Verified bool `json:"verified"`
	}
	path := "/tasks/" + string(taskID) + "/subtasks/" + string(subtaskID) + "/verify"
	err := c.call(ctx, http.MethodPost, path, nil, &out)
	return out.Verified, err
}

// Shutdown stops the underlying app service. The first call wins; later
// verbs, Shutdown included, fail with ErrClientClosed.
func (c *httpClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.http.CloseIdleConnections()
	if err := c.svc.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop app service: %w", err)
	}
	slog.InfoContext(ctx, "app client shut down", "addr", c.baseURL)
	return nil
}
