package comfyHelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	helpers "github.com/comfydeploy/comfy-gateway/pkg/shared"
	"github.com/comfydeploy/comfy-gateway/pkg/shared/defs"
)

// Client talks to the ComfyUI HTTP API on the supervised server. Requests are
// tagged with a per-gateway client_id so ComfyUI attributes queue events to us.
type Client struct {
	baseAddress string
	clientID    string
	httpClient  *http.Client
}

func NewClient(host string, port int) *Client {
	return &Client{
		baseAddress: fmt.Sprintf("%s:%d", host, port),
		clientID:    uuid.New().String(),
		httpClient:  &http.Client{},
	}
}

// ClientID returns the id used to tag queued prompts.
func (c *Client) ClientID() string {
	return c.clientID
}

type queuePromptBody struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// QueuePromptResponse is ComfyUI's answer to POST /prompt.
type QueuePromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// QueuePrompt submits a workflow graph to the server's prompt queue. The
// graph itself is opaque and forwarded unchanged.
func (c *Client) QueuePrompt(ctx context.Context, workflow json.RawMessage) (*QueuePromptResponse, error) {
	jsonBody, err := json.Marshal(queuePromptBody{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt body: %w", err)
	}

	url := fmt.Sprintf("http://%s/prompt", c.baseAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach prompt endpoint: %w", err)
	}
	defer helpers.CloseOrLog(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prompt rejected with status %d: %s", resp.StatusCode, body)
	}

	var queued QueuePromptResponse
	if err := json.Unmarshal(body, &queued); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt response: %w", err)
	}
	return &queued, nil
}

// SystemStats is the subset of GET /system_stats we inspect.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		ComfyUIVersion string `json:"comfyui_version"`
		PythonVersion  string `json:"python_version"`
	} `json:"system"`
}

func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	url := fmt.Sprintf("http://%s/system_stats", c.baseAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer helpers.CloseOrLog(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("system_stats returned status %d", resp.StatusCode)
	}

	var stats SystemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CheckServer is the application-level check run once after the socket
// accepts: a readiness probe only proves the port is open, this proves the
// API answers.
func (c *Client) CheckServer(ctx context.Context, timeout time.Duration) error {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.GetSystemStats(checkCtx); err != nil {
		return fmt.Errorf("system_stats check failed: %w", err)
	}
	return nil
}

// GetHistory fetches the run history for a single prompt id. The result is
// passed back to the caller unparsed.
func (c *Client) GetHistory(ctx context.Context, promptID string) (json.RawMessage, error) {
	url := fmt.Sprintf("http://%s/history/%s", c.baseAddress, promptID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer helpers.CloseOrLog(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history returned status %d", resp.StatusCode)
	}
	return body, nil
}

// PostStatus reports a run status to the caller-provided status endpoint.
// Failures are the caller's to log; the endpoint belongs to them.
func PostStatus(ctx context.Context, endpoint string, status defs.RunStatus) error {
	jsonBody, err := json.Marshal(status)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer helpers.CloseOrLog(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
