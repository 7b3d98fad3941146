package defs

import (
	"encoding/json"
	"errors"
)

// LaunchRequest is the workload handed to the gateway. The workflow graph is
// opaque to us and is forwarded to the ComfyUI server unchanged; the two
// endpoint URLs belong to the caller and are used for callbacks only.
type LaunchRequest struct {
	PromptID           string          `json:"prompt_id"`
	WorkflowAPI        json.RawMessage `json:"workflow_api"`
	StatusEndpoint     string          `json:"status_endpoint"`
	FileUploadEndpoint string          `json:"file_upload_endpoint"`
}

// RequestInput is the envelope the hosting platform wraps around a LaunchRequest.
type RequestInput struct {
	Input LaunchRequest `json:"input"`
}

// Validate performs structural checks only; the workflow content is not inspected.
func (lr *LaunchRequest) Validate() error {
	if lr.PromptID == "" {
		return errors.New("prompt_id is required")
	}
	if len(lr.WorkflowAPI) == 0 {
		return errors.New("workflow_api is required")
	}
	if lr.StatusEndpoint == "" {
		return errors.New("status_endpoint is required")
	}
	if lr.FileUploadEndpoint == "" {
		return errors.New("file_upload_endpoint is required")
	}
	return nil
}

// RunStatus is posted back to the caller's status endpoint.
type RunStatus struct {
	PromptID   string          `json:"prompt_id"`
	Status     string          `json:"status"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// ServerStatus describes the supervised ComfyUI process for /healthz.
type ServerStatus struct {
	Pid         int  `json:"pid"`
	Alive       bool `json:"alive"`
	IsReachable bool `json:"isReachable"`
}
