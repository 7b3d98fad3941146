package comfyHelpers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/comfydeploy/comfy-gateway/pkg/shared/defs"
)

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("Failed to split test server host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Failed to parse test server port: %v", err)
	}
	return NewClient(host, port)
}

func TestQueuePrompt(t *testing.T) {
	workflow := json.RawMessage(`{"3":{"class_type":"KSampler"}}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Prompt   json.RawMessage `json:"prompt"`
			ClientID string          `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if string(body.Prompt) != string(workflow) {
			t.Errorf("Expected workflow to pass through unchanged, got %s", body.Prompt)
		}
		if body.ClientID == "" {
			t.Error("Expected client_id to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prompt_id":"server-123","number":3,"node_errors":{}}`))
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	queued, err := c.QueuePrompt(context.Background(), workflow)
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}
	if queued.PromptID != "server-123" {
		t.Errorf("Expected prompt_id server-123, got %s", queued.PromptID)
	}
	if queued.Number != 3 {
		t.Errorf("Expected queue number 3, got %d", queued.Number)
	}
}

func TestQueuePromptRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	_, err := c.QueuePrompt(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("Expected error for rejected prompt")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestCheckServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"system":{"os":"posix","comfyui_version":"0.3.0","python_version":"3.11.8"}}`))
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	if err := c.CheckServer(context.Background(), time.Second); err != nil {
		t.Fatalf("CheckServer failed: %v", err)
	}

	stats, err := c.GetSystemStats(context.Background())
	if err != nil {
		t.Fatalf("GetSystemStats failed: %v", err)
	}
	if stats.System.ComfyUIVersion != "0.3.0" {
		t.Errorf("Expected comfyui_version 0.3.0, got %s", stats.System.ComfyUIVersion)
	}
}

func TestCheckServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	if err := c.CheckServer(context.Background(), time.Second); err == nil {
		t.Fatal("Expected error from failing system_stats")
	}
}

func TestGetHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/p1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"p1":{"status":{"completed":true}}}`))
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	history, err := c.GetHistory(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if !strings.Contains(string(history), "completed") {
		t.Errorf("Expected raw history body, got %s", history)
	}
}

func TestPostStatus(t *testing.T) {
	var got defs.RunStatus
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	status := defs.RunStatus{PromptID: "p1", Status: "queued"}
	if err := PostStatus(context.Background(), srv.URL, status); err != nil {
		t.Fatalf("PostStatus failed: %v", err)
	}
	if got.PromptID != "p1" || got.Status != "queued" {
		t.Errorf("Expected status to arrive intact, got %+v", got)
	}
}

func TestPostStatusNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	if err := PostStatus(context.Background(), srv.URL, defs.RunStatus{PromptID: "p1"}); err == nil {
		t.Fatal("Expected error for non-2xx status endpoint")
	}
}
