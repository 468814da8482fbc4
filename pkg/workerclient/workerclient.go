// Package workerclient is the low-level POST-based HTTP client for a single
// worker host's proxy port: execute, read_file, write_file, is_alive,
// bash-session verbs, and a generic pass-through POST. It is the component
// the sandbox proxy (pkg/proxy) and the worker fleet scheduler
// (pkg/scheduler) both build on.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Client talks to one worker host, identified by its base URL
// (http://{host_ip}:{port}).
type Client struct {
	baseURL    string
	sandboxID  string
	httpClient *http.Client
}

// New returns a Client bound to a specific worker host and sandbox.
func New(baseURL, sandboxID string) *Client {
	return &Client{
		baseURL:   baseURL,
		sandboxID: sandboxID,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// WithTimeout returns a copy of the client using the given per-call timeout,
// for verbs like run_in_session that accept long-poll durations.
func (c *Client) WithTimeout(d time.Duration) *Client {
	return &Client{
		baseURL:   c.baseURL,
		sandboxID: c.sandboxID,
		httpClient: &http.Client{
			Timeout: d,
		},
	}
}

type execRequest struct {
	Command string `json:"command"`
	Shell   bool   `json:"shell,omitempty"`
}

// ExecResult mirrors types.CommandResult without importing pkg/types, to
// keep this package usable independent of the domain model.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Execute runs a one-shot command on the worker. A non-zero exit code is
// part of the structured result, not a transport error.
func (c *Client) Execute(ctx context.Context, command string, shell bool) (*ExecResult, error) {
	var result ExecResult
	if err := c.doJSON(ctx, "/execute", execRequest{Command: command, Shell: shell}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type readFileRequest struct {
	Path string `json:"path"`
}

type readFileResponse struct {
	Content string `json:"content"`
}

// ReadFile reads a file from the sandbox filesystem via the worker.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	var resp readFileResponse
	if err := c.doJSON(ctx, "/read_file", readFileRequest{Path: path}, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileResponse struct {
	BytesWritten int `json:"bytes_written"`
}

// WriteFile writes a file to the sandbox filesystem via the worker.
func (c *Client) WriteFile(ctx context.Context, path, content string) (int, error) {
	var resp writeFileResponse
	if err := c.doJSON(ctx, "/write_file", writeFileRequest{Path: path, Content: content}, &resp); err != nil {
		return 0, err
	}
	return resp.BytesWritten, nil
}

// IsAlive probes the worker's liveness endpoint.
func (c *Client) IsAlive(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/alive", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type createSessionRequest struct {
	SessionName string `json:"session_name"`
}

// CreateSession opens a named bash session on the worker.
func (c *Client) CreateSession(ctx context.Context, sessionName string) error {
	return c.doJSON(ctx, "/sessions", createSessionRequest{SessionName: sessionName}, nil)
}

type closeSessionRequest struct {
	SessionName string `json:"session_name"`
}

// CloseSession closes a named bash session on the worker.
func (c *Client) CloseSession(ctx context.Context, sessionName string) error {
	return c.doJSON(ctx, "/sessions/close", closeSessionRequest{SessionName: sessionName}, nil)
}

type runInSessionRequest struct {
	SessionName string `json:"session_name"`
	Command     string `json:"command"`
}

// RunInSessionResult is the observation returned from a bash session run.
type RunInSessionResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// RunInSession executes a command in a named bash session. ctx governs the
// long-poll duration; callers use WithTimeout for run_in_session calls that
// may take minutes.
func (c *Client) RunInSession(ctx context.Context, sessionName, command string) (*RunInSessionResult, error) {
	var result RunInSessionResult
	if err := c.doJSON(ctx, "/sessions/run", runInSessionRequest{SessionName: sessionName, Command: command}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type uploadResponse struct {
	BytesWritten int `json:"bytes_written"`
}

// Upload streams a file's content to the worker's /upload endpoint as a
// multipart form, tagging it with the sandbox-relative targetPath.
func (c *Client) Upload(ctx context.Context, targetPath, filename string, content io.Reader) (int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("target_path", targetPath); err != nil {
		return 0, fmt.Errorf("workerclient: write target_path field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, fmt.Errorf("workerclient: create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return 0, fmt.Errorf("workerclient: copy upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("workerclient: close multipart writer: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apierr.NewUpstream(err, "worker upload to %s failed", targetPath)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, apierr.NewUpstream(err, "reading worker upload response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, apierr.NewUpstream(nil, "worker upload returned %d: %s", resp.StatusCode, string(respBody))
	}
	var out uploadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("workerclient: decode upload response: %w", err)
	}
	return out.BytesWritten, nil
}

// PostProxy performs a generic pass-through POST to an arbitrary path on
// the worker, preserving the raw body and returning the raw, unread response
// for the caller to stream back unbuffered.
func (c *Client) PostProxy(ctx context.Context, targetPath string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/"+targetPath, body)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.NewUpstream(err, "worker request to %s failed", targetPath)
	}
	return resp, nil
}

// doJSON performs a JSON POST and, if dest is non-nil, decodes the response
// body into it. Non-2xx responses are classified into the error taxonomy;
// a 200 response is never an error even when it encodes a non-zero
// exit_code, per §7's CommandFailed semantics.
func (c *Client) doJSON(ctx context.Context, path string, body interface{}, dest interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("workerclient: encode request for %s: %w", path, err)
		}
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierr.NewTimeout(err, "worker call to %s timed out", path)
		}
		return apierr.NewUpstream(err, "worker call to %s failed", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.NewUpstream(err, "reading worker response from %s", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.NewUpstream(nil, "worker %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}

	if dest != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("workerclient: decode response from %s: %w", path, err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("workerclient: build request for %s: %w", path, err)
	}
	req.Header.Set("X-Sandbox-ID", c.sandboxID)
	attachTraceHeaders(ctx, req)
	return req, nil
}

// attachTraceHeaders propagates the active Datadog span's trace/span ids as
// outbound headers so a worker-side trace stitches to the control plane's,
// per §4.B. It is a no-op when no span is active on ctx.
func attachTraceHeaders(ctx context.Context, req *http.Request) {
	span, ok := tracer.SpanFromContext(ctx)
	if !ok {
		return
	}
	sctx := span.Context()
	req.Header.Set("X-Datadog-Trace-Id", strconv.FormatUint(sctx.TraceID(), 10))
	req.Header.Set("X-Datadog-Parent-Id", strconv.FormatUint(sctx.SpanID(), 10))
	logger.Debug("workerclient: propagating trace %d to %s", sctx.TraceID(), req.URL.Path)
}
