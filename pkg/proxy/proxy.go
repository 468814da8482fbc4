// Package proxy is the sandbox proxy (component H): given a sandbox id it
// resolves the worker endpoint from the sandbox manager's live view and
// forwards the session/file/execute verbs through pkg/workerclient, plus a
// generic streaming HTTP pass-through for in-sandbox web servers.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/types"
	"github.com/rockcloud/sandboxctl/pkg/workerclient"
)

// longPollTimeout bounds run_in_session, which the worker may hold open for
// minutes while a command completes.
const longPollTimeout = 5 * time.Minute

// hopByHopHeaders are stripped before forwarding a request or response, per
// RFC 7230 §6.1. httputil.ReverseProxy already removes them internally;
// ServeProxy's Director and ModifyResponse hooks also strip this list
// explicitly.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Resolver is the subset of the sandbox manager's API the proxy depends on.
// Satisfied by *manager.Manager.
type Resolver interface {
	GetStatus(ctx context.Context, sandboxID string) (types.SandboxStatusResponse, error)
}

// Proxy resolves a sandbox's worker endpoint and forwards requests to it.
type Proxy struct {
	resolver Resolver
	cfg      *config.Config
}

// New returns a Proxy resolving sandbox endpoints through resolver.
func New(resolver Resolver, cfg *config.Config) *Proxy {
	return &Proxy{resolver: resolver, cfg: cfg}
}

// workerClient resolves sandboxID to a live, reachable worker and returns a
// client bound to its proxy port.
func (p *Proxy) workerClient(ctx context.Context, sandboxID string) (*workerclient.Client, error) {
	status, err := p.resolver.GetStatus(ctx, sandboxID)
	if err != nil {
		return nil, apierr.AsAPIError(err)
	}
	if !status.Alive {
		return nil, apierr.NewConflict("sandbox %s is not running", sandboxID)
	}
	port, ok := status.PortMapping[types.PortProxy]
	if !ok {
		return nil, apierr.NewInternal(nil, "sandbox %s has no published proxy port", sandboxID)
	}
	baseURL := fmt.Sprintf("http://%s:%d", status.HostIP, port)
	return workerclient.New(baseURL, sandboxID), nil
}

// CreateSession opens a named bash session in the sandbox.
func (p *Proxy) CreateSession(ctx context.Context, sandboxID string, req types.CreateBashSessionRequest) (types.CreateBashSessionResponse, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.CreateBashSessionResponse{}, err
	}
	if err := c.CreateSession(ctx, req.SessionName); err != nil {
		return types.CreateBashSessionResponse{}, apierr.AsAPIError(err)
	}
	return types.CreateBashSessionResponse{SessionName: req.SessionName}, nil
}

// CloseSession closes a named bash session in the sandbox.
func (p *Proxy) CloseSession(ctx context.Context, sandboxID string, req types.CloseBashSessionRequest) (types.CloseBashSessionResponse, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.CloseBashSessionResponse{}, err
	}
	if err := c.CloseSession(ctx, req.SessionName); err != nil {
		return types.CloseBashSessionResponse{}, apierr.AsAPIError(err)
	}
	return types.CloseBashSessionResponse{SessionName: req.SessionName, Closed: true}, nil
}

// RunInSession runs a command in a named bash session, accepting a
// long-poll duration since some commands run for minutes.
func (p *Proxy) RunInSession(ctx context.Context, sandboxID string, action types.BashAction) (types.BashObservation, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.BashObservation{}, err
	}
	timeout := longPollTimeout
	if action.TimeoutSecs > 0 {
		timeout = time.Duration(action.TimeoutSecs) * time.Second
	}
	result, err := c.WithTimeout(timeout).RunInSession(ctx, action.SessionName, action.Command)
	if err != nil {
		return types.BashObservation{}, apierr.AsAPIError(err)
	}
	return types.BashObservation{Output: result.Output, ExitCode: result.ExitCode}, nil
}

// Execute runs a one-shot command in the sandbox. A non-zero exit code is
// a normal result, not an error.
func (p *Proxy) Execute(ctx context.Context, sandboxID string, cmd types.Command) (types.CommandResult, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.CommandResult{}, err
	}
	result, err := c.Execute(ctx, cmd.Command, cmd.Shell)
	if err != nil {
		return types.CommandResult{}, apierr.AsAPIError(err)
	}
	return types.CommandResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, nil
}

// ReadFile reads a file from the sandbox filesystem.
func (p *Proxy) ReadFile(ctx context.Context, sandboxID string, req types.ReadFileRequest) (types.ReadFileResponse, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.ReadFileResponse{}, err
	}
	content, err := c.ReadFile(ctx, req.Path)
	if err != nil {
		return types.ReadFileResponse{}, apierr.AsAPIError(err)
	}
	return types.ReadFileResponse{Content: content}, nil
}

// WriteFile writes a file to the sandbox filesystem.
func (p *Proxy) WriteFile(ctx context.Context, sandboxID string, req types.WriteFileRequest) (types.WriteFileResponse, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.WriteFileResponse{}, err
	}
	n, err := c.WriteFile(ctx, req.Path, req.Content)
	if err != nil {
		return types.WriteFileResponse{}, apierr.AsAPIError(err)
	}
	return types.WriteFileResponse{BytesWritten: n}, nil
}

// Upload streams an uploaded file's content into the sandbox at targetPath.
func (p *Proxy) Upload(ctx context.Context, sandboxID, targetPath, filename string, content io.Reader) (types.UploadResponse, error) {
	c, err := p.workerClient(ctx, sandboxID)
	if err != nil {
		return types.UploadResponse{}, err
	}
	n, err := c.Upload(ctx, targetPath, filename, content)
	if err != nil {
		return types.UploadResponse{}, apierr.AsAPIError(err)
	}
	return types.UploadResponse{TargetPath: targetPath, BytesWritten: n}, nil
}

// ServeProxy is the generic post_proxy pass-through: it forwards method,
// body, and headers (minus hop-by-hop) to targetPath on the sandbox's
// worker, streaming the response back unbuffered so Server-Sent Events and
// chunked transfers reach the caller without delay. Implemented as an
// httputil.ReverseProxy, adapting the teacher's ProxySandbox director/
// ModifyResponse pattern from session-port-forwarding to worker-port
// pass-through.
func (p *Proxy) ServeProxy(w http.ResponseWriter, r *http.Request, sandboxID, targetPath string) {
	status, err := p.resolver.GetStatus(r.Context(), sandboxID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if !status.Alive {
		apierr.WriteError(w, apierr.NewConflict("sandbox %s is not running", sandboxID))
		return
	}
	port, ok := status.PortMapping[types.PortProxy]
	if !ok {
		apierr.WriteError(w, apierr.NewInternal(nil, "sandbox %s has no published proxy port", sandboxID))
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://%s:%d", status.HostIP, port))
	if err != nil {
		apierr.WriteError(w, apierr.NewInternal(err, "invalid worker address for sandbox %s", sandboxID))
		return
	}

	rawTarget := strings.TrimPrefix(targetPath, "/")
	proxyPrefix := fmt.Sprintf("/sandboxes/%s/proxy", sandboxID)

	reverseProxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = "/" + rawTarget
			req.URL.RawQuery = r.URL.RawQuery
			req.Host = target.Host
			stripHopByHop(req.Header)
			req.Header.Set("X-Sandbox-ID", sandboxID)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			if location := resp.Header.Get("Location"); location != "" {
				if locURL, err := url.Parse(location); err == nil && locURL.Host == "" && !strings.HasPrefix(locURL.Path, proxyPrefix) {
					locURL.Path = proxyPrefix + locURL.Path
					resp.Header.Set("Location", locURL.String())
				}
			}
			return nil
		},
		// -1 flushes every write immediately, which is what preserves
		// chunked/SSE streaming instead of buffering the full response.
		FlushInterval: -1,
	}

	reverseProxy.ServeHTTP(w, r)
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
