// Package modelproxy is the model service proxy (component J): an HTTP
// server exposing POST /v1/chat/completions and GET /health that forwards
// chat completion requests to one of several upstream URLs selected by a
// substring-of-model routing table, with streaming passthrough and a
// bounded retry policy.
package modelproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/logger"
)

// hopByHopRequestHeaders are stripped before forwarding the inbound
// request: content-length/content-type are set fresh by the outbound
// http.Client from the buffered body, host and transfer-encoding are
// connection-level and never forwarded, per §4.J step 2.
var hopByHopRequestHeaders = []string{"Content-Length", "Content-Type", "Host", "Transfer-Encoding"}

// chatCompletionBody is the minimal shape this proxy needs to read out of
// an otherwise opaque request body: which model to route on, and whether
// the caller wants a streamed response.
type chatCompletionBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Proxy is the model service proxy HTTP handler.
type Proxy struct {
	cfg        *config.Config
	httpClient *http.Client
}

// New returns a Proxy configured from cfg's ModelProxy* fields.
func New(cfg *config.Config) *Proxy {
	return &Proxy{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ModelProxyRequestTimeout},
	}
}

// Handler returns the http.Handler mux for this proxy: POST
// /v1/chat/completions and GET /health.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", p.handleChatCompletions)
	mux.HandleFunc("/health", p.handleHealth)
	return mux
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (p *Proxy) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var parsed chatCompletionBody
	_ = json.Unmarshal(bodyBytes, &parsed) // an unparsable body still routes to default

	upstreamURL := p.selectUpstream(parsed.Model)
	if upstreamURL == "" {
		http.Error(w, "no upstream configured for model routing", http.StatusBadGateway)
		return
	}

	resp, err := p.forwardWithRetry(r.Context(), r, upstreamURL, bodyBytes)
	if err != nil {
		logger.Info("modelproxy: upstream %s failed after retries: %v", upstreamURL, err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if parsed.Stream {
		streamResponse(w, resp.Body)
		return
	}
	_, _ = io.Copy(w, resp.Body)
}

// selectUpstream applies proxy_rules to model: the longest matching
// substring wins (a deterministic stand-in for the spec's "ordered list",
// since cfg.ModelProxyRules is a map and carries no insertion order),
// falling back to ModelProxyDefaultURL when nothing matches.
func (p *Proxy) selectUpstream(model string) string {
	best := ""
	bestLen := -1
	for substr, url := range p.cfg.ModelProxyRules {
		if substr == "" {
			continue
		}
		if strings.Contains(model, substr) && len(substr) > bestLen {
			best = url
			bestLen = len(substr)
		}
	}
	if best != "" {
		return best
	}
	return p.cfg.ModelProxyDefaultURL
}

// forwardWithRetry sends the request to upstreamURL, retrying with
// exponential backoff on a transport error or a status code in
// cfg.ModelProxyRetryCodes, up to cfg.ModelProxyMaxAttempts. A non-listed
// non-2xx response is returned unchanged after exactly one attempt. Once
// attempts are exhausted on a retryable status, the last attempt's actual
// response (status and body) is returned rather than a synthesized error —
// the caller surfaces only the last attempt's result, per §7.
func (p *Proxy) forwardWithRetry(ctx context.Context, original *http.Request, upstreamURL string, body []byte) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response
	attempts := p.cfg.ModelProxyMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 200 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		copyForwardHeaders(req.Header, original.Header)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			lastResp = nil
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if !isRetryable(resp.StatusCode, p.cfg.ModelProxyRetryCodes) {
			return resp, nil
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func isRetryable(status int, retryCodes []int) bool {
	for _, code := range retryCodes {
		if code == status {
			return true
		}
	}
	return false
}

// copyForwardHeaders copies the inbound request's headers to the outbound
// request, stripping the connection/encoding-level ones the client sets
// itself.
func copyForwardHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHopRequestHeader(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopByHopRequestHeader(name string) bool {
	for _, h := range hopByHopRequestHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// copyResponseHeaders mirrors the upstream's response headers (including
// its content-type) onto the client response, per §4.J step 3.
func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// streamResponse copies the upstream body to w chunk by chunk, flushing
// after every read so a streamed chat completion reaches the caller
// without being buffered in full first.
func streamResponse(w http.ResponseWriter, body io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
