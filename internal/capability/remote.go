package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xrt/internal/domain"
)

const (
	defaultRemoteTimeout = 30 * time.Second
	maxRemoteResponse    = 1 << 20
)

// HTTPHandler calls a capability served by another process. Steps are
// POSTed as JSON to {endpoint}/execute and {endpoint}/compensate.
type HTTPHandler struct {
	Endpoint string
	Secret   string
	Client   *http.Client
}

// NewHTTPHandler validates endpoint and returns a handler for it.
func NewHTTPHandler(endpoint, secret string, client *http.Client) (*HTTPHandler, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("handler_reference %q is not an http(s) endpoint", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	return &HTTPHandler{Endpoint: strings.TrimRight(endpoint, "/"), Secret: secret, Client: client}, nil
}

type remoteRequest struct {
	StepCall
	Output json.RawMessage `json:"output,omitempty"`
}

type remoteResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

func (h *HTTPHandler) Execute(ctx context.Context, call StepCall) (json.RawMessage, error) {
	res, err := h.post(ctx, "execute", remoteRequest{StepCall: call})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

func (h *HTTPHandler) Compensate(ctx context.Context, call StepCall, output json.RawMessage) error {
	_, err := h.post(ctx, "compensate", remoteRequest{StepCall: call, Output: output})
	return err
}

func (h *HTTPHandler) post(ctx context.Context, action string, body remoteRequest) (remoteResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return remoteResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint+"/"+action, bytes.NewReader(data))
	if err != nil {
		return remoteResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Xrt-Saga", body.SagaID)
	req.Header.Set("X-Xrt-Step", body.Step)
	req.Header.Set("X-Xrt-Tenant", body.TenantID)
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Xrt-Secret", h.Secret)
	}
	res, err := h.Client.Do(req)
	if err != nil {
		return remoteResponse{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxRemoteResponse))
	if err != nil {
		return remoteResponse{}, err
	}
	var out remoteResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && res.StatusCode < 300 {
			return remoteResponse{}, fmt.Errorf("%s %s: decode response: %w", action, h.Endpoint, err)
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return remoteResponse{}, fmt.Errorf("%s %s: status %d: %s", action, h.Endpoint, res.StatusCode, msg)
	}
	if out.Error != "" {
		return remoteResponse{}, fmt.Errorf("%s %s: %s", action, h.Endpoint, out.Error)
	}
	return out, nil
}

// RegisterRemote registers def with an HTTPHandler for def.HandlerRef.
func (r *Registry) RegisterRemote(def Definition, secret string, client *http.Client) error {
	h, err := NewHTTPHandler(def.HandlerRef, secret, client)
	if err != nil {
		return domain.Wrap(domain.KindInvalidIntent, err, "register "+def.IntentType)
	}
	return r.Register(def, h)
}
