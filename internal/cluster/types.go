package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeInfo identifies a cluster member. Addr is the base URL of the member's
// HTTP endpoint; InvokerAddr is the host:port of its pooled invocation server.
type NodeInfo struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	InvokerAddr string `json:"invoker_addr,omitempty"`
}

// RegisterRequest is posted by a node to the coordinator's /register and
// /deregister endpoints.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// NodesResponse is the body served by the coordinator's /nodes endpoint.
type NodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned when a peer answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// PostJSON posts body as JSON to url and decodes the response into out when
// out is non-nil. Any status >= 300 is an error.
//
// Parameters:
//   - ctx: Context for the request
//   - url: Full URL, e.g. "http://coordinator:8080/register"
//   - body: Value to encode as the request body
//   - out: Pointer to decode the response into, or nil to ignore it
//
// Returns:
//   - error: Network, encoding or *StatusError failure
//
// Example:
//
//	err := cluster.PostJSON(ctx, coord+"/register", cluster.RegisterRequest{Node: self}, nil)
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out when out is
// non-nil.
//
// Example:
//
//	var resp cluster.NodesResponse
//	err := cluster.GetJSON(ctx, coord+"/nodes", &resp)
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetBytes fetches url and returns the raw body. A 404 yields (nil, nil).
func GetBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}
