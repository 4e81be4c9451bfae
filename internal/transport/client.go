// Package transport is the HTTP client side of the worker API. A Client
// talks to one worker: stages use it to hand batches to the next stage and
// the router uses it to run generations on a replica's first stage.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"chatloop/internal/errs"
	"chatloop/pkg/types"
)

// API paths served by workers.
const (
	PathGenerate = "/v1/generate"
	PathForward  = "/v1/forward"
	PathRelease  = "/v1/release"
	PathHealth   = "/v1/health"
	PathStatus   = "/v1/status"
)

// Client calls one worker.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the worker at endpoint, e.g. "http://10.0.0.2:9000".
// A bare host:port gets the http scheme.
func New(endpoint string, hc *http.Client) (*Client, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &Client{base: u, http: hc}, nil
}

// Endpoint returns the worker's base URL.
func (c *Client) Endpoint() string { return c.base.String() }

// Generate runs a whole generation on a first-stage worker.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (types.InferResponse, error) {
	var resp types.InferResponse
	err := c.do(ctx, http.MethodPost, PathGenerate, req, &resp)
	return resp, err
}

// Forward hands one batch to the next stage.
func (c *Client) Forward(ctx context.Context, req types.ForwardRequest) (types.ForwardResponse, error) {
	var resp types.ForwardResponse
	err := c.do(ctx, http.MethodPost, PathForward, req, &resp)
	return resp, err
}

// Release drops finished sequences on the worker and its successors.
func (c *Client) Release(ctx context.Context, req types.ReleaseRequest) error {
	return c.do(ctx, http.MethodPost, PathRelease, req, nil)
}

// Health fetches the worker's health report. An unhealthy worker answers
// 503 with a report, which is returned without error.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath(PathHealth).String(), nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return out, &unreachableError{endpoint: c.Endpoint(), err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read health response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode health response: %w", err)
		}
		return out, nil
	default:
		return out, checkError(resp.StatusCode, raw)
	}
}

// Status fetches the worker's status snapshot.
func (c *Client) Status(ctx context.Context) (types.WorkerStatus, error) {
	var resp types.WorkerStatus
	err := c.do(ctx, http.MethodGet, PathStatus, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &unreachableError{endpoint: c.Endpoint(), err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return checkError(resp.StatusCode, raw)
	}
	if respData == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, respData); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// checkError rebuilds the typed error carried by an error response.
func checkError(status int, body []byte) error {
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(body))
		if er.Error == "" {
			er.Error = http.StatusText(status)
		}
	}
	if er.Kind == "" {
		er.Kind = kindForStatus(status)
	}
	return errs.FromKind(er.Kind, er.Error)
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return errs.KindNotFound
	case http.StatusTooManyRequests:
		return errs.KindOverload
	case http.StatusGatewayTimeout:
		return errs.KindTimeout
	case http.StatusServiceUnavailable:
		return errs.KindUnavailable
	case http.StatusBadRequest:
		return errs.KindInvalid
	default:
		return errs.KindInternal
	}
}

// unreachableError is a request that never got an HTTP response.
type unreachableError struct {
	endpoint string
	err      error
}

func (e *unreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable: %v", e.endpoint, e.err)
}

func (e *unreachableError) Unwrap() error { return e.err }

// IsUnreachable reports whether err means no response was received, as
// opposed to an error answered by the worker. A request aborted by its own
// context is not unreachable.
func IsUnreachable(err error) bool {
	var ue *unreachableError
	if !errors.As(err, &ue) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// IsDialError reports whether err failed before a connection was made, so
// the request certainly never reached the worker.
func IsDialError(err error) bool {
	if !IsUnreachable(err) {
		return false
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}
