package portmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Client talks to the port-manager API. Lookups retry on transient failures;
// allocate and release do not, they are idempotent but the caller decides.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient builds a client with a bounded per-request timeout.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Allocate leases a port for routerID, returning the existing lease if any.
func (c *Client) Allocate(ctx context.Context, routerID string) (int, error) {
	var resp allocateResp
	err := c.post(ctx, "/v1/allocate", allocateReq{RouterID: routerID}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Port, nil
}

// Release frees routerID's lease. Succeeds if no lease exists.
func (c *Client) Release(ctx context.Context, routerID string) error {
	return c.post(ctx, "/v1/release", releaseReq{RouterID: routerID}, nil)
}

// LookupRouter resolves routerID to its leased port, retrying briefly so a
// port-manager restart does not fail an in-flight command.
func (c *Client) LookupRouter(ctx context.Context, routerID string) (int, error) {
	var resp allocateResp
	err := util.Retry(ctx, util.RetryConfig{
		Attempts: 3,
		Backoff:  200 * time.Millisecond,
		IsRetryable: func(err error) bool {
			// NotFound is a real answer, not a transient failure.
			return envelope.CodeForError(err) == envelope.CodeInternal
		},
	}, func() error {
		return c.get(ctx, "/v1/lookup", url.Values{"routerId": {routerID}}, &resp)
	})
	if err != nil {
		return 0, err
	}
	return resp.Port, nil
}

// LookupPort resolves a leased port back to its router.
func (c *Client) LookupPort(ctx context.Context, port int) (string, error) {
	var resp allocateResp
	err := c.get(ctx, "/v1/lookup", url.Values{"port": {strconv.Itoa(port)}}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RouterID, nil
}

// Active lists all current leases.
func (c *Client) Active(ctx context.Context) ([]Lease, error) {
	var resp activeResp
	if err := c.get(ctx, "/v1/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Leases, nil
}

// Healthy reports whether the port manager answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	return c.get(ctx, "/v1/healthz", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("port manager unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading port manager response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error envelope.Error `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error.Code != "" {
			return &envelope.RemoteError{Code: e.Error.Code, Message: e.Error.Message}
		}
		return fmt.Errorf("port manager returned %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding port manager response: %w", err)
	}
	return nil
}
