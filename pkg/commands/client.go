package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Client is the commands-server client used by the cloud API. Errors decode
// back to util sentinels through the envelope, so callers branch with
// errors.Is. The client never retries; retry policy belongs to the caller,
// who knows which operations mutate.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient builds a client. The HTTP timeout sits above the server's worst
// per-operation deadline so the server's Timeout envelope wins the race.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 90 * time.Second},
	}
}

// StartSession announces a session. restart tears down existing state.
func (c *Client) StartSession(ctx context.Context, sessionID string, restart bool) error {
	_, err := c.call(ctx, "/v1/session/start", request{SessionID: sessionID, Restart: restart})
	return err
}

// EndSession tears a session down.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "/v1/session/end", request{SessionID: sessionID})
	return err
}

// RefreshSession resets the session's idle clock.
func (c *Client) RefreshSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "/v1/session/refresh", request{SessionID: sessionID})
	return err
}

// Scan lists the router's LAN devices.
func (c *Client) Scan(ctx context.Context, sessionID, routerID string) ([]router.Device, error) {
	env, err := c.call(ctx, "/v1/network/scan", request{SessionID: sessionID, RouterID: routerID})
	if err != nil {
		return nil, err
	}
	var devices []router.Device
	if err := env.DecodeData(&devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// ListAdd adds mac to a list on the router.
func (c *Client) ListAdd(ctx context.Context, sessionID, routerID string, kind ListKind, mac string) error {
	_, err := c.call(ctx, "/v1/"+string(kind)+"/add",
		request{SessionID: sessionID, RouterID: routerID, MAC: mac})
	return err
}

// ListRemove removes mac from a list on the router.
func (c *Client) ListRemove(ctx context.Context, sessionID, routerID string, kind ListKind, mac string) error {
	_, err := c.call(ctx, "/v1/"+string(kind)+"/remove",
		request{SessionID: sessionID, RouterID: routerID, MAC: mac})
	return err
}

// ListMembers reads a list back from the router.
func (c *Client) ListMembers(ctx context.Context, sessionID, routerID string, kind ListKind) ([]string, error) {
	env, err := c.call(ctx, "/v1/"+string(kind)+"/list",
		request{SessionID: sessionID, RouterID: routerID})
	if err != nil {
		return nil, err
	}
	var data MembersData
	if err := env.DecodeData(&data); err != nil {
		return nil, err
	}
	return data.MACs, nil
}

// SetMode toggles a list's enforcement.
func (c *Client) SetMode(ctx context.Context, sessionID, routerID string, kind ListKind, active bool) error {
	_, err := c.call(ctx, "/v1/"+string(kind)+"/mode",
		request{SessionID: sessionID, RouterID: routerID, Active: &active})
	return err
}

// SetRate applies the rate limit for a list's mode.
func (c *Client) SetRate(ctx context.Context, sessionID, routerID string, kind ListKind, rate int) error {
	_, err := c.call(ctx, "/v1/"+string(kind)+"/limit-rate",
		request{SessionID: sessionID, RouterID: routerID, Rate: &rate})
	return err
}

// MonitorCurrent fetches the live usage snapshot.
func (c *Client) MonitorCurrent(ctx context.Context, sessionID, routerID string) (*MonitorData, error) {
	return c.monitor(ctx, "/v1/monitor/current", request{SessionID: sessionID, RouterID: routerID})
}

// MonitorLastWeek fetches last week's per-device counters.
func (c *Client) MonitorLastWeek(ctx context.Context, sessionID, routerID string) (*MonitorData, error) {
	return c.monitor(ctx, "/v1/monitor/last-week", request{SessionID: sessionID, RouterID: routerID})
}

// MonitorLastMonth fetches last month's per-device counters.
func (c *Client) MonitorLastMonth(ctx context.Context, sessionID, routerID string) (*MonitorData, error) {
	return c.monitor(ctx, "/v1/monitor/last-month", request{SessionID: sessionID, RouterID: routerID})
}

// MonitorDevice fetches one device's counters.
func (c *Client) MonitorDevice(ctx context.Context, sessionID, routerID, mac string, period int) (*router.Usage, error) {
	env, err := c.call(ctx, "/v1/monitor/device/"+mac,
		request{SessionID: sessionID, RouterID: routerID, Period: period})
	if err != nil {
		return nil, err
	}
	var usage router.Usage
	if err := env.DecodeData(&usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// Health checks liveness, optionally proving one tunnel end to end.
func (c *Client) Health(ctx context.Context, sessionID, routerID string) error {
	_, err := c.call(ctx, "/v1/health", request{SessionID: sessionID, RouterID: routerID})
	return err
}

func (c *Client) monitor(ctx context.Context, path string, req request) (*MonitorData, error) {
	env, err := c.call(ctx, path, req)
	if err != nil {
		return nil, err
	}
	var data MonitorData
	if err := env.DecodeData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// call posts the request and returns the envelope; failure envelopes come
// back as errors already mapped to sentinels.
func (c *Client) call(ctx context.Context, path string, req request) (*envelope.Envelope, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: commands server unreachable: %v", util.ErrTunnelDown, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading commands server response: %w", err)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding commands server response (%d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return nil, env.Err()
	}
	return &env, nil
}
