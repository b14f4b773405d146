// Package rpc is a minimal Solana JSON-RPC client scoped to exactly the
// methods Cartographer needs (spec.md §6): getSlot, getEpochInfo,
// getLeaderSchedule, getClusterNodes, plus getLatestBlockhash, which the
// core exposes only for the external transaction-builder collaborator.
package rpc

import (
	"bytes"
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// ErrUpstreamUnavailable classifies any RPC failure: network error,
// non-200 status, or a JSON-RPC error envelope. Background refresh loops
// treat it as non-fatal and keep serving stale data (spec.md §4.1, §7).
var ErrUpstreamUnavailable = errors.New("rpc: upstream unavailable")

// Client is a thin, latency-conscious JSON-RPC client.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a Client against the given HTTPS RPC endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Slot fetches the current slot at the "processed" commitment level (see
// DESIGN.md for why "processed" was chosen among the commitment levels).
func (c *Client) Slot(ctx context.Context) (uint64, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSlot",
		Params:  []any{map[string]string{"commitment": "processed"}},
	}

	var resp slotResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return 0, err
	}
	if resp.Error != nil {
		return 0, errors.Wrapf(ErrUpstreamUnavailable, "getSlot: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// EpochInfo fetches the current epoch metadata.
func (c *Client) EpochInfo(ctx context.Context) (EpochInfo, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getEpochInfo"}

	var resp epochInfoResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return EpochInfo{}, err
	}
	if resp.Error != nil {
		return EpochInfo{}, errors.Wrapf(ErrUpstreamUnavailable, "getEpochInfo: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// LeaderSchedule fetches the leader schedule for the given epoch (or the
// current epoch, if epoch is nil). The result maps a base58 validator
// pubkey to the slot offsets (relative to the epoch's first slot) it
// leads. A nil map with a nil error means "not yet available" (open
// question (b) in spec.md §9) — callers should retry on the next refresh.
func (c *Client) LeaderSchedule(ctx context.Context, epoch *uint64) (map[string][]uint64, error) {
	var params []any
	if epoch != nil {
		params = []any{*epoch}
	} else {
		params = []any{nil}
	}

	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getLeaderSchedule", Params: params}

	var resp leaderScheduleResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.Wrapf(ErrUpstreamUnavailable, "getLeaderSchedule: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// ClusterNodes fetches the cluster's validator node list.
func (c *Client) ClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getClusterNodes"}

	var resp clusterNodesResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.Wrapf(ErrUpstreamUnavailable, "getClusterNodes: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// LatestBlockhash fetches the latest blockhash. The core itself never
// calls this — it exists only so the external transaction-builder
// collaborator can share this client's connection pool (spec.md §6).
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getLatestBlockhash",
		Params:  []any{map[string]string{"commitment": "processed"}},
	}

	var resp blockhashResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", errors.Wrapf(ErrUpstreamUnavailable, "getLatestBlockhash: %s", resp.Error.Message)
	}
	return resp.Result.Value.Blockhash, nil
}

func (c *Client) call(ctx context.Context, reqBody rpcRequest, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "marshaling rpc request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building rpc request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrapf(ErrUpstreamUnavailable, "%s: %s", reqBody.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrUpstreamUnavailable, "%s: http status %s", reqBody.Method, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(ErrUpstreamUnavailable, "%s: decoding response: %s", reqBody.Method, err)
	}
	return nil
}
