package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCClient 账本侧链下读写端点的 JSON-RPC 2.0 客户端。
// HTTPClient 可注入 httptest，默认不发起真实网络调用；
// 所有调用先过 Gate 限流。
type RPCClient struct {
	Endpoint   string
	AuthToken  string
	HTTPClient *http.Client
	Gate       RateGate

	nextID atomic.Uint64
}

var ErrEndpointUnavailable = errors.New("endpoint unavailable")

// RPCError 端点返回的结构化错误。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     uint64          `json:"id"`
}

// Call 发起一次调用并把 result 解码到 out（out 为 nil 则丢弃结果）。
// 传输层失败统一折叠为 ErrEndpointUnavailable，端点错误保留 *RPCError。
func (c *RPCClient) Call(ctx context.Context, method string, params any, out any) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("%w: http client not set", ErrEndpointUnavailable)
	}
	if c.Gate != nil {
		if err := c.Gate.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEndpointUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s status %d", ErrEndpointUnavailable, method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: %s decode: %v", ErrEndpointUnavailable, method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
