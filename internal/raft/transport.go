package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowchartsman/retry"
)

// Transport 抽象节点间RPC。地址为对端的HTTP服务地址。
type Transport interface {
	AppendEntries(ctx context.Context, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(ctx context.Context, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	InstallSnapshot(ctx context.Context, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// 对端RPC路径，与internal/server注册的peer路由一致
const (
	PathAppendEntries   = "/raft/append-entries"
	PathRequestVote     = "/raft/request-vote"
	PathInstallSnapshot = "/raft/install-snapshot"
	PathRegistryDelta   = "/raft/registry-delta"
	PathRegistryDigest  = "/raft/registry-digest"
	PathForwardWrite    = "/raft/forward-write"
)

// HTTPTransport 通过HTTP+JSON承载对端RPC。
// 心跳与选举由上层的tick循环自带重试节奏，这里不做重试；
// 快照安装为大载荷的低频调用，失败按指数退避重试。
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport 创建HTTP对端传输
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// AppendEntries 发送日志复制/心跳RPC
func (t *HTTPTransport) AppendEntries(ctx context.Context, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	if err := t.post(ctx, addr, PathAppendEntries, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestVote 发送选举RPC
func (t *HTTPTransport) RequestVote(ctx context.Context, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var resp RequestVoteResponse
	if err := t.post(ctx, addr, PathRequestVote, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InstallSnapshot 发送快照安装RPC，瞬时失败指数退避重试
func (t *HTTPTransport) InstallSnapshot(ctx context.Context, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	var resp InstallSnapshotResponse
	retrier := retry.NewRetrier(5, 100*time.Millisecond, 3*time.Second)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		return t.post(ctx, addr, PathInstallSnapshot, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// post 发送一次JSON RPC并解析响应
func (t *HTTPTransport) post(ctx context.Context, addr, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("raft: 对端 %s%s 返回 %d: %s", addr, path, httpResp.StatusCode, data)
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}
