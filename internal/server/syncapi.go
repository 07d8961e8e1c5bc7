package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// ============================================================================
//                              请求与响应
// ============================================================================

// SyncRequest 同步接口请求体
type SyncRequest struct {
	ConversationID string `json:"conversationId"`
	DeviceID       string `json:"deviceId"`
	Limit          int    `json:"limit,omitempty"`
	UpTo           uint64 `json:"upTo,omitempty"`
}

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Kind   types.Kind `json:"kind"`
	Detail string     `json:"detail"`
}

const maxRequestBody = 64 << 10

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}
	st, err := s.tracker.Register(r.Context(), req.ConversationID, req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}
	batch, err := s.tracker.Pull(r.Context(), req.ConversationID, req.DeviceID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if batch.Messages == nil {
		batch.Messages = []types.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}
	st, err := s.tracker.Advance(r.Context(), req.ConversationID, req.DeviceID, req.UpTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (SyncRequest, bool) {
	var req SyncRequest
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Kind: types.KindValidation, Detail: "method not allowed"})
		return req, false
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, types.NewError(types.KindValidation, "decode request", err))
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("写响应失败", "error", err)
	}
}

// statusFor 错误类别到 HTTP 状态码
func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindSequenceConflict:
		return http.StatusConflict
	case types.KindClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	writeJSON(w, statusFor(kind), ErrorResponse{Kind: kind, Detail: types.DetailOf(err)})
}

// ============================================================================
//                              HTTP SyncSource 客户端
// ============================================================================

// SyncClient 通过中继 HTTP 接口实现 interfaces.SyncSource
type SyncClient struct {
	base   string
	client *http.Client
}

var _ interfaces.SyncSource = (*SyncClient)(nil)

// NewSyncClient 创建客户端，baseURL 形如 http://127.0.0.1:7300
func NewSyncClient(baseURL string, client *http.Client) *SyncClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &SyncClient{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Register 实现 interfaces.SyncSource
func (c *SyncClient) Register(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, error) {
	var st types.DeviceSyncState
	err := c.call(ctx, "/v1/sync/register", SyncRequest{ConversationID: conversationID, DeviceID: deviceID}, &st)
	return st, err
}

// Pull 实现 interfaces.SyncSource
func (c *SyncClient) Pull(ctx context.Context, conversationID, deviceID string, limit int) (types.SyncBatch, error) {
	var batch types.SyncBatch
	err := c.call(ctx, "/v1/sync/pull", SyncRequest{ConversationID: conversationID, DeviceID: deviceID, Limit: limit}, &batch)
	return batch, err
}

// Advance 实现 interfaces.SyncSource
func (c *SyncClient) Advance(ctx context.Context, conversationID, deviceID string, upTo uint64) (types.DeviceSyncState, error) {
	var st types.DeviceSyncState
	err := c.call(ctx, "/v1/sync/advance", SyncRequest{ConversationID: conversationID, DeviceID: deviceID, UpTo: upTo}, &st)
	return st, err
}

func (c *SyncClient) call(ctx context.Context, path string, req SyncRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.KindValidation, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.KindValidation, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.KindTransport, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Kind == types.KindUnknown {
			return types.NewError(types.KindTransport, fmt.Sprintf("%s: http %d", path, resp.StatusCode), nil)
		}
		return types.NewError(e.Kind, e.Detail, nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return types.NewError(types.KindTransport, path+": empty response", nil)
		}
		return types.NewError(types.KindTransport, path+": decode response", err)
	}
	return nil
}
