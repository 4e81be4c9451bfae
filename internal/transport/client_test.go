package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"chatloop/internal/errs"
	"chatloop/pkg/types"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNew_Endpoint(t *testing.T) {
	c, err := New("10.0.0.2:9000", nil)
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.2:9000", c.Endpoint())

	_, err = New("http://", nil)
	require.Error(t, err)
}

func TestGenerate_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathGenerate, r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var req types.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, types.InferResponse{SequenceID: req.SequenceID, Tokens: []int32{4, 5}, FinishReason: "length"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.Generate(context.Background(), types.GenerateRequest{SequenceID: 77, PromptTokens: []int32{1}})
	require.NoError(t, err)
	require.Equal(t, uint64(77), resp.SequenceID)
	require.Equal(t, []int32{4, 5}, resp.Tokens)
}

func TestErrors_KeepTheirKind(t *testing.T) {
	cases := []struct {
		name  string
		code  int
		body  any
		check func(error) bool
	}{
		{"typed payload", http.StatusInsufficientStorage, types.ErrorResponse{Error: "no room", Kind: errs.KindCacheExhausted, Code: 507}, errs.IsCacheExhausted},
		{"transport payload", http.StatusBadGateway, types.ErrorResponse{Error: "stage 1 gone", Kind: errs.KindPipelineTransport, Code: 502}, errs.IsPipelineTransport},
		{"status fallback", http.StatusTooManyRequests, "queue full", errs.IsOverload},
		{"timeout fallback", http.StatusGatewayTimeout, "", errs.IsTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if s, ok := tc.body.(string); ok {
					w.WriteHeader(tc.code)
					_, _ = w.Write([]byte(s))
					return
				}
				writeJSON(w, tc.code, tc.body)
			}))
			defer srv.Close()

			c, err := New(srv.URL, nil)
			require.NoError(t, err)
			_, err = c.Forward(context.Background(), types.ForwardRequest{})
			require.Error(t, err)
			require.True(t, tc.check(err), "got %v", err)
			require.False(t, IsUnreachable(err))
			require.False(t, IsDialError(err))
		})
	}
}

func TestHealth_UnhealthyReportIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathHealth, r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, types.HealthResponse{Healthy: false, QueueDepth: 60, Capacity: 64, Error: "queue saturated"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	require.False(t, h.Healthy)
	require.Equal(t, 60, h.QueueDepth)
	require.Equal(t, "queue saturated", h.Error)
}

func TestRelease_EmptyBody(t *testing.T) {
	var got types.ReleaseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)
	require.NoError(t, c.Release(context.Background(), types.ReleaseRequest{SequenceIDs: []uint64{3, 4}}))
	require.Equal(t, []uint64{3, 4}, got.SequenceIDs)
}

func TestIsDialError(t *testing.T) {
	c, err := New(closedAddr(t), nil)
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.True(t, IsUnreachable(err), "got %v", err)
	require.True(t, IsDialError(err), "got %v", err)

	_, err = c.Generate(context.Background(), types.GenerateRequest{})
	require.True(t, IsDialError(err), "got %v", err)
}

func TestIsDialError_NotForCallerDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := New(srv.URL, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, types.GenerateRequest{})
	require.Error(t, err)
	require.False(t, IsUnreachable(err))
	require.False(t, IsDialError(err))
}
