package e2e

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatloop/internal/httpapi"
	"chatloop/internal/metrics"
	"chatloop/internal/router"
	"chatloop/internal/stage"
	"chatloop/internal/synth"
	"chatloop/internal/transport"
	"chatloop/internal/worker"
)

// writeModel writes the tiny test model cut into stages partitions.
func writeModel(t *testing.T, stages int) []string {
	t.Helper()
	s := synth.Tiny()
	s.Stages = stages
	paths, err := synth.Write(t.TempDir(), s)
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	return paths
}

func workerConfig(idx int, path string) worker.Config {
	return worker.Config{
		Stage:          idx,
		WeightsPath:    path,
		Threads:        2,
		MaxBatchSize:   4,
		BatchWindow:    time.Millisecond,
		HandoffBackoff: time.Millisecond,
		Metrics:        metrics.New(),
	}
}

type replica struct {
	servers []*httptest.Server
	workers []*worker.Worker
}

// URL is the first stage's address.
func (r replica) URL() string { return r.servers[0].URL }

// startReplica serves one pipeline replica over HTTP, last stage first so
// each stage can be pointed at its successor.
func startReplica(t *testing.T, paths []string) replica {
	t.Helper()
	n := len(paths)
	rep := replica{servers: make([]*httptest.Server, n), workers: make([]*worker.Worker, n)}
	var next stage.Downstream
	for i := n - 1; i >= 0; i-- {
		cfg := workerConfig(i, paths[i])
		w, err := worker.New(cfg, next)
		if err != nil {
			t.Fatalf("start stage %d: %v", i, err)
		}
		t.Cleanup(func() { _ = w.Close() })
		srv := httptest.NewServer(httpapi.NewWorkerMux(w, httpapi.Options{Metrics: cfg.Metrics}))
		t.Cleanup(srv.Close)
		rep.servers[i], rep.workers[i] = srv, w

		c, err := transport.New(srv.URL, nil)
		if err != nil {
			t.Fatalf("client for stage %d: %v", i, err)
		}
		next = c
	}
	return rep
}

func startRouter(t *testing.T, cfg router.Config, endpoints ...string) (*httptest.Server, *router.Router) {
	t.Helper()
	var reps []router.Replica
	for _, ep := range endpoints {
		c, err := transport.New(ep, nil)
		if err != nil {
			t.Fatalf("client for %s: %v", ep, err)
		}
		reps = append(reps, c)
	}
	rt, err := router.New(cfg, reps)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewRouterMux(rt, httpapi.Options{Metrics: cfg.Metrics}))
	t.Cleanup(srv.Close)
	return srv, rt
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
