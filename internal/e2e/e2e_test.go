package e2e

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"chatloop/internal/errs"
	"chatloop/internal/metrics"
	"chatloop/internal/router"
	"chatloop/internal/worker"
	"chatloop/pkg/types"
)

func infer(t *testing.T, url string, req types.InferRequest) (int, types.InferResponse, types.ErrorResponse) {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, body := httpPostJSON(t, url+"/v1/infer", b)
	var ok types.InferResponse
	var er types.ErrorResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, &ok); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
	} else if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("decode error %s: %v", body, err)
	}
	return resp.StatusCode, ok, er
}

// reference runs the same generation on one in-process stage.
func reference(t *testing.T, prompt []int32, n int) []int32 {
	t.Helper()
	w, err := worker.New(workerConfig(0, writeModel(t, 1)[0]), nil)
	if err != nil {
		t.Fatalf("reference worker: %v", err)
	}
	defer w.Close()
	resp, err := w.Generate(context.Background(), types.GenerateRequest{PromptTokens: prompt, Sampling: types.Sampling{MaxTokens: n}})
	if err != nil {
		t.Fatalf("reference generate: %v", err)
	}
	return resp.Tokens
}

// TestE2E_PipelineOverHTTP routes a request through the router to a
// two-stage replica and checks it matches a single-stage run.
func TestE2E_PipelineOverHTTP(t *testing.T) {
	rep := startReplica(t, writeModel(t, 2))
	srv, _ := startRouter(t, router.Config{Metrics: metrics.New()}, rep.URL())

	prompt := []int32{1, 10, 20, 30}
	code, resp, er := infer(t, srv.URL, types.InferRequest{PromptTokens: prompt, MaxTokens: 6})
	if code != http.StatusOK {
		t.Fatalf("status=%d err=%+v", code, er)
	}
	if diff := cmp.Diff(reference(t, prompt, 6), resp.Tokens); diff != "" {
		t.Fatalf("pipeline tokens differ (-single +pipeline):\n%s", diff)
	}
	if resp.Replica != "replica-0" || resp.RequestID == "" || resp.PromptTokens != 4 || resp.CompletionTokens != 6 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n := rep.workers[1].Health(context.Background()).ActiveSequences; n != 0 {
		t.Fatalf("last stage still holds %d sequences", n)
	}
}

// TestE2E_ConcurrentRequests checks every caller gets its own answer while
// requests share batches.
func TestE2E_ConcurrentRequests(t *testing.T) {
	rep := startReplica(t, writeModel(t, 2))
	srv, _ := startRouter(t, router.Config{}, rep.URL())

	prompts := [][]int32{{1, 2}, {1, 50, 51}, {1, 7}, {1, 99, 3, 4}, {1}, {1, 120}}
	var wg sync.WaitGroup
	got := make([][]int32, len(prompts))
	for i, p := range prompts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, resp, er := infer(t, srv.URL, types.InferRequest{PromptTokens: p, MaxTokens: 4})
			if code != http.StatusOK {
				t.Errorf("prompt %d: status=%d err=%+v", i, code, er)
				return
			}
			got[i] = resp.Tokens
		}()
	}
	wg.Wait()
	for i, p := range prompts {
		if diff := cmp.Diff(reference(t, p, 4), got[i]); diff != "" {
			t.Fatalf("prompt %d differs from a solo run:\n%s", i, diff)
		}
	}
}

// TestE2E_TextPrompt sends text instead of token ids.
func TestE2E_TextPrompt(t *testing.T) {
	rep := startReplica(t, writeModel(t, 1))
	srv, _ := startRouter(t, router.Config{}, rep.URL())
	code, resp, er := infer(t, srv.URL, types.InferRequest{Prompt: "hello", MaxTokens: 3})
	if code != http.StatusOK {
		t.Fatalf("status=%d err=%+v", code, er)
	}
	if resp.PromptTokens != 6 || len(resp.Tokens) != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// TestE2E_FailoverToReachableReplica lists a dead replica first.
func TestE2E_FailoverToReachableReplica(t *testing.T) {
	rep := startReplica(t, writeModel(t, 1))
	srv, _ := startRouter(t, router.Config{}, closedAddr(t), rep.URL())
	for i := 0; i < 3; i++ {
		code, resp, er := infer(t, srv.URL, types.InferRequest{PromptTokens: []int32{1, 2}, MaxTokens: 2})
		if code != http.StatusOK {
			t.Fatalf("status=%d err=%+v", code, er)
		}
		if resp.Replica != "replica-1" {
			t.Fatalf("served by %s", resp.Replica)
		}
	}
}

// TestE2E_BrokenStageMarksReplicaUnhealthy stops a replica's last stage.
func TestE2E_BrokenStageMarksReplicaUnhealthy(t *testing.T) {
	broken := startReplica(t, writeModel(t, 2))
	good := startReplica(t, writeModel(t, 2))
	broken.servers[1].Close()

	resp, body := httpGet(t, broken.URL()+"/v1/health")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), `"downstream_ok":false`) {
		t.Fatalf("broken first stage health: %d %s", resp.StatusCode, body)
	}

	srv, rt := startRouter(t, router.Config{FailureThreshold: 1}, broken.URL(), good.URL())

	// Before the first sweep both replicas count as healthy; a handoff
	// failure surfaces as a typed error and is not retried elsewhere.
	var sawTransport bool
	for i := 0; i < 2; i++ {
		code, resp, er := infer(t, srv.URL, types.InferRequest{PromptTokens: []int32{1, 2}, MaxTokens: 2})
		switch {
		case code == http.StatusOK && resp.Replica == "replica-1":
		case code == http.StatusBadGateway && er.Kind == errs.KindPipelineTransport:
			sawTransport = true
		default:
			t.Fatalf("unexpected outcome %d %+v %+v", code, resp, er)
		}
	}
	if !sawTransport {
		t.Fatalf("round robin never reached the broken replica")
	}

	rt.CheckOnce(context.Background())
	st := rt.Status()
	if st.Healthy != 1 || st.Replicas[0].State != "unhealthy" {
		t.Fatalf("unexpected replica table: %+v", st)
	}
	for i := 0; i < 3; i++ {
		code, resp, er := infer(t, srv.URL, types.InferRequest{PromptTokens: []int32{1, 2}, MaxTokens: 2})
		if code != http.StatusOK || resp.Replica != "replica-1" {
			t.Fatalf("after sweep: %d %+v %+v", code, resp, er)
		}
	}

	resp, body = httpGet(t, srv.URL+"/v1/replicas")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "next stage unreachable") {
		t.Fatalf("replicas endpoint: %d %s", resp.StatusCode, body)
	}
}

// TestE2E_NoHealthyReplica answers 503 once every replica failed its checks.
func TestE2E_NoHealthyReplica(t *testing.T) {
	srv, rt := startRouter(t, router.Config{FailureThreshold: 1}, closedAddr(t))
	rt.CheckOnce(context.Background())

	code, _, er := infer(t, srv.URL, types.InferRequest{PromptTokens: []int32{1}})
	if code != http.StatusServiceUnavailable || er.Kind != errs.KindUnavailable {
		t.Fatalf("status=%d err=%+v", code, er)
	}
	resp, _ := httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d", resp.StatusCode)
	}
}

// TestE2E_WorkerMetrics checks a stage exports its own collectors.
func TestE2E_WorkerMetrics(t *testing.T) {
	rep := startReplica(t, writeModel(t, 1))
	srv, _ := startRouter(t, router.Config{}, rep.URL())
	if code, _, er := infer(t, srv.URL, types.InferRequest{PromptTokens: []int32{1, 2}, MaxTokens: 2}); code != http.StatusOK {
		t.Fatalf("status=%d err=%+v", code, er)
	}
	resp, body := httpGet(t, rep.URL()+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status=%d", resp.StatusCode)
	}
	for _, name := range []string{"chatloop_worker_batch_size", "chatloop_inference_requests_total", "chatloop_http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("missing %s", name)
		}
	}
}
