package blackbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds and runs the binary")
	}
	binPath := filepath.Join(t.TempDir(), "chatloop")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/chatloop")
	cmd.Dir = projectRootFromThisFile(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

func command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "CHATLOOP_CONFIG=", "CHATLOOP_ADDR=")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func synthModel(t *testing.T, bin string, stages int) string {
	t.Helper()
	dir := t.TempDir()
	cmd := command(bin, "synth", "--out", dir, "--layers", "4", "--stages", fmt.Sprint(stages))
	cmd.Stdout = io.Discard
	if err := cmd.Run(); err != nil {
		t.Fatalf("synth: %v", err)
	}
	return dir
}

// start runs the binary and waits until path answers 200.
func start(t *testing.T, bin, path string, args ...string) string {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args = append(args, "--addr", fmt.Sprintf("127.0.0.1:%d", port), "--log-format", "console")
	cmd := command(bin, args...)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %v: %v", args, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + path)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%v did not answer %s in time", args, path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	bin := buildBinary(t)
	dir := synthModel(t, bin, 2)

	last := start(t, bin, "/healthz", "worker", "--stage", "1", "--weights-dir", dir)
	first := start(t, bin, "/healthz", "worker", "--stage", "0", "--weights-dir", dir, "--next", last)
	rt := start(t, bin, "/readyz", "router", "--replicas", first)

	resp, body := postJSON(t, rt+"/v1/infer", []byte(`{"prompt_tokens":[1,5,9],"max_tokens":4}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/infer %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/v1/infer content-type=%s", ct)
	}
	var out struct {
		SequenceID   uint64  `json:"sequence_id"`
		Tokens       []int32 `json:"tokens"`
		FinishReason string  `json:"finish_reason"`
		Replica      string  `json:"replica"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("/v1/infer json: %v body=%s", err, string(body))
	}
	if len(out.Tokens) != 4 || out.FinishReason != "length" || out.Replica != "replica-0" || out.SequenceID == 0 {
		t.Fatalf("unexpected response %+v", out)
	}

	// the same prompt against the first stage directly is deterministic
	resp, body = postJSON(t, first+"/v1/generate", []byte(`{"prompt_tokens":[1,5,9],"sampling":{"max_tokens":4}}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/generate %d %s", resp.StatusCode, string(body))
	}
	var direct struct {
		Tokens []int32 `json:"tokens"`
	}
	if err := json.Unmarshal(body, &direct); err != nil {
		t.Fatalf("/v1/generate json: %v", err)
	}
	if fmt.Sprint(direct.Tokens) != fmt.Sprint(out.Tokens) {
		t.Fatalf("direct %v, routed %v", direct.Tokens, out.Tokens)
	}

	resp, body = get(t, rt+"/v1/replicas")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/replicas %d %s", resp.StatusCode, string(body))
	}
	var status struct {
		Healthy  int   `json:"healthy"`
		Replicas []any `json:"replicas"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("/v1/replicas json: %v", err)
	}
	if status.Healthy != 1 || len(status.Replicas) != 1 {
		t.Fatalf("unexpected replicas %s", string(body))
	}

	resp, body = get(t, last+"/v1/status")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"terminal":true`)) {
		t.Fatalf("/v1/status %d %s", resp.StatusCode, string(body))
	}

	resp, body = get(t, rt+"/metrics")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("chatloop_")) {
		t.Fatalf("/metrics %d", resp.StatusCode)
	}
}

func TestBlackbox_EmptyPrompt_400(t *testing.T) {
	bin := buildBinary(t)
	dir := synthModel(t, bin, 1)
	w := start(t, bin, "/healthz", "worker", "--weights-dir", dir)
	rt := start(t, bin, "/readyz", "router", "--replicas", w)

	resp, body := postJSON(t, rt+"/v1/infer", []byte(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", resp.StatusCode, string(body))
	}
}

func TestBlackbox_Worker_MissingWeights_Exits(t *testing.T) {
	bin := buildBinary(t)
	cmd := command(bin, "worker", "--weights", filepath.Join(t.TempDir(), "missing.safetensors"), "--addr", "127.0.0.1:0")
	cmd.Stderr = io.Discard
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a non-zero exit")
		}
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("worker kept running without weights")
	}
}
