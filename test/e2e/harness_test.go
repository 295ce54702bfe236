// Package e2e builds the binaries and exercises them over HTTP.
package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	buildMu  sync.Mutex
	binaries = map[string]string{}
	buildDir string
)

// getBinary builds ./cmd/<name> once per test run.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildMu.Lock()
	defer buildMu.Unlock()

	if bin, ok := binaries[name]; ok {
		return bin
	}
	if buildDir == "" {
		dir, err := os.MkdirTemp("", "crucible-e2e-*")
		if err != nil {
			t.Fatal(err)
		}
		buildDir = dir
	}
	binary := filepath.Join(buildDir, name)
	cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
	cmd.Dir = findRepoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build ./cmd/%s failed: %v\n%s", name, err, out)
	}
	binaries[name] = binary
	return binary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs binary with args and the given extra environment on a
// free port and waits for /healthz.
func startServer(t *testing.T, binary string, args []string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(),
		"CRUCIBLE_LISTEN_ADDR="+addr,
		"CRUCIBLE_DB_PATH="+filepath.Join(t.TempDir(), "test.db"),
		"CRUCIBLE_LOG_LEVEL=info",
		"CRUCIBLE_LOG_FORMAT=json",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// call sends a JSON request as alice of tenant and decodes the JSON reply
// into out when out is non-nil.
func (sp *serverProc) call(t *testing.T, tenant, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, sp.url+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant", tenant)
		req.Header.Set("X-User", "alice")
		req.Header.Set("X-Role", "PUBLIC")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, path, data, err)
		}
	}
	return resp.StatusCode
}

// pollStatus waits until the execution reaches want.
func (sp *serverProc) pollStatus(t *testing.T, tenant, id, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var exec map[string]any
	for time.Now().Before(deadline) {
		exec = nil
		sp.call(t, tenant, http.MethodGet, "/v1/executions/"+id, nil, &exec)
		if exec["status"] == want {
			return exec
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("execution %s: status %v, want %s within %v", id, exec["status"], want, timeout)
	return nil
}

func must(t *testing.T, code, want int, what string) {
	t.Helper()
	if code != want {
		t.Fatalf("%s: status = %d, want %d", what, code, want)
	}
}

// startFailing runs "serve" expecting it to exit with an error and returns
// its combined output.
func startFailing(t *testing.T, binary string, env ...string) string {
	t.Helper()
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("serve exited cleanly, want failure\n%s", out)
	}
	return string(out)
}
