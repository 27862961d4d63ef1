package integration_test

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ssh-port-lease/internal/api"
	"ssh-port-lease/internal/client"
	"ssh-port-lease/internal/config"
	"ssh-port-lease/internal/lease"
	"ssh-port-lease/internal/store"
)

var cutoffPattern = `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{6}Z$`

type binaryCache struct {
	once sync.Once
	path string
	err  error
}

var portLeaseBinary binaryCache

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// leaseServer is an in-process server on a controllable clock.
type leaseServer struct {
	BaseURL string
	Client  *client.Client
	Clock   *fakeClock
	Manager *lease.Manager
}

type serverOptions struct {
	portMin int
	portMax int
	store   store.Store
}

func startLeaseServer(t *testing.T, opts serverOptions) *leaseServer {
	t.Helper()
	if opts.portMin == 0 {
		opts.portMin, opts.portMax = 10000, 10099
	}
	allocator, err := lease.NewPortAllocator(opts.portMin, opts.portMax, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	clock := newFakeClock()
	manager := lease.NewManager(allocator, opts.store, lease.WithClock(clock.Now), lease.WithSweepInterval(0))

	cfg := config.Defaults()
	cfg.MetricsEnabled = false
	mux := http.NewServeMux()
	api.NewHandler(cfg, manager, nil).Register(mux)
	srv := httptest.NewServer(api.WithRequestLogging(mux))
	t.Cleanup(srv.Close)

	return &leaseServer{
		BaseURL: srv.URL,
		Client:  client.New(srv.URL, 2*time.Second),
		Clock:   clock,
		Manager: manager,
	}
}

type rawResponse struct {
	Status int
	Body   string
}

func getRaw(t *testing.T, baseURL, path string) rawResponse {
	t.Helper()
	resp, err := http.Get(baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rawResponse{Status: resp.StatusCode, Body: string(body)}
}

func generateMacID() string {
	return fmt.Sprintf("raytest%d", 10000+rand.IntN(90000))
}

// portLeaseInstance is a port-lease binary running `serve` in a child
// process.
type portLeaseInstance struct {
	BaseURL string
	cmd     *exec.Cmd
	output  *bytes.Buffer
}

func startPortLease(t *testing.T, env map[string]string) (*portLeaseInstance, func()) {
	t.Helper()
	binary := buildBinary(t, &portLeaseBinary, "./cmd/port-lease", "port-lease")
	baseEnv := map[string]string{
		"PORT_MIN":     "20000",
		"PORT_MAX":     "20099",
		"STORE_DRIVER": "memory",
	}
	for key, value := range env {
		baseEnv[key] = value
	}
	apiPort := freeTCPPort(t)
	baseEnv["API_LISTEN_ADDR"] = fmt.Sprintf("127.0.0.1:%d", apiPort)

	cmd := exec.Command(binary, "serve")
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(), flattenEnv(baseEnv)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("start port-lease: %v", err)
	}
	instance := &portLeaseInstance{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", apiPort),
		cmd:     cmd,
		output:  &output,
	}
	cleanup := func() {
		stopProcess(t, cmd, 5*time.Second)
	}

	c := client.New(instance.BaseURL, 500*time.Millisecond)
	if err := c.WaitForHealth(t.Context(), 10*time.Second); err != nil {
		cleanup()
		t.Fatalf("port-lease health: %v\n%s", err, output.String())
	}
	return instance, cleanup
}

func clientFor(instance *portLeaseInstance) *client.Client {
	return client.New(instance.BaseURL, 2*time.Second)
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer listener.Close()
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected tcp addr type %T", listener.Addr())
	}
	return addr.Port
}

func buildBinary(t *testing.T, cache *binaryCache, pkgPath, binaryName string) string {
	t.Helper()
	cache.once.Do(func() {
		dir, err := os.MkdirTemp("", binaryName+"-bin-")
		if err != nil {
			cache.err = err
			return
		}
		outputPath := filepath.Join(dir, binaryName)
		cmd := exec.Command("go", "build", "-o", outputPath, pkgPath)
		cmd.Dir = repoRoot(t)
		output, err := cmd.CombinedOutput()
		if err != nil {
			cache.err = fmt.Errorf("build %s: %w\n%s", binaryName, err, string(output))
			return
		}
		cache.path = outputPath
	})
	if cache.err != nil {
		t.Fatalf("build %s: %v", binaryName, cache.err)
	}
	return cache.path
}

func repoRoot(t *testing.T) string {
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
			t.Fatalf("go.mod not found")
		}
		dir = parent
	}
}

func flattenEnv(env map[string]string) []string {
	flat := make([]string, 0, len(env))
	for key, value := range env {
		flat = append(flat, fmt.Sprintf("%s=%s", key, value))
	}
	return flat
}

// stopProcess sends SIGINT so serve shuts down cleanly, and kills the
// process if it has not exited within timeout.
func stopProcess(t *testing.T, cmd *exec.Cmd, timeout time.Duration) {
	t.Helper()
	if cmd == nil || cmd.Process == nil {
		return
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
		return
	case <-time.After(timeout):
	}
	_ = cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("port-lease did not exit within %s", timeout)
	}
}
