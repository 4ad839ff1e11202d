//go:build unix

package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method string
	Path   string // Sent verbatim on the request line, e.g. "/a/../b?x=1"
}

// HeaderMatcher defines a way to match headers.
type HeaderMatcher map[string]string // Key: header name, Value: expected value (exact match)

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      HeaderMatcher // Optional
	BodyMatcher  BodyMatcher   // Optional
	ExpectNoBody bool          // If true, BodyMatcher is ignored and body must be empty
}

// ActualResponse stores the actual outcome of an HTTP request.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Raw        []byte // Every byte the server sent
}

// Check compares actual against expected and returns every mismatch.
func (e ExpectedResponse) Check(actual ActualResponse) []string {
	var problems []string
	if e.StatusCode != 0 && actual.StatusCode != e.StatusCode {
		problems = append(problems, fmt.Sprintf("status: expected %d, got %d", e.StatusCode, actual.StatusCode))
	}
	for name, want := range e.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, got))
		}
	}
	if e.ExpectNoBody {
		if len(actual.Body) != 0 {
			problems = append(problems, fmt.Sprintf("expected no body, got %d bytes", len(actual.Body)))
		}
	} else if e.BodyMatcher != nil {
		if ok, desc := e.BodyMatcher.Match(actual.Body); !ok {
			problems = append(problems, desc)
		}
	}
	return problems
}

// Do sends request over a fresh TCP connection and reads until the server
// closes it. The path is written exactly as given, so dot segments and
// escapes reach the server untouched.
func Do(serverAddr string, request TestRequest) (ActualResponse, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	conn, err := net.DialTimeout("tcp", serverAddr, 5*time.Second)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	fmt.Fprintf(conn, "%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, request.Path, serverAddr)
	raw, err := io.ReadAll(conn)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	actual := ActualResponse{Raw: raw}
	if len(raw) == 0 {
		return actual, nil
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), &http.Request{Method: method})
	if err != nil {
		return actual, fmt.Errorf("failed to parse response %q: %w", raw, err)
	}
	defer resp.Body.Close()
	actual.StatusCode = resp.StatusCode
	actual.Headers = resp.Header
	if actual.Body, err = io.ReadAll(resp.Body); err != nil {
		return actual, fmt.Errorf("failed to read response body: %w", err)
	}
	return actual, nil
}

// ServerInstance encapsulates details of a running test server.
type ServerInstance struct {
	Cmd       *exec.Cmd   // The command running the server process
	Addresses []string    // Addresses the server is expected to listen on
	LogBuffer *safeBuffer // Captured stdout and stderr
	waitDone  chan struct{}
	waitErr   error
	cancelCtx context.CancelFunc
	stopOnce  sync.Once
}

// safeBuffer is a bytes.Buffer guarded for concurrent use.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Logs returns the server output captured so far.
func (s *ServerInstance) Logs() string {
	return s.LogBuffer.String()
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData to dir in JSON, TOML or YAML format and
// returns the file path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var data []byte
	var err error

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
	case "yaml":
		data, err = yaml.Marshal(configData)
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	filePath := filepath.Join(dir, "config."+strings.ToLower(format))
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return filePath, nil
}

// BuildServerBinary compiles ./cmd/server of the module at projectRoot into outDir.
func BuildServerBinary(projectRoot, outDir string) (string, error) {
	goTool, err := exec.LookPath("go")
	if err != nil {
		return "", fmt.Errorf("go tool not found: %w", err)
	}
	out := filepath.Join(outDir, "server")
	cmd := exec.Command(goTool, "build", "-o", out, "./cmd/server")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to build server binary: %w\n%s", err, output)
	}
	return out, nil
}

// StartTestServer launches the server binary with args and waits until every
// address in addresses accepts connections.
func StartTestServer(serverBinaryPath string, addresses []string, args ...string) (*ServerInstance, error) {
	if serverBinaryPath == "" {
		return nil, fmt.Errorf("serverBinaryPath cannot be empty")
	}
	fi, err := os.Stat(serverBinaryPath)
	if err != nil {
		return nil, fmt.Errorf("server binary path '%s' error: %w", serverBinaryPath, err)
	}
	if fi.IsDir() || (fi.Mode()&0111 == 0) {
		return nil, fmt.Errorf("server binary path '%s' is a directory or not executable", serverBinaryPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, serverBinaryPath, args...)
	logs := &safeBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	instance := &ServerInstance{
		Cmd:       cmd,
		Addresses: addresses,
		LogBuffer: logs,
		waitDone:  make(chan struct{}),
		cancelCtx: cancel,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process '%s': %w", serverBinaryPath, err)
	}
	go func() {
		instance.waitErr = cmd.Wait()
		close(instance.waitDone)
	}()

	readyTimeout := 10 * time.Second
	pollInterval := 100 * time.Millisecond
	for _, addr := range addresses {
		startTime := time.Now()
		for {
			if instance.Exited() {
				return nil, fmt.Errorf("server exited before listening on %s: %v. Logs captured:\n%s", addr, instance.waitErr, logs.String())
			}
			if time.Since(startTime) > readyTimeout {
				instance.Stop()
				return nil, fmt.Errorf("server not ready at %s after %v. Logs captured:\n%s", addr, readyTimeout, logs.String())
			}
			conn, dialErr := net.DialTimeout("tcp", addr, pollInterval)
			if dialErr == nil {
				conn.Close()
				break
			}
			time.Sleep(pollInterval)
		}
	}
	return instance, nil
}

// RunToExit runs the server binary with args and waits for it to exit.
func RunToExit(serverBinaryPath string, timeout time.Duration, args ...string) (exitCode int, logs string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, runErr := exec.CommandContext(ctx, serverBinaryPath, args...).CombinedOutput()
	if runErr == nil {
		return 0, string(out), nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), string(out), nil
	}
	return -1, string(out), runErr
}

// Exited reports whether the server process has terminated.
func (s *ServerInstance) Exited() bool {
	select {
	case <-s.waitDone:
		return true
	default:
		return false
	}
}

// ProcessAlive probes the process with signal 0.
func (s *ServerInstance) ProcessAlive() bool {
	if s.Cmd.Process == nil || s.Exited() {
		return false
	}
	return unix.Kill(s.Cmd.Process.Pid, 0) == nil
}

// Signal delivers sig to the server process.
func (s *ServerInstance) Signal(sig syscall.Signal) error {
	return unix.Kill(s.Cmd.Process.Pid, sig)
}

// WaitExit waits up to timeout for the process to exit and returns its exit code.
func (s *ServerInstance) WaitExit(timeout time.Duration) (int, error) {
	select {
	case <-s.waitDone:
		return s.Cmd.ProcessState.ExitCode(), nil
	case <-time.After(timeout):
		return -1, fmt.Errorf("server did not exit within %v", timeout)
	}
}

// Stop terminates the server process.
// It first attempts a graceful shutdown (SIGINT), then SIGTERM, then SIGKILL.
func (s *ServerInstance) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		defer s.cancelCtx()
		if s.Exited() {
			return
		}
		for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
			if err := s.Signal(sig); err != nil {
				continue
			}
			if _, err := s.WaitExit(3 * time.Second); err == nil {
				return
			}
		}
		if err := s.Cmd.Process.Kill(); err != nil {
			stopErr = fmt.Errorf("failed to kill server process: %w", err)
			return
		}
		<-s.waitDone
	})
	return stopErr
}
