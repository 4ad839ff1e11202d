//go:build unix

package e2e

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiotrekPrezydent/SimpleWWWServer/e2e/testutil"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/config"
)

var (
	buildOnce    sync.Once
	serverBinary string
	buildErr     error
)

// Helper function to get a pointer to a string.
func strPtr(s string) *string {
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}

// requireServerBinary builds cmd/server once per test run.
func requireServerBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
	buildOnce.Do(func() {
		_, currentFile, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = fmt.Errorf("failed to get current file path")
			return
		}
		projectRoot := filepath.Join(filepath.Dir(currentFile), "..")
		outDir, err := os.MkdirTemp("", "staticserver-e2e-")
		if err != nil {
			buildErr = err
			return
		}
		serverBinary, buildErr = testutil.BuildServerBinary(projectRoot, outDir)
	})
	if buildErr != nil {
		t.Skipf("server binary unavailable: %v", buildErr)
	}
	return serverBinary
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func freeAddr(t *testing.T) (int, string) {
	t.Helper()
	port, err := testutil.GetFreePort()
	require.NoError(t, err)
	return port, fmt.Sprintf("127.0.0.1:%d", port)
}

func quietLogging(dir string) *config.LoggingConfig {
	return &config.LoggingConfig{
		LogLevel:  config.LogLevelDebug,
		AccessLog: &config.AccessLogConfig{Target: filepath.Join(dir, "access.log")},
		ErrorLog:  &config.ErrorLogConfig{Target: filepath.Join(dir, "error.log")},
	}
}

func startWithConfig(t *testing.T, cfg *config.Config, format string, addrs ...string) *testutil.ServerInstance {
	t.Helper()
	binary := requireServerBinary(t)
	cfgPath, err := testutil.WriteTempConfig(t.TempDir(), cfg, format)
	require.NoError(t, err)

	instance, err := testutil.StartTestServer(binary, addrs, "-config", cfgPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := instance.Stop(); err != nil {
			t.Logf("Error stopping server: %v", err)
		}
	})
	return instance
}

func runCases(t *testing.T, addr string, cases []struct {
	name     string
	request  testutil.TestRequest
	expected testutil.ExpectedResponse
}) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actual, err := testutil.Do(addr, tc.request)
			require.NoError(t, err)
			for _, problem := range tc.expected.Check(actual) {
				t.Error(problem)
			}
		})
	}
}

func TestStaticFileServing(t *testing.T) {
	root := writeSite(t, map[string]string{
		"index.html":          "<h1>home</h1>",
		"css/site.css":        "body{}",
		"docs/readme.txt":     "read me",
		"files/bundle.zip":    "PK",
		"private.key":         "secret",
		"errorpages/404.html": "<p>custom 404</p>",
	})
	outside := writeSite(t, map[string]string{"passwd.txt": "root:x:0:0"})
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	port, addr := freeAddr(t)
	cfg := &config.Config{
		Servers: []config.ServerConfig{{
			Port:                   port,
			Address:                "127.0.0.1",
			RootDir:                root,
			AllowedExtensions:      []string{".html", ".css", ".txt", ".zip"},
			DownloadableExtensions: []string{".zip"},
		}},
		Logging: quietLogging(t.TempDir()),
	}
	startWithConfig(t, cfg, "json", addr)

	runCases(t, addr, []struct {
		name     string
		request  testutil.TestRequest
		expected testutil.ExpectedResponse
	}{
		{
			name:    "index",
			request: testutil.TestRequest{Path: "/"},
			expected: testutil.ExpectedResponse{
				StatusCode:  http.StatusOK,
				Headers:     testutil.HeaderMatcher{"Content-Type": "text/html"},
				BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("<h1>home</h1>")},
			},
		},
		{
			name:    "stylesheet",
			request: testutil.TestRequest{Path: "/css/site.css"},
			expected: testutil.ExpectedResponse{
				StatusCode: http.StatusOK,
				Headers:    testutil.HeaderMatcher{"Content-Type": "text/css", "Content-Length": "6"},
			},
		},
		{
			name:    "download",
			request: testutil.TestRequest{Path: "/files/bundle.zip"},
			expected: testutil.ExpectedResponse{
				StatusCode: http.StatusOK,
				Headers:    testutil.HeaderMatcher{"Content-Type": "application/zip", "Content-Disposition": "attachment"},
			},
		},
		{
			name:    "listing",
			request: testutil.TestRequest{Path: "/docs"},
			expected: testutil.ExpectedResponse{
				StatusCode:  http.StatusOK,
				BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: `href="/docs/readme.txt"`},
			},
		},
		{
			name:    "head",
			request: testutil.TestRequest{Method: "HEAD", Path: "/docs/readme.txt"},
			expected: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				Headers:      testutil.HeaderMatcher{"Content-Length": "7"},
				ExpectNoBody: true,
			},
		},
		{
			name:    "custom not found page",
			request: testutil.TestRequest{Path: "/missing.html"},
			expected: testutil.ExpectedResponse{
				StatusCode:  http.StatusNotFound,
				BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("<p>custom 404</p>")},
			},
		},
		{
			name:     "extension not allowed",
			request:  testutil.TestRequest{Path: "/private.key"},
			expected: testutil.ExpectedResponse{StatusCode: http.StatusNotFound},
		},
		{
			name:     "dot-dot traversal",
			request:  testutil.TestRequest{Path: "/../../../etc/passwd"},
			expected: testutil.ExpectedResponse{StatusCode: http.StatusForbidden},
		},
		{
			name:     "encoded traversal",
			request:  testutil.TestRequest{Path: "/%2e%2e/%2e%2e/etc/passwd"},
			expected: testutil.ExpectedResponse{StatusCode: http.StatusForbidden},
		},
		{
			name:     "symlink escape",
			request:  testutil.TestRequest{Path: "/escape/passwd.txt"},
			expected: testutil.ExpectedResponse{StatusCode: http.StatusForbidden},
		},
		{
			name:     "method not allowed",
			request:  testutil.TestRequest{Method: "PUT", Path: "/index.html"},
			expected: testutil.ExpectedResponse{StatusCode: http.StatusMethodNotAllowed},
		},
	})
}

func TestMultiplePortsAndFormats(t *testing.T) {
	for _, format := range []string{"json", "toml", "yaml"} {
		t.Run(format, func(t *testing.T) {
			rootA := writeSite(t, map[string]string{"a.txt": "from A"})
			rootB := writeSite(t, map[string]string{"b.txt": "from B"})
			portA, addrA := freeAddr(t)
			portB, addrB := freeAddr(t)
			cfg := &config.Config{
				Servers: []config.ServerConfig{
					{Port: portA, Address: "127.0.0.1", RootDir: rootA, AllowedExtensions: []string{".txt"}},
					{Port: portB, Address: "127.0.0.1", RootDir: rootB, AllowedExtensions: []string{".txt"}, ServeDirectoryListing: boolPtr(false)},
				},
				Logging:         quietLogging(t.TempDir()),
				ShutdownTimeout: strPtr("1s"),
			}
			startWithConfig(t, cfg, format, addrA, addrB)

			actual, err := testutil.Do(addrA, testutil.TestRequest{Path: "/a.txt"})
			require.NoError(t, err)
			assert.Equal(t, "from A", string(actual.Body))

			actual, err = testutil.Do(addrB, testutil.TestRequest{Path: "/b.txt"})
			require.NoError(t, err)
			assert.Equal(t, "from B", string(actual.Body))

			actual, err = testutil.Do(addrB, testutil.TestRequest{Path: "/a.txt"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusNotFound, actual.StatusCode, "roots are per port")

			actual, err = testutil.Do(addrB, testutil.TestRequest{Path: "/"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusForbidden, actual.StatusCode)
		})
	}
}

func TestQuickMode(t *testing.T) {
	binary := requireServerBinary(t)
	root := writeSite(t, map[string]string{"hello.md": "# hi", "hello.txt": "hi"})
	port, addr := freeAddr(t)

	instance, err := testutil.StartTestServer(binary, []string{addr},
		"-address", "127.0.0.1", "-port", fmt.Sprint(port), "-root", root, "-ext", ".md")
	require.NoError(t, err)
	defer instance.Stop()

	actual, err := testutil.Do(addr, testutil.TestRequest{Path: "/hello.md"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)
	assert.Equal(t, "application/octet-stream", actual.Headers.Get("Content-Type"))

	actual, err = testutil.Do(addr, testutil.TestRequest{Path: "/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, actual.StatusCode)

	assert.Contains(t, instance.Logs(), "Serving "+root)
}

func TestGracefulShutdown(t *testing.T) {
	root := writeSite(t, map[string]string{"a.txt": "a"})
	logDir := t.TempDir()
	port, addr := freeAddr(t)
	cfg := &config.Config{
		Servers: []config.ServerConfig{{Port: port, Address: "127.0.0.1", RootDir: root, AllowedExtensions: []string{".txt"}}},
		Logging: quietLogging(logDir),
	}
	instance := startWithConfig(t, cfg, "json", addr)

	_, err := testutil.Do(addr, testutil.TestRequest{Path: "/a.txt"})
	require.NoError(t, err)

	require.NoError(t, instance.Signal(syscall.SIGTERM))
	code, err := instance.WaitExit(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.False(t, instance.ProcessAlive())

	errorLog, err := os.ReadFile(filepath.Join(logDir, "error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errorLog), "All servers have shut down")

	accessLog, err := os.ReadFile(filepath.Join(logDir, "access.log"))
	require.NoError(t, err)
	assert.Contains(t, string(accessLog), `"uri":"/a.txt"`)
}

func TestLogReopenOnHangup(t *testing.T) {
	root := writeSite(t, map[string]string{"a.txt": "a"})
	logDir := t.TempDir()
	port, addr := freeAddr(t)
	cfg := &config.Config{
		Servers: []config.ServerConfig{{Port: port, Address: "127.0.0.1", RootDir: root, AllowedExtensions: []string{".txt"}}},
		Logging: quietLogging(logDir),
	}
	instance := startWithConfig(t, cfg, "yaml", addr)

	accessPath := filepath.Join(logDir, "access.log")
	_, err := testutil.Do(addr, testutil.TestRequest{Path: "/a.txt?before"})
	require.NoError(t, err)
	require.NoError(t, os.Rename(accessPath, accessPath+".1"))

	require.NoError(t, instance.Signal(syscall.SIGHUP))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(logDir, "error.log"))
		return err == nil && strings.Contains(string(data), "Reopened log files")
	}, 5*time.Second, 50*time.Millisecond)

	_, err = testutil.Do(addr, testutil.TestRequest{Path: "/a.txt?after"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(accessPath)
		return err == nil && strings.Contains(string(data), "after")
	}, 5*time.Second, 50*time.Millisecond)
	rotated, err := os.ReadFile(accessPath + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(rotated), "before")
	assert.NotContains(t, string(rotated), "after")
}

func TestConfigValidationFailures(t *testing.T) {
	binary := requireServerBinary(t)
	root := writeSite(t, nil)

	tests := []struct {
		name   string
		cfg    *config.Config
		expect string
	}{
		{
			name:   "no servers",
			cfg:    &config.Config{},
			expect: "servers must contain at least one entry",
		},
		{
			name: "missing extensions",
			cfg: &config.Config{Servers: []config.ServerConfig{
				{Port: 18080, RootDir: root},
			}},
			expect: "allowed_extensions cannot be empty",
		},
		{
			name: "duplicate port",
			cfg: &config.Config{Servers: []config.ServerConfig{
				{Port: 18081, RootDir: root, AllowedExtensions: []string{".html"}},
				{Port: 18081, RootDir: root, AllowedExtensions: []string{".html"}},
			}},
			expect: "port 18081 is already used by servers[0]",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfgPath, err := testutil.WriteTempConfig(t.TempDir(), tc.cfg, "json")
			require.NoError(t, err)

			code, logs, err := testutil.RunToExit(binary, 10*time.Second, "-config", cfgPath)
			require.NoError(t, err)
			assert.Equal(t, 1, code)
			assert.Contains(t, logs, tc.expect)
		})
	}
}

func TestPortInUse(t *testing.T) {
	root := writeSite(t, map[string]string{"a.txt": "a"})
	port, addr := freeAddr(t)
	cfg := &config.Config{
		Servers: []config.ServerConfig{{Port: port, Address: "127.0.0.1", RootDir: root, AllowedExtensions: []string{".txt"}}},
		Logging: &config.LoggingConfig{AccessLog: &config.AccessLogConfig{Enabled: boolPtr(false)}},
	}
	startWithConfig(t, cfg, "json", addr)

	cfgPath, err := testutil.WriteTempConfig(t.TempDir(), cfg, "json")
	require.NoError(t, err)
	code, logs, err := testutil.RunToExit(requireServerBinary(t), 10*time.Second, "-config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, logs, "Port is already in use")
}
