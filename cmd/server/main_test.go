package main

import (
	"bytes"
	"flag"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/config"
)

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "", opts.configFilePath)
	assert.Equal(t, 8080, opts.port)
	assert.Equal(t, ".", opts.rootDir)
	assert.Equal(t, defaultExtensions, opts.extensions)
	assert.False(t, opts.noListing)
}

func TestParseFlags_Errors(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"-port", "notanumber"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "invalid value")

	_, err = parseFlags([]string{"stray"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected arguments: stray")

	_, err = parseFlags([]string{"-h"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestBuildConfig_QuickMode(t *testing.T) {
	root := t.TempDir()
	opts, err := parseFlags([]string{
		"-port", "9090",
		"-address", "127.0.0.1",
		"-root", root,
		"-ext", ".HTML, .css,,",
		"-download", ".zip",
		"-no-listing",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg, err := buildConfig(opts)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	sc := cfg.Servers[0]
	assert.Equal(t, 9090, sc.Port)
	assert.Equal(t, "127.0.0.1", sc.Address)
	assert.Equal(t, root, sc.RootDir)
	assert.Equal(t, []string{".css", ".html"}, sc.Allowed.Sorted())
	assert.True(t, sc.Downloadable.Contains(".zip"))
	assert.False(t, sc.ListingEnabled())
	assert.Equal(t, config.DefaultShutdownTimeout, cfg.ShutdownTimeoutDuration)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, config.LogLevelInfo, cfg.Logging.LogLevel)
}

func TestBuildConfig_QuickModeRelativeRoot(t *testing.T) {
	opts, err := parseFlags([]string{"-root", "public"}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg, err := buildConfig(opts)
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "public"), cfg.Servers[0].RootDir)
}

func TestBuildConfig_QuickModeInvalid(t *testing.T) {
	opts, err := parseFlags([]string{"-ext", "html"}, &bytes.Buffer{})
	require.NoError(t, err)

	_, err = buildConfig(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid command-line configuration")
	assert.Contains(t, err.Error(), "must start with a '.'")

	opts, err = parseFlags([]string{"-ext", ""}, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = buildConfig(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_extensions cannot be empty")
}

func TestBuildConfig_File(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
servers:
  - port: 8081
    root_dir: site
    allowed_extensions: [".html"]
  - port: 8082
    root_dir: /srv/other
    allowed_extensions: [".txt"]
shutdown_timeout: 2s
`), 0o644))

	opts, err := parseFlags([]string{"-config", cfgPath, "-port", "1"}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg, err := buildConfig(opts)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, filepath.Join(dir, "site"), cfg.Servers[0].RootDir)
	assert.Equal(t, 8082, cfg.Servers[1].Port)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeoutDuration)
}

func TestBuildConfig_MissingFile(t *testing.T) {
	opts := &options{configFilePath: filepath.Join(t.TempDir(), "absent.json")}
	_, err := buildConfig(opts)
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{".a", ".b"}, splitList(" .a ,, .b,"))
}

func TestPrintBanner(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	disabled := false
	sc := &config.ServerConfig{
		Port:                   8080,
		RootDir:                "/srv/www",
		AllowedExtensions:      []string{".html", ".css"},
		DownloadableExtensions: []string{".zip"},
		ServeDirectoryListing:  &disabled,
	}
	require.NoError(t, sc.Prepare(""))

	var out bytes.Buffer
	printBanner(&out, sc, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080})
	assert.Equal(t, "Serving /srv/www on http://127.0.0.1:8080\n"+
		"  allowed:   .css .html\n"+
		"  downloads: .zip\n"+
		"  directory listing disabled\n", out.String())
}
