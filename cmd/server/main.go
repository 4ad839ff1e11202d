package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"

	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/config"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/logger"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/server"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/util"
)

const defaultExtensions = ".html,.css,.js,.json,.txt,.png,.jpg,.jpeg,.gif,.svg,.ico"

// options holds the parsed command line.
type options struct {
	configFilePath string
	port           int
	address        string
	rootDir        string
	extensions     string
	downloadable   string
	noListing      bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	fs.StringVar(&opts.configFilePath, "config", "", "Path to the configuration file (JSON, TOML or YAML)")
	fs.IntVar(&opts.port, "port", 8080, "Port to listen on when -config is not given")
	fs.StringVar(&opts.address, "address", "", "Address to bind when -config is not given (empty means all interfaces)")
	fs.StringVar(&opts.rootDir, "root", ".", "Directory to serve when -config is not given")
	fs.StringVar(&opts.extensions, "ext", defaultExtensions, "Comma-separated allowed extensions when -config is not given")
	fs.StringVar(&opts.downloadable, "download", "", "Comma-separated extensions sent as attachments when -config is not given")
	fs.BoolVar(&opts.noListing, "no-listing", false, "Answer 403 for directories without index.html when -config is not given")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// buildConfig loads the configuration file named by opts, or assembles a
// single-server configuration from the remaining flags.
func buildConfig(opts *options) (*config.Config, error) {
	if opts.configFilePath != "" {
		absConfigPath, err := filepath.Abs(opts.configFilePath)
		if err != nil {
			return nil, fmt.Errorf("error getting absolute path for config file %s: %w", opts.configFilePath, err)
		}
		return config.LoadConfig(absConfigPath)
	}

	listing := !opts.noListing
	cfg := &config.Config{
		Servers: []config.ServerConfig{{
			Port:                   opts.port,
			Address:                opts.address,
			RootDir:                opts.rootDir,
			AllowedExtensions:      splitList(opts.extensions),
			DownloadableExtensions: splitList(opts.downloadable),
			ServeDirectoryListing:  &listing,
		}},
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cannot determine working directory: %w", err)
	}
	if err := cfg.Prepare(wd); err != nil {
		return nil, fmt.Errorf("invalid command-line configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printBanner(w io.Writer, sc *config.ServerConfig, addr net.Addr) {
	color.New(color.FgGreen, color.Bold).Fprintf(w, "Serving %s", sc.RootDir)
	fmt.Fprintf(w, " on http://%s\n", addr)
	color.New(color.FgCyan).Fprintf(w, "  allowed:   %s\n", strings.Join(sc.Allowed.Sorted(), " "))
	if len(sc.Downloadable) > 0 {
		color.New(color.FgCyan).Fprintf(w, "  downloads: %s\n", strings.Join(sc.Downloadable.Sorted(), " "))
	}
	if !sc.ListingEnabled() {
		color.New(color.FgYellow).Fprintln(w, "  directory listing disabled")
	}
}

// reopenOnHangup reopens file log targets on every SIGHUP until ctx is done.
func reopenOnHangup(ctx context.Context, lg *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := lg.ReopenLogFiles(); err != nil {
				lg.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				continue
			}
			lg.Info("Reopened log files", nil)
		}
	}
}

func run(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reopenOnHangup(ctx, appLogger)

	var servers []*server.Server
	for i := range cfg.Servers {
		sc := &cfg.Servers[i]
		srv, err := server.NewServer(sc, appLogger, cfg.ShutdownTimeoutDuration)
		if err != nil {
			appLogger.Error("Failed to initialize server", logger.LogFields{"port": sc.Port, "error": err.Error()})
			continue
		}
		if err := srv.Listen(); err != nil {
			msg := "Failed to start listener"
			if util.IsAddrInUse(err) {
				msg = "Port is already in use"
			}
			appLogger.Error(msg, logger.LogFields{"port": sc.Port, "error": err.Error()})
			continue
		}
		printBanner(os.Stdout, sc, srv.Addr())
		servers = append(servers, srv)
	}
	if len(servers) == 0 {
		appLogger.Error("No server could be started", nil)
		return 1
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *server.Server) {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				failed.Add(1)
				appLogger.Error("Server exited with an error", logger.LogFields{"address": srv.Addr().String(), "error": err.Error()})
			}
		}(srv)
	}
	wg.Wait()

	if int(failed.Load()) == len(servers) {
		appLogger.Error("Every listener failed", nil)
		return 1
	}
	appLogger.Info("All servers have shut down. Main application exiting.", nil)
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
