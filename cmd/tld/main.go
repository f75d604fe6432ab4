// Command tld is the tl checkpoint daemon (spec §1): one long-running
// process per repository that watches a working tree, reconciles
// changes into content-addressed checkpoints, and answers control-plane
// queries over a Unix domain socket.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Version is stamped at build time in a real release pipeline; the
// default "dev" here is reported as-is in the startup log line.
var Version = "dev"

func main() {
	repoFlag := flag.String("repo", "", "repository root (default: discover by walking up from cwd for a .tl directory)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	repoRoot, err := resolveRepoRoot(*repoFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tld:", err)
		os.Exit(1)
	}

	cfg := NewDefaultConfig(repoRoot)
	cfg.MetricsAddr = *metricsAddr

	if err := os.MkdirAll(filepath.Join(cfg.TlDir, "logs"), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "tld:", err)
		os.Exit(2)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.TlDir, "logs", "daemon.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tld:", err)
		os.Exit(2)
	}
	defer logFile.Close()

	log := slog.New(slog.NewTextHandler(io.MultiWriter(logFile, os.Stderr), nil)).With("repo", repoRoot)
	log.Info("starting", "version", Version)

	d, err := Start(cfg, log)
	if err != nil {
		log.Error("failed to start daemon", "error", err)
		if tlerrors.Is(err, tlerrors.KindLockHeld) {
			os.Exit(2)
		}
		os.Exit(2)
	}
	defer d.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case <-shutdownRequested:
		log.Info("shutdown requested over IPC")
	}
}

// resolveRepoRoot returns explicit if non-empty, otherwise walks upward
// from the current directory looking for a ".tl" directory (spec §6:
// "The runtime directory is discovered by walking upward... failure is
// a validation error").
func resolveRepoRoot(explicit string) (string, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", tlerrors.New(tlerrors.KindValidation, err)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", tlerrors.New(tlerrors.KindValidation, err)
	}

	dir := cwd
	for {
		if info, err := os.Stat(filepath.Join(dir, ".tl")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{Path: cwd, Reason: "no .tl directory found in any parent"})
		}
		dir = parent
	}
}
