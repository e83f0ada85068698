// Collaborative-editing relay core
//
// Multiplexes CRDT update streams over WebSockets grouped into rooms,
// authenticates joiners via shared-secret HMAC tokens with
// first-writer-wins semantics, persists room state encrypted at rest,
// and optionally forwards updates to an external relay via an
// outbound bridge.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ephemeral/relay/internal/bridge"
	"github.com/ephemeral/relay/internal/config"
	"github.com/ephemeral/relay/internal/logging"
	"github.com/ephemeral/relay/internal/persistence"
	"github.com/ephemeral/relay/internal/room"
	"github.com/ephemeral/relay/internal/server"
	"github.com/ephemeral/relay/internal/sidecar"
	"go.uber.org/zap"
)

func main() {
	certFile := flag.String("cert", "", "TLS certificate file")
	keyFile := flag.String("key", "", "TLS key file")
	insecure := flag.Bool("insecure", false, "Run without TLS (development only)")
	development := flag.Bool("development", false, "Human-readable console logging instead of JSON")
	flag.Parse()

	if err := logging.Initialize(*development); err != nil {
		fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logging.Error(nil, "configuration invalid", zap.Error(err))
		os.Exit(1)
	}

	var store *persistence.Store
	if cfg.PersistenceDir != "" {
		store, err = persistence.Open(cfg.PersistenceDir)
		if err != nil {
			logging.Error(nil, "failed to open persistence store", zap.Error(err))
			os.Exit(1)
		}
		defer store.Close()
	}

	registry := room.NewRegistry(store, room.Config{
		MaxUpdateBytes:  cfg.MaxUpdateBytes,
		IdleRoomTimeout: time.Duration(cfg.IdleRoomTimeout) * time.Second,
		DebounceFlush:   time.Duration(cfg.DebounceFlushMs) * time.Millisecond,
		FlushCeiling:    time.Duration(cfg.FlushCeilingMs) * time.Millisecond,
	})

	var bridgeMgr *bridge.Manager
	if cfg.RelayBaseURL != "" {
		bridgeMgr, err = bridge.NewManager(registry, cfg.RelayBaseURL, cfg.OutboundProxy)
		if err != nil {
			logging.Error(nil, "failed to build bridge manager", zap.Error(err))
			os.Exit(1)
		}
		registry.SetKeyListener(bridgeMgr.HandleKeyEvent)
	}

	keyDelivery := sidecar.NewKeyDelivery(32)
	sidecarCtx, cancelSidecar := context.WithCancel(context.Background())
	go sidecar.Consume(sidecarCtx, keyDelivery, registry)

	srv := server.New(registry, server.Options{ListenAddress: cfg.ListenAddress})

	if !*insecure {
		if *certFile == "" || *keyFile == "" {
			logging.Error(nil, "TLS cert and key required unless -insecure is set")
			os.Exit(1)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(nil, "relay listening",
			zap.String("address", cfg.ListenAddress),
			zap.Bool("insecure", *insecure),
			zap.Bool("persistence_enabled", cfg.PersistenceDir != ""),
			zap.Bool("bridging_enabled", cfg.RelayBaseURL != ""),
		)
		if *insecure {
			errCh <- srv.ListenAndServe()
			return
		}
		errCh <- listenAndServeTLS(srv, *certFile, *keyFile)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info(nil, "shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logging.Error(nil, "server error", zap.Error(err))
		}
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelSidecar()
	if bridgeMgr != nil {
		bridgeMgr.Shutdown()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn(ctx, "http server shutdown did not complete cleanly", zap.Error(err))
	}
	registry.Shutdown(ctx)

	logging.Info(nil, "shutdown complete")
}

// listenAndServeTLS serves srv over TLS 1.3 with a restricted cipher suite.
func listenAndServeTLS(srv *server.Server, certFile, keyFile string) error {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_CHACHA20_POLY1305_SHA256,
		},
	}
	return srv.ListenAndServeTLSWith(certFile, keyFile, tlsCfg)
}
