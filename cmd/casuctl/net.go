package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"casunet/internal/diag"
	"casunet/internal/model"
	"casunet/internal/platform"
	"casunet/internal/relay"
	"casunet/internal/storage"
	"casunet/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func flagLogger(level string, debugLevel int, prefix string) (*diag.Logger, error) {
	parsed, err := diag.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return diag.New(diag.Config{
		Logger:     stderrLogger(),
		Level:      parsed,
		DebugLevel: debugLevel,
		Prefix:     prefix,
	}), nil
}

func runHub(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8765", "listen address")
	path := fs.String("path", "/casu", "websocket path")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warning|error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := flagLogger(*logLevel, 0, "hub")
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	hub := transport.NewHub(logger)
	mux := http.NewServeMux()
	mux.Handle(*path, hub)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	fmt.Printf("hub listening on ws://%s%s\n", ln.Addr(), *path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	routed, dropped := hub.Stats()
	fmt.Printf("hub stopped routed=%d dropped=%d\n", routed, dropped)
	return err
}

func runRelay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	name := fs.String("name", relay.RunMode, "relay id on both hubs")
	localURL := fs.String("local", "", "local hub URL")
	remoteURL := fs.String("remote", "", "remote hub URL")
	localIDs := fs.String("local-ids", "", "ids answered for on the local hub, comma separated")
	remoteIDs := fs.String("remote-ids", "", "ids answered for on the remote hub, comma separated")
	inboundDest := fs.String("inbound-dest", "", "remote to local destination fan-out, e.g. casu-001=casu-031")
	inboundSenders := fs.String("inbound-senders", "", "remote to local sender renames")
	outboundDest := fs.String("outbound-dest", "", "local to remote destination fan-out")
	outboundSenders := fs.String("outbound-senders", "", "local to remote sender renames, e.g. casu-031=casu-001")
	maxRestarts := fs.Int("max-restarts", 0, "route worker restarts before giving up, 0 for unlimited")
	storeKind := fs.String("store", "file", "store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", defaultLogDir, "log directory or sqlite database path")
	logLevel := fs.String("log-level", "warning", "log level: debug|info|warning|error")
	debugLevel := fs.Int("debug-level", 0, "debug verbosity, 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *localURL == "" || *remoteURL == "" {
		return usageError("local and remote hub URLs are required")
	}
	if *maxRestarts < 0 {
		return errors.New("max-restarts must be >= 0")
	}

	inDest, err := parseFanout(*inboundDest)
	if err != nil {
		return fmt.Errorf("inbound-dest: %w", err)
	}
	inSenders, err := parseRenames(*inboundSenders)
	if err != nil {
		return fmt.Errorf("inbound-senders: %w", err)
	}
	outDest, err := parseFanout(*outboundDest)
	if err != nil {
		return fmt.Errorf("outbound-dest: %w", err)
	}
	outSenders, err := parseRenames(*outboundSenders)
	if err != nil {
		return fmt.Errorf("outbound-senders: %w", err)
	}
	logger, err := flagLogger(*logLevel, *debugLevel, *name)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	local, err := transport.Dial(ctx, *localURL, model.NodeID(*name), transport.DefaultQueueCapacity, splitIDs(*localIDs)...)
	if err != nil {
		return fmt.Errorf("local hub: %w", err)
	}
	defer func() {
		_ = local.Close()
	}()
	remote, err := transport.Dial(ctx, *remoteURL, model.NodeID(*name), transport.DefaultQueueCapacity, splitIDs(*remoteIDs)...)
	if err != nil {
		return fmt.Errorf("remote hub: %w", err)
	}
	defer func() {
		_ = remote.Close()
	}()

	policy := platform.DefaultPolicy()
	policy.MaxRestarts = *maxRestarts
	r, err := relay.New(relay.Config{
		Name: *name,
		Routes: []relay.Route{
			{Name: "inbound", From: remote, To: local, Senders: inSenders, Destinations: inDest},
			{Name: "outbound", From: local, To: remote, Senders: outSenders, Destinations: outDest},
		},
		Policy: policy,
	}, store, logger)
	if err != nil {
		return err
	}
	fmt.Printf("relay run_id=%s local=%s remote=%s\n", r.RunID(), *localURL, *remoteURL)
	if err := r.Run(ctx); err != nil {
		return err
	}
	for _, st := range r.Stats() {
		fmt.Printf("route=%s received=%d forwarded=%d failed=%d\n", st.Route, st.Received, st.Forwarded, st.Failed)
	}
	return nil
}
