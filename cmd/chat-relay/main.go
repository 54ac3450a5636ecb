package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ClawdCity-Chat/internal/chat"
	"ClawdCity-Chat/internal/config"
	"ClawdCity-Chat/internal/core/network"
	"ClawdCity-Chat/internal/metrics"
	"ClawdCity-Chat/internal/relayapi"
	"ClawdCity-Chat/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "", "http listen address, overrides CHAT_HTTP_ADDR")
	envFile := flag.String("env-file", ".env", "dotenv file read before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	profile, err := session.Profile(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps, err := session.Dial(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		log.Info("Closing transport...")
		_ = ps.Close()
	}()

	tr, err := session.OpenTransport(ps, profile, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var lock sync.Mutex
	chOpts := chat.ChannelOptions{Lock: &lock, PollInterval: cfg.PollInterval, Logger: log, Metrics: m}
	presence := chat.NewPresenceChannel(tr.UserWriter, tr.UserReader, chOpts)
	messages := chat.NewMessageChannel(tr.MessageWriter, tr.MessageReader, chOpts)

	node, _ := ps.(*network.Libp2pPubSub)
	var info relayapi.NodeInfo
	if node != nil {
		info = node
		fmt.Printf("peer id: %s\n", node.PeerID())
		for _, a := range node.ListenAddrs() {
			fmt.Printf("listening on %s\n", a)
		}
	}

	api := relayapi.NewServer(presence, info)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error {
		return presence.Watch(gctx, func(evt chat.PresenceEvent) {
			log.Info("presence", "username", evt.Username, "kind", evt.Kind)
			api.PublishPresence(evt)
		})
	})
	g.Go(func() error { return messages.Watch(gctx, api.PublishMessage) })
	if node != nil {
		g.Go(func() error { return node.WatchPeers(gctx, profile.Users.Name) })
		g.Go(func() error { return node.WatchPeers(gctx, profile.Messages.Name) })
	}
	g.Go(func() error {
		log.Info("Starting relay http server", "address", cfg.HTTPAddr, "at", time.Now().UTC())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		_ = api.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Relay stopped cleanly")
	return nil
}
