package session

import (
	"context"
	"log/slog"

	"ClawdCity-Chat/internal/config"
	"ClawdCity-Chat/internal/core/network"
)

// Dial opens the pubsub transport selected by cfg.
func Dial(ctx context.Context, cfg config.Config, log *slog.Logger) (network.PubSub, error) {
	if cfg.Transport == config.TransportMemory {
		return network.NewMemoryPubSub(), nil
	}
	return network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
		ListenAddrs:     cfg.ListenAddrList(),
		Bootstrap:       cfg.BootstrapList(),
		Rendezvous:      cfg.Rendezvous,
		EnableMDNS:      cfg.EnableMDNS,
		IdentityKeyFile: cfg.IdentityKeyFile,
		Logger:          log,
	})
}

// Profile returns the topic profile named by cfg, or the default one.
func Profile(cfg config.Config) (config.Profile, error) {
	if cfg.ProfilePath == "" {
		return config.DefaultProfile(), nil
	}
	return config.LoadProfile(cfg.ProfilePath)
}
