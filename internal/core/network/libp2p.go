package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	subscriptionBuffer = 256
	// closeFlushGrace is how long Close waits after the last publish so that
	// queued gossip leaves the host before it shuts down.
	closeFlushGrace = 300 * time.Millisecond
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	Logger          *slog.Logger
}

// Libp2pPubSub provides gossip-based pubsub over libp2p.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu          sync.Mutex
	closed      bool
	topics      map[string]*pubsub.Topic
	lastPublish time.Time
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listenAddrs, err := parseListenAddrs(opts.ListenAddrs)
	if err != nil {
		return nil, err
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With("component", "libp2p", "peer_id", h.ID().String()),
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.EnableMDNS {
		p.mdns = mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: p.log})
		if err := p.mdns.Start(); err != nil {
			p.log.Warn("mdns start failed", "err", err)
		}
	}

	p.connectBootstrap(opts.Bootstrap)
	return p, nil
}

func parseListenAddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		out = append(out, a)
	}
	return out, nil
}

func (p *Libp2pPubSub) connectBootstrap(addrs []string) {
	for _, raw := range addrs {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			p.log.Warn("skip bootstrap addr", "addr", raw, "err", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			p.log.Warn("skip bootstrap addr", "addr", raw, "err", err)
			continue
		}
		if err := p.host.Connect(p.ctx, *info); err != nil {
			p.log.Warn("bootstrap connect failed", "peer", info.ID.String(), "err", err)
			continue
		}
		p.log.Info("connected bootstrap peer", "peer", info.ID.String())
	}
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(p.ctx, payload); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastPublish = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Message, subscriptionBuffer)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- Message{Topic: topic, From: msg.GetFrom().String(), Payload: append([]byte(nil), msg.Data...)}:
			default:
				p.log.Warn("subscriber lagging, sample dropped", "topic", topic)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			subCancel()
			sub.Cancel()
		})
	}
	return out, cancel, nil
}

// flushWait returns how much longer to wait at now for a publish made at last
// to drain, given grace.
func flushWait(last, now time.Time, grace time.Duration) time.Duration {
	if last.IsZero() {
		return 0
	}
	if rest := grace - now.Sub(last); rest > 0 {
		return rest
	}
	return 0
}

// WatchPeers logs gossip mesh joins and leaves on topic until ctx is done.
func (p *Libp2pPubSub) WatchPeers(ctx context.Context, topic string) error {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	handler, err := t.EventHandler()
	if err != nil {
		return fmt.Errorf("topic event handler: %w", err)
	}
	defer handler.Cancel()
	for {
		evt, err := handler.NextPeerEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch evt.Type {
		case pubsub.PeerJoin:
			p.log.Debug("peer joined topic", "topic", topic, "peer", evt.Peer.String())
		case pubsub.PeerLeave:
			p.log.Debug("peer left topic", "topic", topic, "peer", evt.Peer.String())
		}
	}
}

func (p *Libp2pPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	wait := flushWait(p.lastPublish, time.Now(), closeFlushGrace)
	p.mu.Unlock()

	// Unregister envelopes published just before Close must reach peers
	// before the host goes away.
	if wait > 0 {
		time.Sleep(wait)
	}

	p.mu.Lock()
	for _, t := range p.topics {
		_ = t.Close()
	}
	p.mu.Unlock()

	p.cancel()
	var errs []error
	if p.mdns != nil {
		errs = append(errs, p.mdns.Close())
	}
	errs = append(errs, p.host.Close())
	return errors.Join(errs...)
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

func (p *Libp2pPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

// TopicPeers lists the peers currently known to be subscribed to topic.
func (p *Libp2pPubSub) TopicPeers(topic string) []string {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil
	}
	peers := t.ListPeers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %q: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
	log  *slog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug("mdns connect failed", "peer", info.ID.String(), "err", err)
		return
	}
	n.log.Debug("mdns peer connected", "peer", info.ID.String())
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
