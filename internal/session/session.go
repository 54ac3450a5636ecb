// Package session runs one user's chat: presence registration, the two watch
// loops and the command loop, all sharing a single output lock.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ClawdCity-Chat/internal/chat"
	"ClawdCity-Chat/internal/console"
	"ClawdCity-Chat/internal/metrics"
)

// errShutdown ends the loop group when the command loop stops normally.
var errShutdown = errors.New("shutdown requested")

// Identity is the local user as given on the command line.
type Identity struct {
	Username  string
	Group     string
	FirstName string
	LastName  string
}

func (id Identity) record() chat.UserRecord {
	return chat.UserRecord{
		Username:  id.Username,
		Group:     id.Group,
		FirstName: id.FirstName,
		LastName:  id.LastName,
	}
}

type Options struct {
	Input         io.Reader
	Output        io.Writer
	Colored       bool
	PollInterval  time.Duration
	OnlyAddressed bool
	// JoinWait lets the transport hear existing users before the local
	// username is claimed.
	JoinWait   time.Duration
	SendLimit  int
	SendWindow time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Session owns the local UserRecord for its whole lifetime.
type Session struct {
	user      chat.UserRecord
	opts      Options
	log       *slog.Logger
	transport *Transport

	mu       sync.Mutex
	presence *chat.PresenceChannel
	messages *chat.MessageChannel
	commands *console.Processor
	printer  *console.Printer

	stopTransport context.CancelFunc
	transportDone chan error

	leaveOnce sync.Once
	leaveErr  error
}

// Start registers and publishes the local user. The returned session must be
// ended with Run or Close. On failure t is closed.
func Start(ctx context.Context, t *Transport, id Identity, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	s := &Session{
		user:          id.record(),
		opts:          opts,
		log:           opts.Logger.With("user", id.Username),
		transport:     t,
		transportDone: make(chan error, 1),
	}
	chOpts := chat.ChannelOptions{
		Lock:         &s.mu,
		PollInterval: opts.PollInterval,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	}
	s.presence = chat.NewPresenceChannel(t.UserWriter, t.UserReader, chOpts)
	s.messages = chat.NewMessageChannel(t.MessageWriter, t.MessageReader, chOpts)
	if opts.OnlyAddressed {
		s.messages.OnlyAddressedTo(s.user)
	}
	s.printer = console.NewPrinter(opts.Output, opts.Colored)
	s.commands = console.NewProcessor(s.user.Username, s.presence, s.messages, &s.mu, s.printer, opts.Logger)
	s.commands.LimitSends(opts.SendLimit, opts.SendWindow)

	transportCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopTransport = cancel
	go func() { s.transportDone <- t.Run(transportCtx) }()

	if err := s.joinWait(ctx); err != nil {
		s.abort()
		return nil, err
	}
	if err := s.presence.Register(s.user); err != nil {
		s.abort()
		return nil, err
	}
	if err := s.presence.Publish(s.user); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.log.Info("joined chat", "group", s.user.Group)
	return s, nil
}

func (s *Session) joinWait(ctx context.Context) error {
	if s.opts.JoinWait <= 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.JoinWait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort releases the transport of a session that never registered.
func (s *Session) abort() {
	s.leaveOnce.Do(func() {
		s.leaveErr = s.transport.Close()
		s.stopTransport()
	})
}

func (s *Session) User() chat.UserRecord { return s.user }

// Presence exposes the presence channel, mainly for listing users.
func (s *Session) Presence() *chat.PresenceChannel { return s.presence }

// Run blocks until the command loop stops, ctx is cancelled or a transport
// failure ends one of the loops. The local user is then unregistered.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.presence.Watch(gctx, s.onPresence)
	})
	g.Go(func() error {
		return s.messages.Watch(gctx, s.printer.Message)
	})
	g.Go(func() error {
		if err := s.commands.Run(gctx, s.input()); err != nil {
			return err
		}
		return errShutdown
	})
	g.Go(func() error {
		// A lost subscription ends the session as if shutdown were requested.
		select {
		case err := <-s.transportDone:
			s.transportDone <- err
			if err != nil {
				return &chat.TransportError{Op: "transport", Err: err}
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if errors.Is(err, errShutdown) {
		err = nil
	}
	if closeErr := s.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *Session) input() io.Reader {
	if s.opts.Input == nil {
		return eofReader{}
	}
	return s.opts.Input
}

func (s *Session) onPresence(evt chat.PresenceEvent) {
	if evt.Kind == chat.Joined {
		s.log.Debug("user joined", "username", evt.Username, "group", evt.Group)
	}
	s.printer.Presence(evt)
}

// Close unregisters the local user exactly once and stops the transport.
func (s *Session) Close() error {
	s.leaveOnce.Do(func() {
		s.mu.Lock()
		err := s.presence.Unregister(s.user)
		s.mu.Unlock()
		if err != nil && !errors.Is(err, chat.ErrNotRegistered) {
			s.leaveErr = err
		}
		if closeErr := s.transport.Close(); s.leaveErr == nil {
			s.leaveErr = closeErr
		}
		s.stopTransport()
		s.log.Info("left chat")
	})
	return s.leaveErr
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
