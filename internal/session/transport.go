package session

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"ClawdCity-Chat/internal/config"
	"ClawdCity-Chat/internal/core/network"
	"ClawdCity-Chat/internal/core/topic"
)

// Transport holds the readers and writers of the two chat topics.
type Transport struct {
	UserWriter    *topic.Writer
	UserReader    *topic.Reader
	MessageWriter *topic.Writer
	MessageReader *topic.Reader
}

// OpenTransport subscribes to the topics named by profile on ps.
func OpenTransport(ps network.PubSub, profile config.Profile, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	userReader, err := topic.NewReader(ps, profile.Users.Name, topic.ReaderOptions{
		Depth:  profile.Users.Depth,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", profile.Users.Name, err)
	}
	msgReader, err := topic.NewReader(ps, profile.Messages.Name, topic.ReaderOptions{
		Depth:  profile.Messages.Depth,
		Logger: log,
	})
	if err != nil {
		userReader.Close()
		return nil, fmt.Errorf("subscribe %s: %w", profile.Messages.Name, err)
	}
	return &Transport{
		UserReader:    userReader,
		MessageReader: msgReader,
		UserWriter: topic.NewWriter(ps, profile.Users.Name, topic.WriterOptions{
			Lease:     profile.Users.Lease,
			Durable:   profile.Users.Durable,
			Exclusive: profile.Users.Exclusive,
			Owners:    userReader,
			Logger:    log,
		}),
		MessageWriter: topic.NewWriter(ps, profile.Messages.Name, topic.WriterOptions{
			Lease:     profile.Messages.Lease,
			Durable:   profile.Messages.Durable,
			Exclusive: profile.Messages.Exclusive,
			Owners:    msgReader,
			Logger:    log,
		}),
	}, nil
}

// Run drives subscriptions and heartbeats until ctx is done or a
// subscription is lost.
func (t *Transport) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.UserReader.Run(gctx) })
	g.Go(func() error { return t.MessageReader.Run(gctx) })
	g.Go(func() error { return t.UserWriter.Run(gctx) })
	g.Go(func() error { return t.MessageWriter.Run(gctx) })
	return g.Wait()
}

// Close withdraws every instance still registered and drops the subscriptions.
func (t *Transport) Close() error {
	userErr := t.UserWriter.Close()
	msgErr := t.MessageWriter.Close()
	t.UserReader.Close()
	t.MessageReader.Close()
	if userErr != nil {
		return userErr
	}
	return msgErr
}
