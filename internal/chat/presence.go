package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"ClawdCity-Chat/internal/core/topic"
	"ClawdCity-Chat/internal/metrics"
)

const DefaultPollInterval = 500 * time.Millisecond

// ChannelOptions are shared by the presence and message channels.
type ChannelOptions struct {
	// Lock is held while samples are consumed and handlers run.
	Lock         sync.Locker
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.Lock == nil {
		o.Lock = &sync.Mutex{}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// PresenceChannel publishes the local UserRecord and observes everybody else's.
type PresenceChannel struct {
	writer *topic.Writer
	reader *topic.Reader
	opts   ChannelOptions
	log    *slog.Logger
}

func NewPresenceChannel(w *topic.Writer, r *topic.Reader, opts ChannelOptions) *PresenceChannel {
	opts = opts.withDefaults()
	return &PresenceChannel{
		writer: w,
		reader: r,
		opts:   opts,
		log:    opts.Logger.With("channel", "presence"),
	}
}

// Register claims rec.Username on the presence topic.
func (p *PresenceChannel) Register(rec UserRecord) error {
	if err := rec.Validate(); err != nil {
		return &RegistrationError{Username: rec.Username, Err: err}
	}
	if err := p.writer.RegisterInstance(rec.Username); err != nil {
		return &RegistrationError{Username: rec.Username, Err: err}
	}
	return nil
}

// Publish announces rec. Publishing the same record again is harmless.
func (p *PresenceChannel) Publish(rec UserRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := p.writer.Write(rec.Username, rec); err != nil {
		if errors.Is(err, topic.ErrInstanceOwned) {
			return &RegistrationError{Username: rec.Username, Err: err}
		}
		return &TransportError{Op: "publish presence", Err: err}
	}
	return nil
}

// Unregister withdraws rec. Observers see a Left event right away.
func (p *PresenceChannel) Unregister(rec UserRecord) error {
	if err := p.writer.UnregisterInstance(rec.Username); err != nil {
		if errors.Is(err, topic.ErrInstanceNotRegistered) {
			return ErrNotRegistered
		}
		return &TransportError{Op: "unregister presence", Err: err}
	}
	return nil
}

// List returns the users whose instance is alive and carries a valid record,
// ordered by username. Callers serialize it with the shared lock.
func (p *PresenceChannel) List() []UserRecord {
	users := lo.FilterMap(p.reader.Instances(), func(snap topic.InstanceSnapshot, _ int) (UserRecord, bool) {
		if snap.State != topic.InstanceAlive || snap.Last == nil {
			return UserRecord{}, false
		}
		var rec UserRecord
		if err := json.Unmarshal(snap.Last, &rec); err != nil {
			p.log.Debug("skip undecodable user record", "key", snap.Key, "err", err)
			return UserRecord{}, false
		}
		return rec, true
	})
	slices.SortFunc(users, func(a, b UserRecord) int { return strings.Compare(a.Username, b.Username) })
	p.opts.Metrics.UsersAlive(len(users))
	return users
}

// Watch reports presence transitions to handler until ctx is done. It wakes
// only on liveliness changes and reports each transition at most once.
// handler runs with the shared lock held.
func (p *PresenceChannel) Watch(ctx context.Context, handler func(PresenceEvent)) error {
	for {
		status, err := p.reader.Wait(ctx, topic.LivelinessChanged, p.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "wait presence", Err: err}
		}
		if status == 0 {
			continue
		}
		p.opts.Lock.Lock()
		for _, evt := range p.drain() {
			p.opts.Metrics.Presence(string(evt.Kind))
			handler(evt)
		}
		p.opts.Lock.Unlock()
	}
}

func (p *PresenceChannel) drain() []PresenceEvent {
	var events []PresenceEvent
	for _, s := range p.reader.Read() {
		if s.Info.SampleState != topic.SampleNotRead {
			continue
		}
		switch {
		case !s.Info.Valid && s.Info.InstanceState == topic.InstanceNotAliveNoWriters:
			// The payload is gone; the key still names the user.
			events = append(events, PresenceEvent{Username: s.Info.Key, Kind: Left})
		case s.Info.Valid && s.Info.InstanceState == topic.InstanceAlive:
			var rec UserRecord
			if err := s.Decode(&rec); err != nil {
				p.opts.Metrics.SampleDropped()
				continue
			}
			events = append(events, PresenceEvent{Username: s.Info.Key, Group: rec.Group, Kind: Joined})
		}
	}
	return events
}
