package chat

import (
	"context"
	"log/slog"

	"ClawdCity-Chat/internal/core/topic"
)

// MessageChannel sends and receives chat messages. Sending is fire-and-forget.
type MessageChannel struct {
	writer *topic.Writer
	reader *topic.Reader
	opts   ChannelOptions
	log    *slog.Logger
	filter func(ChatMessage) bool
}

func NewMessageChannel(w *topic.Writer, r *topic.Reader, opts ChannelOptions) *MessageChannel {
	opts = opts.withDefaults()
	return &MessageChannel{
		writer: w,
		reader: r,
		opts:   opts,
		log:    opts.Logger.With("channel", "message"),
	}
}

// OnlyAddressedTo restricts delivery to messages addressed to u.
func (m *MessageChannel) OnlyAddressedTo(u UserRecord) {
	m.filter = func(msg ChatMessage) bool { return msg.AddressedTo(u) }
}

// Send publishes msg. Callers serialize it with the shared lock.
func (m *MessageChannel) Send(msg ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := m.writer.Write(msg.FromUser, msg); err != nil {
		return &TransportError{Op: "send message", Err: err}
	}
	m.opts.Metrics.MessageSent()
	return nil
}

// Watch hands every newly received message to handler, in arrival order,
// until ctx is done. handler runs with the shared lock held.
func (m *MessageChannel) Watch(ctx context.Context, handler func(ChatMessage)) error {
	for {
		status, err := m.reader.Wait(ctx, topic.DataAvailable, m.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "wait messages", Err: err}
		}
		if status == 0 {
			continue
		}
		m.opts.Lock.Lock()
		for _, s := range m.reader.Take() {
			if !s.Info.Valid {
				continue
			}
			var msg ChatMessage
			if err := s.Decode(&msg); err != nil {
				m.log.Debug("drop undecodable message", "writer", s.Info.Writer, "err", err)
				m.opts.Metrics.SampleDropped()
				continue
			}
			if m.filter != nil && !m.filter(msg) {
				continue
			}
			m.opts.Metrics.MessageReceived()
			handler(msg)
		}
		m.opts.Lock.Unlock()
	}
}
