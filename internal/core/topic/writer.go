package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ClawdCity-Chat/internal/core/network"
)

// OwnershipView reports which writers are currently alive for an instance.
// *Reader implements it.
type OwnershipView interface {
	Writers(key string) []string
}

type WriterOptions struct {
	// Lease is the liveliness lease announced to readers. Heartbeats are sent
	// every Lease/3. Zero disables heartbeats and lease expiry.
	Lease time.Duration
	// Durable writers replay the last value of every registered instance in
	// their heartbeats so that late-joining readers converge.
	Durable bool
	// Exclusive rejects registration of a key another live writer owns, as
	// reported by Owners.
	Exclusive bool
	Owners    OwnershipView
	Logger    *slog.Logger
}

// Writer publishes keyed samples on one topic.
type Writer struct {
	id    string
	topic string
	ps    network.PubSub
	opts  WriterOptions
	log   *slog.Logger

	mu        sync.Mutex
	closed    bool
	instances map[string]json.RawMessage
}

func NewWriter(ps network.PubSub, topic string, opts WriterOptions) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Writer{
		id:        id,
		topic:     topic,
		ps:        ps,
		opts:      opts,
		log:       logger.With("topic", topic, "writer", id),
		instances: make(map[string]json.RawMessage),
	}
}

func (w *Writer) ID() string { return w.id }

func (w *Writer) Topic() string { return w.topic }

// RegisterInstance declares the writer as a source for key without
// publishing a value.
func (w *Writer) RegisterInstance(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkRegisterLocked(key); err != nil {
		return err
	}
	if _, ok := w.instances[key]; ok {
		return ErrInstanceRegistered
	}
	w.instances[key] = nil
	return nil
}

func (w *Writer) checkRegisterLocked(key string) error {
	if w.closed {
		return ErrClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	if w.opts.Exclusive && w.opts.Owners != nil {
		for _, owner := range w.opts.Owners.Writers(key) {
			if owner != w.id {
				return fmt.Errorf("%w: %q held by %s", ErrInstanceOwned, key, owner)
			}
		}
	}
	return nil
}

// Write publishes v for key, registering the instance if needed.
func (w *Writer) Write(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s sample: %w", w.topic, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.instances[key]; !ok {
		if err := w.checkRegisterLocked(key); err != nil {
			return err
		}
	} else if w.closed {
		return ErrClosed
	}
	w.instances[key] = data
	return w.publishLocked(envelope{Kind: kindData, Key: key, Data: data})
}

// UnregisterInstance withdraws the writer from key. Readers see the instance
// lose this writer immediately instead of waiting for the lease.
func (w *Writer) UnregisterInstance(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.instances[key]; !ok {
		return ErrInstanceNotRegistered
	}
	delete(w.instances, key)
	return w.publishLocked(envelope{Kind: kindUnregister, Key: key})
}

// Dispose marks key as deleted for all readers. The registration is kept.
func (w *Writer) Dispose(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.instances[key]; !ok {
		return ErrInstanceNotRegistered
	}
	w.instances[key] = nil
	return w.publishLocked(envelope{Kind: kindDispose, Key: key})
}

// Registered lists the keys the writer currently holds.
func (w *Writer) Registered() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.instances))
	for k := range w.instances {
		out = append(out, k)
	}
	return out
}

// Run sends heartbeats until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w.opts.Lease <= 0 {
		<-ctx.Done()
		return nil
	}
	w.heartbeat()
	ticker := time.NewTicker(w.opts.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

func (w *Writer) heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	env := envelope{Kind: kindHeartbeat}
	if w.opts.Durable {
		for k, v := range w.instances {
			if v == nil {
				continue
			}
			if env.Instances == nil {
				env.Instances = make(map[string]json.RawMessage, len(w.instances))
			}
			env.Instances[k] = v
		}
	}
	if err := w.publishLocked(env); err != nil {
		w.log.Warn("heartbeat failed", "err", err)
	}
}

// Close unregisters every remaining instance. Further calls fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var firstErr error
	for k := range w.instances {
		if err := w.publishLocked(envelope{Kind: kindUnregister, Key: k}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.instances = make(map[string]json.RawMessage)
	return firstErr
}

// publishLocked keeps envelopes of one writer in order; w.mu must be held.
func (w *Writer) publishLocked(env envelope) error {
	env.Writer = w.id
	env.Lease = w.opts.Lease
	env.At = time.Now().UTC()
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := w.ps.Publish(w.topic, b); err != nil {
		return fmt.Errorf("publish %s on %s: %w", env.Kind, w.topic, err)
	}
	return nil
}
