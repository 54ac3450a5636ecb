package topic

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ClawdCity-Chat/internal/core/network"
)

const (
	maxQueuedSamples             = 1024
	defaultLivelinessCheckPeriod = 100 * time.Millisecond
)

type ReaderOptions struct {
	// Depth is the number of samples kept per instance. Zero keeps every
	// sample until taken, up to an internal cap.
	Depth int
	// CheckPeriod is how often writer leases are evaluated.
	CheckPeriod time.Duration
	Logger      *slog.Logger
}

type sample struct {
	seq    uint64
	data   json.RawMessage
	valid  bool
	read   bool
	writer string
	at     time.Time
}

type instance struct {
	key     string
	state   InstanceState
	writers map[string]struct{}
	samples []*sample
}

type writerLease struct {
	lastSeen time.Time
	lease    time.Duration
}

// Reader subscribes to one topic and tracks instance state per key.
type Reader struct {
	topic string
	opts  ReaderOptions
	log   *slog.Logger

	msgs   <-chan network.Message
	cancel func()

	mu        sync.Mutex
	closed    bool
	instances map[string]*instance
	order     []string
	writers   map[string]*writerLease
	pending   StatusKind
	notify    chan struct{}
	seq       uint64
}

// NewReader subscribes immediately so that nothing published after it
// returns is missed, even before Run is called.
func NewReader(ps network.PubSub, topic string, opts ReaderOptions) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = defaultLivelinessCheckPeriod
	}
	msgs, cancel, err := ps.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	return &Reader{
		topic:     topic,
		opts:      opts,
		log:       logger.With("topic", topic),
		msgs:      msgs,
		cancel:    cancel,
		instances: make(map[string]*instance),
		writers:   make(map[string]*writerLease),
		notify:    make(chan struct{}, 1),
	}, nil
}

func (r *Reader) Topic() string { return r.topic }

// Run consumes the subscription and expires writer leases until ctx is done.
// It returns ErrSubscriptionClosed when the transport goes away.
func (r *Reader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.CheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.msgs:
			if !ok {
				r.markClosed()
				return ErrSubscriptionClosed
			}
			var env envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				r.log.Debug("drop undecodable envelope", "from", msg.From, "err", err)
				continue
			}
			r.apply(env, time.Now())
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

func (r *Reader) apply(env envelope, now time.Time) {
	if env.Writer == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if wl, ok := r.writers[env.Writer]; ok {
		wl.lastSeen = now
		wl.lease = env.Lease
	} else {
		r.writers[env.Writer] = &writerLease{lastSeen: now, lease: env.Lease}
	}

	switch env.Kind {
	case kindData:
		r.writeLocked(env.Key, env.Writer, env.Data, env.At)
	case kindHeartbeat:
		for key, data := range env.Instances {
			if inst, ok := r.instances[key]; ok && inst.state == InstanceAlive {
				if _, known := inst.writers[env.Writer]; known {
					continue
				}
			}
			r.writeLocked(key, env.Writer, data, env.At)
		}
	case kindUnregister:
		if inst, ok := r.instances[env.Key]; ok {
			r.dropWriterLocked(inst, env.Writer, env.At)
		}
	case kindDispose:
		inst, ok := r.instances[env.Key]
		if !ok || inst.state == InstanceNotAliveDisposed {
			return
		}
		inst.state = InstanceNotAliveDisposed
		r.appendLocked(inst, &sample{writer: env.Writer, at: env.At})
		r.signalLocked(DataAvailable)
	}
}

func (r *Reader) writeLocked(key, writer string, data json.RawMessage, at time.Time) {
	if key == "" {
		return
	}
	inst, ok := r.instances[key]
	if !ok {
		inst = &instance{key: key, writers: make(map[string]struct{})}
		r.instances[key] = inst
		r.order = append(r.order, key)
	}
	status := DataAvailable
	if _, known := inst.writers[writer]; !known {
		inst.writers[writer] = struct{}{}
		status |= LivelinessChanged
	}
	if inst.state != InstanceAlive {
		status |= LivelinessChanged
	}
	inst.state = InstanceAlive
	r.appendLocked(inst, &sample{data: data, valid: true, writer: writer, at: at})
	r.signalLocked(status)
}

func (r *Reader) dropWriterLocked(inst *instance, writer string, at time.Time) {
	if _, ok := inst.writers[writer]; !ok {
		return
	}
	delete(inst.writers, writer)
	status := LivelinessChanged
	if len(inst.writers) == 0 && inst.state == InstanceAlive {
		inst.state = InstanceNotAliveNoWriters
		r.appendLocked(inst, &sample{writer: writer, at: at})
		status |= DataAvailable
	}
	r.signalLocked(status)
}

func (r *Reader) appendLocked(inst *instance, s *sample) {
	r.seq++
	s.seq = r.seq
	inst.samples = append(inst.samples, s)
	limit := r.opts.Depth
	if limit <= 0 {
		limit = maxQueuedSamples
	}
	if over := len(inst.samples) - limit; over > 0 {
		inst.samples = append([]*sample(nil), inst.samples[over:]...)
	}
}

func (r *Reader) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, wl := range r.writers {
		if wl.lease <= 0 || now.Sub(wl.lastSeen) <= wl.lease {
			continue
		}
		delete(r.writers, id)
		r.log.Debug("writer lease expired", "writer", id, "lease", wl.lease)
		for _, key := range r.order {
			r.dropWriterLocked(r.instances[key], id, now.UTC())
		}
	}
}

func (r *Reader) signalLocked(s StatusKind) {
	r.pending |= s
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until one of the statuses in mask is pending, timeout elapses
// or ctx is done. Returned statuses are cleared. A timeout yields (0, nil).
func (r *Reader) Wait(ctx context.Context, mask StatusKind, timeout time.Duration) (StatusKind, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return 0, ErrClosed
		}
		if got := r.pending & mask; got != 0 {
			r.pending &^= got
			r.mu.Unlock()
			return got, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return 0, nil
		case <-r.notify:
		}
	}
}

// Read returns every retained sample in arrival order, reporting the sample
// state it had before this call, and marks them read.
func (r *Reader) Read() []Sample {
	return r.collect(false)
}

// Take returns every retained sample in arrival order and removes them.
func (r *Reader) Take() []Sample {
	return r.collect(true)
}

func (r *Reader) collect(remove bool) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sample
	for _, key := range r.order {
		inst := r.instances[key]
		for _, s := range inst.samples {
			state := SampleNotRead
			if s.read {
				state = SampleRead
			}
			out = append(out, Sample{
				Data: s.data,
				Info: SampleInfo{
					Key:           inst.key,
					Valid:         s.valid,
					InstanceState: inst.state,
					SampleState:   state,
					Writer:        s.writer,
					SourceTime:    s.at,
					Sequence:      s.seq,
				},
			})
			s.read = true
		}
		if remove {
			inst.samples = nil
		}
	}
	if remove {
		r.purgeLocked()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Info.Sequence < out[j].Info.Sequence })
	return out
}

// purgeLocked forgets instances that are not alive and hold no samples.
func (r *Reader) purgeLocked() {
	kept := r.order[:0]
	for _, key := range r.order {
		inst := r.instances[key]
		if inst.state != InstanceAlive && len(inst.samples) == 0 {
			delete(r.instances, key)
			continue
		}
		kept = append(kept, key)
	}
	r.order = kept
}

// Instances returns a snapshot of every known instance in first-seen order.
func (r *Reader) Instances() []InstanceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InstanceSnapshot, 0, len(r.order))
	for _, key := range r.order {
		inst := r.instances[key]
		snap := InstanceSnapshot{Key: key, State: inst.state, Writers: sortedWriters(inst)}
		for i := len(inst.samples) - 1; i >= 0; i-- {
			if inst.samples[i].valid {
				snap.Last = inst.samples[i].data
				break
			}
		}
		out = append(out, snap)
	}
	return out
}

// Writers implements OwnershipView.
func (r *Reader) Writers(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	if !ok || inst.state != InstanceAlive {
		return nil
	}
	return sortedWriters(inst)
}

func sortedWriters(inst *instance) []string {
	out := make([]string, 0, len(inst.writers))
	for w := range inst.writers {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Close cancels the subscription and wakes any waiter with ErrClosed.
func (r *Reader) Close() {
	r.cancel()
	r.markClosed()
}

func (r *Reader) markClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
