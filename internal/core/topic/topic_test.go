package topic

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"ClawdCity-Chat/internal/core/network"
)

type record struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func startReader(t *testing.T, ps network.PubSub, opts ReaderOptions) *Reader {
	t.Helper()
	opts.Logger = logs.GetLoggerFromLevel(slog.LevelDebug)
	r, err := NewReader(ps, "test.topic", opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func startWriter(t *testing.T, w *Writer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return cancel
}

func findInstance(r *Reader, key string) (InstanceSnapshot, bool) {
	for _, snap := range r.Instances() {
		if snap.Key == key {
			return snap, true
		}
	}
	return InstanceSnapshot{}, false
}

func TestWriteMakesInstanceAlive(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{Depth: 1})
	w := NewWriter(ps, "test.topic", WriterOptions{})

	req.NoError(w.Write("alice", record{Name: "alice", Group: "g1"}))

	got, err := r.Wait(context.Background(), DataAvailable|LivelinessChanged, time.Second)
	req.NoError(err)
	req.NotZero(got & DataAvailable)

	req.Eventually(func() bool {
		snap, ok := findInstance(r, "alice")
		return ok && snap.State == InstanceAlive
	}, time.Second, 10*time.Millisecond)

	samples := r.Read()
	req.Len(samples, 1)
	req.True(samples[0].Info.Valid)
	req.Equal(SampleNotRead, samples[0].Info.SampleState)
	var rec record
	req.NoError(samples[0].Decode(&rec))
	req.Equal("g1", rec.Group)

	again := r.Read()
	req.Len(again, 1)
	req.Equal(SampleRead, again[0].Info.SampleState)
}

func TestUnregisterProducesSingleInvalidSample(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{Depth: 1})
	w := NewWriter(ps, "test.topic", WriterOptions{})

	req.NoError(w.Write("bob", record{Name: "bob"}))
	req.Eventually(func() bool { return len(r.Writers("bob")) == 1 }, time.Second, 10*time.Millisecond)
	r.Read()

	req.NoError(w.UnregisterInstance("bob"))
	req.Eventually(func() bool {
		snap, ok := findInstance(r, "bob")
		return ok && snap.State == InstanceNotAliveNoWriters
	}, time.Second, 10*time.Millisecond)

	samples := r.Read()
	req.Len(samples, 1)
	req.False(samples[0].Info.Valid)
	req.Equal("bob", samples[0].Info.Key)
	req.Equal(SampleNotRead, samples[0].Info.SampleState)
	req.Equal(InstanceNotAliveNoWriters, samples[0].Info.InstanceState)
	req.Error(samples[0].Decode(&record{}))

	req.Equal(SampleRead, r.Read()[0].Info.SampleState)
	req.ErrorIs(w.UnregisterInstance("bob"), ErrInstanceNotRegistered)
}

func TestLeaseExpiryDropsSilentWriter(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{Depth: 1, CheckPeriod: 20 * time.Millisecond})
	w := NewWriter(ps, "test.topic", WriterOptions{Lease: 150 * time.Millisecond})
	stopHeartbeats := startWriter(t, w)

	req.NoError(w.Write("carol", record{Name: "carol"}))
	// Heartbeats keep the instance alive past a single lease.
	time.Sleep(300 * time.Millisecond)
	snap, ok := findInstance(r, "carol")
	req.True(ok)
	req.Equal(InstanceAlive, snap.State)

	stopHeartbeats()
	req.Eventually(func() bool {
		snap, ok := findInstance(r, "carol")
		return ok && snap.State == InstanceNotAliveNoWriters
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDurableHeartbeatReachesLateReader(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	w := NewWriter(ps, "test.topic", WriterOptions{Lease: 90 * time.Millisecond, Durable: true})
	req.NoError(w.Write("dave", record{Name: "dave", Group: "ops"}))

	r := startReader(t, ps, ReaderOptions{Depth: 1})
	startWriter(t, w)

	req.Eventually(func() bool {
		snap, ok := findInstance(r, "dave")
		return ok && snap.State == InstanceAlive && snap.Last != nil
	}, time.Second, 10*time.Millisecond)

	// Further heartbeats must not duplicate the sample.
	time.Sleep(200 * time.Millisecond)
	req.Len(r.Read(), 1)
}

func TestExclusiveRegistrationRejectsLiveOwner(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{Depth: 1})

	first := NewWriter(ps, "test.topic", WriterOptions{Exclusive: true, Owners: r})
	req.NoError(first.Write("erin", record{Name: "erin"}))
	req.Eventually(func() bool { return len(r.Writers("erin")) == 1 }, time.Second, 10*time.Millisecond)

	second := NewWriter(ps, "test.topic", WriterOptions{Exclusive: true, Owners: r})
	err := second.RegisterInstance("erin")
	req.ErrorIs(err, ErrInstanceOwned)
	req.ErrorIs(second.Write("erin", record{Name: "erin"}), ErrInstanceOwned)

	req.NoError(first.UnregisterInstance("erin"))
	req.Eventually(func() bool { return len(r.Writers("erin")) == 0 }, time.Second, 10*time.Millisecond)
	req.NoError(second.RegisterInstance("erin"))
}

func TestRegisterInstanceValidation(t *testing.T) {
	req := require.New(t)
	w := NewWriter(network.NewMemoryPubSub(), "test.topic", WriterOptions{})
	req.ErrorIs(w.RegisterInstance(""), ErrEmptyKey)
	req.NoError(w.RegisterInstance("frank"))
	req.ErrorIs(w.RegisterInstance("frank"), ErrInstanceRegistered)
	req.ElementsMatch([]string{"frank"}, w.Registered())

	req.NoError(w.Close())
	req.ErrorIs(w.RegisterInstance("gina"), ErrClosed)
	req.ErrorIs(w.Write("frank", record{}), ErrClosed)
	req.NoError(w.Close())
}

func TestTakeRemovesSamplesInArrivalOrder(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{})
	w := NewWriter(ps, "test.topic", WriterOptions{})

	for _, n := range []string{"one", "two", "three"} {
		req.NoError(w.Write("alice", record{Name: n}))
	}
	req.Eventually(func() bool {
		snap, ok := findInstance(r, "alice")
		return ok && string(snap.Last) == `{"name":"three","group":""}`
	}, time.Second, 10*time.Millisecond)

	taken := r.Take()
	req.Len(taken, 3)
	names := make([]string, 0, len(taken))
	for _, s := range taken {
		var rec record
		req.NoError(s.Decode(&rec))
		names = append(names, rec.Name)
	}
	req.Equal([]string{"one", "two", "three"}, names)
	req.Empty(r.Take())
}

func TestWaitTimeoutAndCancel(t *testing.T) {
	req := require.New(t)
	r := startReader(t, network.NewMemoryPubSub(), ReaderOptions{})

	got, err := r.Wait(context.Background(), DataAvailable, 30*time.Millisecond)
	req.NoError(err)
	req.Zero(got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Wait(ctx, DataAvailable, time.Second)
	req.ErrorIs(err, context.Canceled)
}

func TestWaitIgnoresUnmaskedStatus(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{})
	w := NewWriter(ps, "test.topic", WriterOptions{})
	req.NoError(w.Write("hank", record{}))

	got, err := r.Wait(context.Background(), LivelinessChanged, time.Second)
	req.NoError(err)
	req.Equal(LivelinessChanged, got)

	// DataAvailable is still pending for another waiter.
	got, err = r.Wait(context.Background(), DataAvailable, time.Second)
	req.NoError(err)
	req.Equal(DataAvailable, got)
}

func TestTransportCloseStopsReader(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r, err := NewReader(ps, "test.topic", ReaderOptions{})
	req.NoError(err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	req.NoError(ps.Close())

	select {
	case err := <-errCh:
		req.True(errors.Is(err, ErrSubscriptionClosed))
	case <-time.After(time.Second):
		req.Fail("reader did not stop after transport close")
	}
	_, err = r.Wait(context.Background(), DataAvailable, time.Second)
	req.ErrorIs(err, ErrClosed)
}

func TestDisposeMarksInstance(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	r := startReader(t, ps, ReaderOptions{Depth: 1})
	w := NewWriter(ps, "test.topic", WriterOptions{})
	req.NoError(w.Write("ivy", record{}))
	req.NoError(w.Dispose("ivy"))

	req.Eventually(func() bool {
		snap, ok := findInstance(r, "ivy")
		return ok && snap.State == InstanceNotAliveDisposed
	}, time.Second, 10*time.Millisecond)
	req.Nil(r.Writers("ivy"))
	req.ErrorIs(w.Dispose("nobody"), ErrInstanceNotRegistered)
}
