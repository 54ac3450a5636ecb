package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"ClawdCity-Chat/internal/core/network"
	"ClawdCity-Chat/internal/core/topic"
)

const (
	usersTopic    = "chat.user"
	messagesTopic = "chat.message"
	testPoll      = 20 * time.Millisecond
)

type node struct {
	presence *PresenceChannel
	messages *MessageChannel
	users    *topic.Writer
	lock     *sync.Mutex
}

// newNode wires one participant on ps and runs its readers and writers until
// the test ends.
func newNode(t *testing.T, ps network.PubSub) *node {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	userReader, err := topic.NewReader(ps, usersTopic, topic.ReaderOptions{Depth: 1, CheckPeriod: testPoll, Logger: log})
	require.NoError(t, err)
	msgReader, err := topic.NewReader(ps, messagesTopic, topic.ReaderOptions{Logger: log})
	require.NoError(t, err)
	userWriter := topic.NewWriter(ps, usersTopic, topic.WriterOptions{
		Lease: 300 * time.Millisecond, Durable: true, Exclusive: true, Owners: userReader, Logger: log,
	})
	msgWriter := topic.NewWriter(ps, messagesTopic, topic.WriterOptions{Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{userReader.Run, msgReader.Run, userWriter.Run, msgWriter.Run} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			_ = run(ctx)
		}(run)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	lock := &sync.Mutex{}
	opts := ChannelOptions{Lock: lock, PollInterval: testPoll, Logger: log}
	return &node{
		presence: NewPresenceChannel(userWriter, userReader, opts),
		messages: NewMessageChannel(msgWriter, msgReader, opts),
		users:    userWriter,
		lock:     lock,
	}
}

type eventLog[T any] struct {
	mu     sync.Mutex
	events []T
}

func (l *eventLog[T]) add(e T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.events...)
}

func watch[T any](t *testing.T, fn func(context.Context, func(T)) error) *eventLog[T] {
	t.Helper()
	l := &eventLog[T]{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fn(ctx, l.add)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func join(t *testing.T, n *node, rec UserRecord) {
	t.Helper()
	require.NoError(t, n.presence.Register(rec))
	require.NoError(t, n.presence.Publish(rec))
}

func TestListReturnsAliveUsersSortedByName(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	observer := newNode(t, ps)

	records := []UserRecord{
		{Username: "carol", Group: "g2"},
		{Username: "alice", Group: "g1", FirstName: "Alice"},
		{Username: "bob", Group: "g1"},
	}
	nodes := make([]*node, 0, len(records))
	for _, rec := range records {
		n := newNode(t, ps)
		join(t, n, rec)
		nodes = append(nodes, n)
	}

	req.Eventually(func() bool { return len(observer.presence.List()) == 3 }, time.Second, testPoll)
	users := observer.presence.List()
	req.Equal([]UserRecord{records[1], records[2], records[0]}, users)

	req.NoError(nodes[0].presence.Unregister(records[0]))
	req.Eventually(func() bool { return len(observer.presence.List()) == 2 }, time.Second, testPoll)
	for _, u := range observer.presence.List() {
		req.NotEqual("carol", u.Username)
	}
}

func TestWatchReportsJoinAndSingleLeave(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	observer := newNode(t, ps)
	events := watch(t, observer.presence.Watch)

	alice := newNode(t, ps)
	rec := UserRecord{Username: "alice", Group: "g1"}
	join(t, alice, rec)

	req.Eventually(func() bool { return len(events.snapshot()) == 1 }, time.Second, testPoll)
	req.Equal(PresenceEvent{Username: "alice", Group: "g1", Kind: Joined}, events.snapshot()[0])

	req.NoError(alice.presence.Unregister(rec))
	req.Eventually(func() bool { return len(events.snapshot()) == 2 }, time.Second, testPoll)
	req.Equal(PresenceEvent{Username: "alice", Kind: Left}, events.snapshot()[1])

	// Several more poll intervals must not replay the transition.
	time.Sleep(10 * testPoll)
	req.Len(events.snapshot(), 2)
	req.ErrorIs(alice.presence.Unregister(rec), ErrNotRegistered)
}

func TestWatchReportsLeaveOnLeaseExpiry(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	observer := newNode(t, ps)
	events := watch(t, observer.presence.Watch)

	// A writer without heartbeats stands in for a crashed peer.
	silent := topic.NewWriter(ps, usersTopic, topic.WriterOptions{Lease: 100 * time.Millisecond})
	req.NoError(silent.Write("ghost", UserRecord{Username: "ghost", Group: "g0"}))

	req.Eventually(func() bool {
		evts := events.snapshot()
		return len(evts) == 2 && evts[1].Kind == Left && evts[1].Username == "ghost"
	}, 2*time.Second, testPoll)
	time.Sleep(5 * testPoll)
	req.Len(events.snapshot(), 2)
}

func TestRegisterRejectsInvalidAndDuplicateUsers(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	n := newNode(t, ps)

	var regErr *RegistrationError
	err := n.presence.Register(UserRecord{Username: "two words", Group: "g1"})
	req.True(errors.As(err, &regErr))
	req.Equal("two words", regErr.Username)

	err = n.presence.Register(UserRecord{Username: "alice"})
	req.True(errors.As(err, &regErr))

	join(t, n, UserRecord{Username: "alice", Group: "g1"})
	err = n.presence.Register(UserRecord{Username: "alice", Group: "g1"})
	req.True(errors.As(err, &regErr))
	req.ErrorIs(err, topic.ErrInstanceRegistered)

	other := newNode(t, ps)
	req.Eventually(func() bool { return len(other.presence.List()) == 1 }, time.Second, testPoll)
	err = other.presence.Register(UserRecord{Username: "alice", Group: "g2"})
	req.True(errors.As(err, &regErr))
	req.ErrorIs(err, topic.ErrInstanceOwned)
}

func TestMessagesArriveInSendOrder(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	receiver := newNode(t, ps)
	received := watch(t, receiver.messages.Watch)

	alice, bob := newNode(t, ps), newNode(t, ps)
	sent := []ChatMessage{
		{FromUser: "alice", ToUser: "bob", ToGroup: "bob", Message: "hello world"},
		{FromUser: "bob", ToUser: "alice", ToGroup: "alice", Message: "hi"},
		{FromUser: "alice", ToUser: "g1", ToGroup: "g1", Message: "anyone?"},
		{FromUser: "bob", ToUser: "g1", ToGroup: "g1", Message: "me"},
	}
	for _, msg := range sent {
		sender := alice
		if msg.FromUser == "bob" {
			sender = bob
		}
		req.NoError(sender.messages.Send(msg))
	}

	req.Eventually(func() bool { return len(received.snapshot()) == len(sent) }, time.Second, testPoll)
	req.Equal(sent, received.snapshot())
}

func TestSendValidatesMessage(t *testing.T) {
	req := require.New(t)
	n := newNode(t, network.NewMemoryPubSub())
	req.Error(n.messages.Send(ChatMessage{FromUser: "alice", ToUser: "bob"}))
	req.Error(n.messages.Send(ChatMessage{Message: "orphan"}))
}

func TestOnlyAddressedToFiltersMessages(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	bob := newNode(t, ps)
	bob.messages.OnlyAddressedTo(UserRecord{Username: "bob", Group: "g1"})
	received := watch(t, bob.messages.Watch)

	alice := newNode(t, ps)
	for _, msg := range []ChatMessage{
		{FromUser: "alice", ToUser: "carol", ToGroup: "carol", Message: "not for bob"},
		{FromUser: "alice", ToUser: "bob", ToGroup: "bob", Message: "direct"},
		{FromUser: "alice", ToUser: "g1", ToGroup: "g1", Message: "group"},
	} {
		req.NoError(alice.messages.Send(msg))
	}

	req.Eventually(func() bool { return len(received.snapshot()) == 2 }, time.Second, testPoll)
	time.Sleep(5 * testPoll)
	got := received.snapshot()
	req.Len(got, 2)
	req.Equal("direct", got[0].Message)
	req.Equal("group", got[1].Message)
}

func TestMessageWatchIgnoresInvalidSamples(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	receiver := newNode(t, ps)
	received := watch(t, receiver.messages.Watch)

	writer := topic.NewWriter(ps, messagesTopic, topic.WriterOptions{})
	req.NoError(writer.Write("alice", ChatMessage{FromUser: "alice", Message: "bye"}))
	req.NoError(writer.Close())

	req.Eventually(func() bool { return len(received.snapshot()) == 1 }, time.Second, testPoll)
	time.Sleep(5 * testPoll)
	req.Len(received.snapshot(), 1)
}

func TestWatchFailsWithTransportError(t *testing.T) {
	req := require.New(t)
	ps := network.NewMemoryPubSub()
	n := newNode(t, ps)

	errCh := make(chan error, 1)
	go func() { errCh <- n.messages.Watch(context.Background(), func(ChatMessage) {}) }()
	req.NoError(ps.Close())

	select {
	case err := <-errCh:
		var tErr *TransportError
		req.True(errors.As(err, &tErr))
		req.ErrorIs(err, topic.ErrClosed)
	case <-time.After(2 * time.Second):
		req.Fail("watch did not stop after transport close")
	}
}
