package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"traffic-router/internal/kv"
	"traffic-router/internal/kv/mocks"
)

func collect(ids chan<- string) func(string) {
	return func(id string) { ids <- id }
}

func expectID(t *testing.T, ids <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ids:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func run(ctx context.Context, n kv.Notifier, onChange func(string)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ListenAndRefresh(ctx, n, "targets_changed", onChange, 10*time.Millisecond)
	}()
	return done
}

func TestListenAndRefresh_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kv.NewRedis(context.Background(), kv.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	ids := make(chan string, 8)
	done := run(ctx, store, collect(ids))

	expectID(t, ids, "")
	require.NoError(t, store.Publish(context.Background(), "targets_changed", "t1"))
	expectID(t, ids, "t1")

	cancel()
	<-done
}

func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestListenAndRefresh_RetriesSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockStore(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	gomock.InOrder(
		n.EXPECT().Subscribe(gomock.Any(), "targets_changed").Return(nil, errors.New("connection refused")),
		n.EXPECT().Subscribe(gomock.Any(), "targets_changed").Return(sub, nil),
	)
	gomock.InOrder(
		sub.EXPECT().Next(gomock.Any()).Return("t7", nil),
		sub.EXPECT().Next(gomock.Any()).DoAndReturn(blockUntilDone),
	)
	sub.EXPECT().Close().Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	ids := make(chan string, 8)
	done := run(ctx, n, collect(ids))

	expectID(t, ids, "")
	expectID(t, ids, "t7")
	cancel()
	<-done
}

func TestListenAndRefresh_ResubscribesAfterReceiveError(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockStore(ctrl)
	first := mocks.NewMockSubscription(ctrl)
	second := mocks.NewMockSubscription(ctrl)

	gomock.InOrder(
		n.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(first, nil),
		n.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(second, nil),
	)
	first.EXPECT().Next(gomock.Any()).Return("", errors.New("connection reset"))
	first.EXPECT().Close().Return(nil)
	second.EXPECT().Next(gomock.Any()).DoAndReturn(blockUntilDone)
	second.EXPECT().Close().Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	ids := make(chan string, 8)
	done := run(ctx, n, collect(ids))

	expectID(t, ids, "")
	expectID(t, ids, "")
	cancel()
	<-done
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, 1500*time.Millisecond)
	}
	require.GreaterOrEqual(t, jitter(0), 500*time.Millisecond)
}
