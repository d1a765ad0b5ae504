package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	ch, unsubscribe := b.Subscribe("arena/matches")
	defer unsubscribe()

	b.Publish("arena/matches", "hello")

	select {
	case got := <-ch:
		require.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribersOnDifferentTopicsAreIsolated(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	matchCh, unsub1 := b.Subscribe("match/1")
	defer unsub1()
	otherCh, unsub2 := b.Subscribe("match/2")
	defer unsub2()

	b.Publish("match/1", "a")

	select {
	case got := <-matchCh:
		require.Equal(t, "a", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on match/1")
	}

	select {
	case <-otherCh:
		t.Fatal("match/2 subscriber should not have received match/1's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_OverflowDropsOldestAndEmitsLagged(t *testing.T) {
	b := New()
	b.bufferSize = 2
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	ch, unsubscribe := b.Subscribe("topic")
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish("topic", i)
		time.Sleep(5 * time.Millisecond)
	}

	var sawLagged bool
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case v := <-ch:
			if _, ok := v.(Lagged); ok {
				sawLagged = true
			}
		case <-timeout:
			break drain
		default:
			if sawLagged {
				break drain
			}
		}
	}
	require.True(t, sawLagged, "expected a Lagged event once the bounded channel overflowed")
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	ch, unsubscribe := b.Subscribe("topic")
	unsubscribe()

	_, open := <-ch
	require.False(t, open)
}
